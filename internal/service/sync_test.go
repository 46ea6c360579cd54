package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"ddf_sync/internal/config"
	"ddf_sync/internal/domain"
	"ddf_sync/internal/mapper"
	"ddf_sync/internal/media"
	"ddf_sync/internal/rets"
	"ddf_sync/internal/service/mocks"
)

const lockToken = "lock-token-1"

type SyncServiceTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	feed      *mocks.MockFeed
	listings  *mocks.MockListingStore
	lookups   *mocks.MockLookupStore
	syncState *mocks.MockSyncStateStore
	txManager *mocks.MockTransactionManager
	locker    *mocks.MockLocker
	media     *mocks.MockMediaFetcher
	publisher *mocks.MockPublisher

	feedsOpened int
	service     *SyncService
	cfg         config.SyncConfig
	now         time.Time
	table       mapper.LookupTable
}

func (s *SyncServiceTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.feed = mocks.NewMockFeed(s.ctrl)
	s.listings = mocks.NewMockListingStore(s.ctrl)
	s.lookups = mocks.NewMockLookupStore(s.ctrl)
	s.syncState = mocks.NewMockSyncStateStore(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)
	s.locker = mocks.NewMockLocker(s.ctrl)
	s.media = mocks.NewMockMediaFetcher(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.cfg = config.SyncConfig{
		Name:                 "ddf",
		Resource:             "Property",
		Class:                "Property",
		Format:               "STANDARD-XML",
		Culture:              "en-CA",
		PageSize:             2,
		LookbackDays:         10,
		MaxLookbackDays:      10,
		FullLockHours:        48,
		IncrementalLockHours: 2,
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s.feedsOpened = 0
	newFeed := func() (Feed, error) {
		s.feedsOpened++
		return s.feed, nil
	}

	s.service = NewSyncService(
		newFeed,
		s.listings,
		s.lookups,
		s.syncState,
		s.txManager,
		s.locker,
		s.media,
		s.publisher,
		logger,
		s.cfg,
	)

	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.service.now = func() time.Time { return s.now }

	s.table = mapper.LookupTable{
		Resource: "Property",
		Lookup:   "PropertyType",
		Fields:   mapper.DefaultLookupTables()[0].Fields,
	}
	s.service.tables = []mapper.LookupTable{s.table}
}

func (s *SyncServiceTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSyncServiceTestSuite(t *testing.T) {
	suite.Run(t, new(SyncServiceTestSuite))
}

func listingRow(id, lastUpdated string) rets.Row {
	return rets.Row{"ID": id, "LastUpdated": lastUpdated, "Address.City": "Ottawa"}
}

func lookupRow(entryID, longValue string) rets.Row {
	return rets.Row{
		"LongValue":       longValue,
		"ShortValue":      longValue[:1],
		"Value":           entryID,
		"MetadataEntryID": entryID,
	}
}

func (s *SyncServiceTestSuite) searchOpts(offset int) rets.SearchOptions {
	return rets.SearchOptions{Format: "STANDARD-XML", Limit: 2, Offset: offset, Culture: "en-CA"}
}

func (s *SyncServiceTestSuite) expectPassthroughTx() {
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	).AnyTimes()
}

func (s *SyncServiceTestSuite) expectMetadata(ctx context.Context) {
	s.feed.EXPECT().LookupValues(ctx, "Property", "PropertyType").Return(nil, nil)
}

func (s *SyncServiceTestSuite) expectHooks(ctx context.Context) {
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).Return(nil).Times(2)
}

func (s *SyncServiceTestSuite) TestSync_LockHeld() {
	ctx := context.Background()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return("", false, nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{})

	s.NoError(err)
	s.True(stats.Aborted)
	s.Equal(domain.PhaseAborted, stats.Phase)
	s.Equal(0, s.feedsOpened)
}

func (s *SyncServiceTestSuite) TestSync_LockError() {
	ctx := context.Background()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return("", false, errors.New("redis down"))

	_, err := s.service.Sync(ctx, domain.SyncOptions{})

	s.Error(err)
	s.Equal(0, s.feedsOpened)
}

func (s *SyncServiceTestSuite) TestSync_IncrementalLookbackFloor() {
	ctx := context.Background()
	lastSync := s.now.AddDate(0, 0, -10)

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").Return(&domain.SyncState{Name: "ddf", LastSyncedAt: lastSync}, nil)
	s.feed.EXPECT().Login(ctx).Return(nil)
	s.expectMetadata(ctx)
	s.feed.EXPECT().Search(ctx, "Property", "Property", "(LastUpdated=2024-05-25T12:00:00Z)", s.searchOpts(1)).
		Return(&rets.SearchResult{}, nil)
	s.feed.EXPECT().Logout(ctx).Return(nil)
	s.syncState.EXPECT().Update(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, state *domain.SyncState) error {
			s.Equal(s.now, state.LastSyncedAt)
			return nil
		},
	)
	s.expectHooks(ctx)
	s.locker.EXPECT().Release(ctx, "ddf", lockToken).Return(nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{LookbackDays: 7})

	s.NoError(err)
	s.Equal(s.now.AddDate(0, 0, -7), stats.Since)
	s.Equal(domain.PhaseReleaseLock, stats.Phase)
	s.True(stats.MetadataClean)
	s.Equal(1, s.feedsOpened)
}

func (s *SyncServiceTestSuite) TestSync_PagesAndMerges() {
	ctx := context.Background()
	older := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	same := time.Date(2024, 5, 31, 9, 0, 0, 0, time.UTC)
	lastSync := s.now.Add(-6 * time.Hour)

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").Return(&domain.SyncState{Name: "ddf", LastSyncedAt: lastSync, TotalSynced: 40}, nil)
	s.feed.EXPECT().Login(ctx).Return(nil)
	s.expectMetadata(ctx)

	query := "(LastUpdated=2024-06-01T06:00:00Z)"
	gomock.InOrder(
		s.feed.EXPECT().Search(ctx, "Property", "Property", query, s.searchOpts(1)).Return(&rets.SearchResult{
			Rows: []rets.Row{
				listingRow("A", "2024-05-31T10:00:00Z"),
				listingRow("B", "2024-05-31T09:00:00Z"),
			},
			Count:    4,
			MoreRows: true,
		}, nil),
		s.feed.EXPECT().Search(ctx, "Property", "Property", query, s.searchOpts(3)).Return(&rets.SearchResult{
			Rows: []rets.Row{
				listingRow("C", "2024-05-31T11:00:00Z"),
				{"LastUpdated": "2024-05-31T11:00:00Z"},
			},
			Count: 4,
		}, nil),
	)

	s.listings.EXPECT().GetExistingByDDFIDs(ctx, []string{"A", "B"}).Return(map[string]time.Time{"A": older, "B": same}, nil)
	s.listings.EXPECT().GetExistingByDDFIDs(ctx, []string{"C"}).Return(map[string]time.Time{}, nil)
	s.expectPassthroughTx()

	var upserted []string
	s.listings.EXPECT().Upsert(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, l *domain.Listing) (int64, error) {
			upserted = append(upserted, l.DDFID)
			return int64(len(upserted)), nil
		},
	).Times(2)

	s.media.EXPECT().Fetch(ctx, s.feed, []string{"A", "C"}).Return(&media.Stats{Stored: 5}, nil)
	s.feed.EXPECT().Logout(ctx).Return(nil)
	s.syncState.EXPECT().Update(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, state *domain.SyncState) error {
			s.Equal(int64(42), state.TotalSynced)
			return nil
		},
	)

	var events []*domain.SyncEvent
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).DoAndReturn(
		func(_ context.Context, e *domain.SyncEvent) error {
			events = append(events, e)
			return nil
		},
	).Times(2)
	s.locker.EXPECT().Release(ctx, "ddf", lockToken).Return(nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{})

	s.NoError(err)
	s.Equal([]string{"A", "C"}, upserted)
	s.Equal(4, stats.Fetched)
	s.Equal(1, stats.New)
	s.Equal(1, stats.Updated)
	s.Equal(1, stats.Skipped)
	s.Equal(1, stats.MappingErrors)
	s.Equal(5, stats.Photos)
	s.Equal(lastSync, stats.Since)

	s.Require().Len(events, 2)
	s.Equal(domain.EventWarmup, events[0].Type)
	s.Equal(domain.EventSavedSearchDigest, events[1].Type)
	s.Equal([]string{"A", "C"}, events[1].Changed)
	s.False(events[1].ChangedTruncated)
}

func (s *SyncServiceTestSuite) TestSync_FullDeactivatesMissing() {
	ctx := context.Background()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 48*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").Return(&domain.SyncState{Name: "ddf"}, nil)
	s.feed.EXPECT().Login(ctx).Return(nil)
	s.expectMetadata(ctx)
	s.feed.EXPECT().Search(ctx, "Property", "Property", "(ID=*)", s.searchOpts(1)).Return(&rets.SearchResult{
		Rows: []rets.Row{
			listingRow("A", "2024-05-31T10:00:00Z"),
			listingRow("B", "not a date"),
		},
	}, nil)
	s.listings.EXPECT().GetExistingByDDFIDs(ctx, []string{"A"}).Return(map[string]time.Time{
		"A": time.Date(2024, 5, 31, 10, 0, 0, 0, time.UTC),
	}, nil)
	s.listings.EXPECT().DeactivateExcept(ctx, []string{"A", "B"}).Return(int64(3), nil)
	s.feed.EXPECT().Logout(ctx).Return(nil)
	s.syncState.EXPECT().Update(ctx, gomock.Any()).Return(nil)
	s.expectHooks(ctx)
	s.locker.EXPECT().Release(ctx, "ddf", lockToken).Return(nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{Full: true})

	s.NoError(err)
	s.True(stats.Full)
	s.True(stats.Since.IsZero())
	s.Equal(int64(3), stats.Deactivated)
	s.Equal(1, stats.Skipped)
	s.Equal(1, stats.MappingErrors)
}

func (s *SyncServiceTestSuite) TestSync_FullWithEmptyFeedKeepsListings() {
	ctx := context.Background()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 12*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").Return(&domain.SyncState{Name: "ddf"}, nil)
	s.feed.EXPECT().Login(ctx).Return(nil)
	s.expectMetadata(ctx)
	s.feed.EXPECT().Search(ctx, "Property", "Property", "(ID=*)", s.searchOpts(1)).Return(&rets.SearchResult{}, nil)
	s.feed.EXPECT().Logout(ctx).Return(nil)
	s.syncState.EXPECT().Update(ctx, gomock.Any()).Return(nil)
	s.expectHooks(ctx)
	s.locker.EXPECT().Release(ctx, "ddf", lockToken).Return(nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{Full: true, LockTTL: 12 * time.Hour})

	s.NoError(err)
	s.Equal(int64(0), stats.Deactivated)
}

func (s *SyncServiceTestSuite) TestSync_LoginFailureReleasesLock() {
	ctx := context.Background()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").Return(&domain.SyncState{Name: "ddf"}, nil)
	s.feed.EXPECT().Login(ctx).Return(&rets.ReplyError{Code: rets.ReplyInvalidLogin, Text: "bad password"})
	s.locker.EXPECT().Release(ctx, "ddf", lockToken).Return(nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{})

	var replyErr *rets.ReplyError
	s.ErrorAs(err, &replyErr)
	s.Equal(domain.PhaseFetchMetadata, stats.Phase)
}

func (s *SyncServiceTestSuite) TestSync_SearchFailureReleasesLock() {
	ctx := context.Background()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").Return(&domain.SyncState{Name: "ddf"}, nil)
	s.feed.EXPECT().Login(ctx).Return(nil)
	s.expectMetadata(ctx)
	s.feed.EXPECT().Search(ctx, "Property", "Property", gomock.Any(), s.searchOpts(1)).Return(nil, errors.New("connection reset"))
	s.feed.EXPECT().Logout(ctx).Return(nil)
	s.locker.EXPECT().Release(ctx, "ddf", lockToken).Return(nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{})

	s.Error(err)
	s.Equal(domain.PhaseFetchListings, stats.Phase)
}

func (s *SyncServiceTestSuite) TestSync_CancelledRunLeavesLock() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").DoAndReturn(
		func(ctx context.Context, _ string) (*domain.SyncState, error) {
			cancel()
			return nil, ctx.Err()
		},
	)

	_, err := s.service.Sync(ctx, domain.SyncOptions{})

	s.ErrorIs(err, context.Canceled)
}

func (s *SyncServiceTestSuite) TestSync_HookFailureIsNotFatal() {
	ctx := context.Background()

	s.locker.EXPECT().TryAcquire(ctx, "ddf", 2*time.Hour).Return(lockToken, true, nil)
	s.syncState.EXPECT().Get(ctx, "ddf").Return(&domain.SyncState{Name: "ddf"}, nil)
	s.feed.EXPECT().Login(ctx).Return(nil)
	s.feed.EXPECT().LookupValues(ctx, "Property", "PropertyType").Return(nil, errors.New("metadata timeout"))
	s.feed.EXPECT().Search(ctx, "Property", "Property", gomock.Any(), s.searchOpts(1)).Return(&rets.SearchResult{}, nil)
	s.feed.EXPECT().Logout(ctx).Return(errors.New("already gone"))
	s.syncState.EXPECT().Update(ctx, gomock.Any()).Return(nil)
	s.publisher.EXPECT().Publish(ctx, gomock.Any()).Return(errors.New("channel closed")).Times(2)
	s.locker.EXPECT().Release(ctx, "ddf", lockToken).Return(nil)

	stats, err := s.service.Sync(ctx, domain.SyncOptions{})

	s.NoError(err)
	s.False(stats.MetadataClean)
}

func (s *SyncServiceTestSuite) TestUpdateLookupTable_InsertsOnlyNewEntries() {
	ctx := context.Background()

	s.feed.EXPECT().LookupValues(ctx, "Property", "PropertyType").Return([]rets.Row{
		lookupRow("101", "Single Family"),
		lookupRow("102", "Multi-family"),
	}, nil)
	s.lookups.EXPECT().Exists(ctx, "Property", "PropertyType", "101").Return(true, nil)
	s.lookups.EXPECT().Exists(ctx, "Property", "PropertyType", "102").Return("", false, nil)
	s.lookups.EXPECT().Insert(ctx, &domain.MetadataEntry{
		Resource:   "Property",
		Lookup:     "PropertyType",
		EntryID:    "102",
		LongValue:  "Multi-family",
		ShortValue: "M",
		Value:      "102",
	}).Return(nil)

	clean, err := s.service.UpdateLookupTable(ctx, s.feed, s.table)

	s.NoError(err)
	s.True(clean)
}

func (s *SyncServiceTestSuite) TestUpdateLookupTable_FlagsIncompleteRows() {
	ctx := context.Background()

	s.feed.EXPECT().LookupValues(ctx, "Property", "PropertyType").Return([]rets.Row{
		{"LongValue": "Condo", "MetadataEntryID": "103"},
		lookupRow("-1", "Retired"),
	}, nil)
	s.lookups.EXPECT().Exists(ctx, "Property", "PropertyType", "103").Return("", false, nil)
	s.lookups.EXPECT().Insert(ctx, gomock.Any()).Return(nil)

	clean, err := s.service.UpdateLookupTable(ctx, s.feed, s.table)

	s.NoError(err)
	s.False(clean)
}

func (s *SyncServiceTestSuite) TestUpdateLookupTable_StoreError() {
	ctx := context.Background()

	s.feed.EXPECT().LookupValues(ctx, "Property", "PropertyType").Return([]rets.Row{lookupRow("101", "Single Family")}, nil)
	s.lookups.EXPECT().Exists(ctx, "Property", "PropertyType", "101").Return(false, errors.New("db closed"))

	_, err := s.service.UpdateLookupTable(ctx, s.feed, s.table)

	s.Error(err)
}

func (s *SyncServiceTestSuite) TestSince() {
	tests := []struct {
		name     string
		lastSync time.Time
		lookback int
		want     time.Time
	}{
		{"never synced uses configured lookback", time.Time{}, 0, s.now.AddDate(0, 0, -10)},
		{"recent sync wins", s.now.Add(-time.Hour), 7, s.now.Add(-time.Hour)},
		{"old sync is floored by lookback", s.now.AddDate(0, 0, -10), 7, s.now.AddDate(0, 0, -7)},
		{"lookback is capped", s.now.AddDate(0, 0, -30), 30, s.now.AddDate(0, 0, -10)},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.want, s.service.since(tt.lastSync, tt.lookback, s.now))
		})
	}
}

func (s *SyncServiceTestSuite) TestEventIDs() {
	s.service.idLimit = 2

	tests := []struct {
		name          string
		full          bool
		changed       []string
		wantIDs       []string
		wantTruncated bool
	}{
		{name: "nothing changed", changed: nil},
		{name: "incremental within limit", changed: []string{"A", "B"}, wantIDs: []string{"A", "B"}},
		{name: "incremental over limit", changed: []string{"A", "B", "C"}, wantTruncated: true},
		{name: "full run sends counts only", full: true, changed: []string{"A"}, wantTruncated: true},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			ids, truncated := s.service.eventIDs(tt.full, tt.changed)
			s.Equal(tt.wantIDs, ids)
			s.Equal(tt.wantTruncated, truncated)
		})
	}
}
