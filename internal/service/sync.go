package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ddf_sync/internal/config"
	"ddf_sync/internal/domain"
	"ddf_sync/internal/mapper"
	"ddf_sync/internal/rets"
)

const fullQuery = "(ID=*)"

// DefaultEventIDLimit caps the ids listed in one post-sync event.
const DefaultEventIDLimit = 1000

// FeedFactory opens a fresh Feed for each run; sessions are never shared.
type FeedFactory func() (Feed, error)

type SyncService struct {
	newFeed   FeedFactory
	listings  ListingStore
	lookups   LookupStore
	syncState SyncStateStore
	txManager TransactionManager
	locker    Locker
	media     MediaFetcher
	publisher Publisher
	tables    []mapper.LookupTable
	idLimit   int
	logger    *slog.Logger
	config    config.SyncConfig
	now       func() time.Time
}

func NewSyncService(
	newFeed FeedFactory,
	listings ListingStore,
	lookups LookupStore,
	syncState SyncStateStore,
	txManager TransactionManager,
	locker Locker,
	media MediaFetcher,
	publisher Publisher,
	logger *slog.Logger,
	cfg config.SyncConfig,
) *SyncService {
	return &SyncService{
		newFeed:   newFeed,
		listings:  listings,
		lookups:   lookups,
		syncState: syncState,
		txManager: txManager,
		locker:    locker,
		media:     media,
		publisher: publisher,
		tables:    mapper.DefaultLookupTables(),
		idLimit:   DefaultEventIDLimit,
		logger:    logger.With("sync", cfg.Name),
		config:    cfg,
		now:       time.Now,
	}
}

// Sync runs one pass under the named lock. When another run holds the lock it
// returns at once with Aborted set and a nil error.
func (s *SyncService) Sync(ctx context.Context, opts domain.SyncOptions) (*domain.SyncStats, error) {
	startTime := s.now()
	stats := &domain.SyncStats{Phase: domain.PhaseAcquireLock, Full: opts.Full}

	ttl := s.lockTTL(opts)
	token, acquired, err := s.locker.TryAcquire(ctx, s.config.Name, ttl)
	if err != nil {
		return stats, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		stats.Phase = domain.PhaseAborted
		stats.Aborted = true
		s.logger.Info("sync already running, skipping", "full", opts.Full)
		return stats, nil
	}
	defer s.releaseLock(ctx, token)

	s.logger.Info("starting sync",
		"full", opts.Full,
		"lock_ttl", ttl,
		"page_size", s.config.PageSize,
	)

	err = s.run(ctx, opts, stats, startTime)
	stats.Duration = s.now().Sub(startTime)
	if err != nil {
		s.logger.Error("sync failed", "phase", stats.Phase, "error", err)
		return stats, err
	}

	s.logger.Info("sync completed",
		"full", stats.Full,
		"fetched", stats.Fetched,
		"new", stats.New,
		"updated", stats.Updated,
		"skipped", stats.Skipped,
		"deactivated", stats.Deactivated,
		"mapping_errors", stats.MappingErrors,
		"photos", stats.Photos,
		"metadata_clean", stats.MetadataClean,
		"duration", stats.Duration,
	)

	return stats, nil
}

func (s *SyncService) lockTTL(opts domain.SyncOptions) time.Duration {
	if opts.LockTTL > 0 {
		return opts.LockTTL
	}
	if opts.Full {
		return s.config.FullLockTTL()
	}
	return s.config.IncrementalLockTTL()
}

// releaseLock is skipped for cancelled runs; the lock TTL frees those.
func (s *SyncService) releaseLock(ctx context.Context, token string) {
	if ctx.Err() != nil {
		s.logger.Warn("sync cancelled, leaving lock to expire")
		return
	}
	if err := s.locker.Release(ctx, s.config.Name, token); err != nil {
		s.logger.Error("failed to release lock", "error", err)
	}
}

func (s *SyncService) run(ctx context.Context, opts domain.SyncOptions, stats *domain.SyncStats, startTime time.Time) error {
	state, err := s.syncState.Get(ctx, s.config.Name)
	if err != nil {
		return fmt.Errorf("get sync state: %w", err)
	}

	query := fullQuery
	if !opts.Full {
		stats.Since = s.since(state.LastSyncedAt, opts.LookbackDays, startTime)
		query = fmt.Sprintf("(LastUpdated=%s)", stats.Since.UTC().Format(time.RFC3339))
	}

	feed, err := s.newFeed()
	if err != nil {
		return fmt.Errorf("create feed: %w", err)
	}

	stats.Phase = domain.PhaseFetchMetadata
	if err := feed.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() {
		if err := feed.Logout(ctx); err != nil {
			s.logger.Warn("logout failed", "error", err)
		}
	}()

	stats.MetadataClean = s.updateMetadata(ctx, feed)
	if err := ctx.Err(); err != nil {
		return err
	}

	changed, seen, err := s.syncListings(ctx, feed, query, stats)
	if err != nil {
		return err
	}

	if opts.Full {
		if err := s.deactivateMissing(ctx, seen, stats); err != nil {
			return err
		}
	}

	stats.Phase = domain.PhaseFetchMedia
	if len(changed) > 0 {
		mediaStats, err := s.media.Fetch(ctx, feed, changed)
		if err != nil {
			return fmt.Errorf("fetch media: %w", err)
		}
		stats.Photos = mediaStats.Stored
	}

	if err := s.updateSyncState(ctx, state, stats, startTime); err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}

	stats.Phase = domain.PhaseReleaseLock
	s.runHooks(ctx, stats, changed)

	return nil
}

// since returns the incremental floor: the last sync time, but never further back
// than the lookback window, which itself is capped at MaxLookbackDays.
func (s *SyncService) since(lastSync time.Time, lookbackDays int, now time.Time) time.Time {
	if lookbackDays <= 0 {
		lookbackDays = s.config.LookbackDays
	}
	if lookbackDays <= 0 || lookbackDays > s.config.MaxLookbackDays {
		lookbackDays = s.config.MaxLookbackDays
	}

	floor := now.AddDate(0, 0, -lookbackDays)
	if lastSync.After(floor) {
		return lastSync
	}
	return floor
}

func (s *SyncService) syncListings(ctx context.Context, feed Feed, query string, stats *domain.SyncStats) (changed, seen []string, err error) {
	offset := 1
	for {
		stats.Phase = domain.PhaseFetchListings
		page, err := feed.Search(ctx, s.config.Resource, s.config.Class, query, rets.SearchOptions{
			Format:  s.config.Format,
			Limit:   s.config.PageSize,
			Offset:  offset,
			Culture: s.config.Culture,
		})
		if err != nil {
			return changed, seen, fmt.Errorf("search from offset %d: %w", offset, err)
		}

		s.logger.Debug("fetched listing page",
			"offset", offset,
			"rows", len(page.Rows),
			"total", page.Count,
			"more", page.MoreRows,
		)
		stats.Fetched += len(page.Rows)

		stats.Phase = domain.PhaseMerge
		pageChanged, pageSeen, err := s.mergePage(ctx, page.Rows, stats)
		if err != nil {
			return changed, seen, fmt.Errorf("merge page at offset %d: %w", offset, err)
		}
		changed = append(changed, pageChanged...)
		seen = append(seen, pageSeen...)

		if !page.MoreRows || len(page.Rows) == 0 {
			return changed, seen, nil
		}
		offset += len(page.Rows)
	}
}

func (s *SyncService) mergePage(ctx context.Context, rows []rets.Row, stats *domain.SyncStats) (changed, seen []string, err error) {
	listings := make([]*domain.Listing, 0, len(rows))
	for _, row := range rows {
		id := mapper.ListingID(row)
		if id != "" {
			seen = append(seen, id)
		}

		listing, err := mapper.MapListing(row)
		if err != nil {
			stats.MappingErrors++
			s.logger.Warn("failed to map listing", "ddf_id", id, "error", err)
			continue
		}
		listings = append(listings, listing)
	}

	if len(listings) == 0 {
		return nil, seen, nil
	}

	ids := make([]string, len(listings))
	for i, l := range listings {
		ids[i] = l.DDFID
	}

	existing, err := s.listings.GetExistingByDDFIDs(ctx, ids)
	if err != nil {
		return nil, seen, fmt.Errorf("get existing listings: %w", err)
	}

	var toSave []*domain.Listing
	for _, l := range listings {
		if prev, ok := existing[l.DDFID]; ok && !l.LastUpdated.After(prev) {
			stats.Skipped++
			continue
		}
		toSave = append(toSave, l)
	}

	if len(toSave) == 0 {
		return nil, seen, nil
	}

	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		for _, l := range toSave {
			if _, err := s.listings.Upsert(txCtx, l); err != nil {
				return fmt.Errorf("upsert listing %s: %w", l.DDFID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, seen, err
	}

	for _, l := range toSave {
		if _, ok := existing[l.DDFID]; ok {
			stats.Updated++
		} else {
			stats.New++
		}
		changed = append(changed, l.DDFID)
	}

	return changed, seen, nil
}

func (s *SyncService) deactivateMissing(ctx context.Context, seen []string, stats *domain.SyncStats) error {
	// An empty feed is far more likely an outage than a board with no listings.
	if len(seen) == 0 {
		s.logger.Warn("full sync saw no listings, skipping deactivation")
		return nil
	}

	n, err := s.listings.DeactivateExcept(ctx, seen)
	if err != nil {
		return fmt.Errorf("deactivate missing listings: %w", err)
	}
	stats.Deactivated = n
	return nil
}

func (s *SyncService) updateSyncState(ctx context.Context, state *domain.SyncState, stats *domain.SyncStats, startTime time.Time) error {
	state.Name = s.config.Name
	state.LastSyncedAt = startTime
	state.TotalSynced += int64(stats.New + stats.Updated)

	return s.syncState.Update(ctx, state)
}

func (s *SyncService) runHooks(ctx context.Context, stats *domain.SyncStats, changed []string) {
	if s.publisher == nil {
		return
	}

	ids, truncated := s.eventIDs(stats.Full, changed)

	for _, eventType := range []string{domain.EventWarmup, domain.EventSavedSearchDigest} {
		event := &domain.SyncEvent{
			Type:             eventType,
			Full:             stats.Full,
			New:              stats.New,
			Updated:          stats.Updated,
			Deactivated:      stats.Deactivated,
			Changed:          ids,
			FinishedAt:       s.now().UTC(),
			ChangedTruncated: truncated,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("post-sync hook failed", "event", eventType, "error", err)
		}
	}
}

// eventIDs returns the ids to list in post-sync events. Full runs and lists over
// the limit send none and report truncation.
func (s *SyncService) eventIDs(full bool, changed []string) ([]string, bool) {
	if len(changed) == 0 {
		return nil, false
	}
	if full || len(changed) > s.idLimit {
		return nil, true
	}
	return changed, false
}
