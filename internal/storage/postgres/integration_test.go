//go:build integration

package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/testutil"
)

type PostgresIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	db        *sqlx.DB
}

func (s *PostgresIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	migrationsPath, err := filepath.Abs("../../../migrations")
	s.Require().NoError(err)

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(
			filepath.Join(migrationsPath, "001_init.up.sql"),
		),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	connStr, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	db, err := sqlx.Connect("postgres", connStr)
	s.Require().NoError(err)
	s.db = db
}

func (s *PostgresIntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *PostgresIntegrationSuite) SetupTest() {
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM listing_photos")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM listings")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM metadata_entries")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM sync_state")
	_, _ = s.db.ExecContext(s.ctx, "DELETE FROM sync_locks")
}

func TestPostgresIntegrationSuite(t *testing.T) {
	suite.Run(t, new(PostgresIntegrationSuite))
}

func newListing(ddfID string, lastUpdated time.Time) *domain.Listing {
	return &domain.Listing{
		DDFID:         ddfID,
		ListingNumber: "X" + ddfID,
		City:          "Ottawa",
		Province:      "Ontario",
		Price:         testutil.Ptr(450000.0),
		Bedrooms:      testutil.Ptr(3),
		LastUpdated:   lastUpdated,
		Raw:           map[string]string{"ID": ddfID},
	}
}

func (s *PostgresIntegrationSuite) TestListingStore_Upsert_Insert() {
	store := NewListingStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	listing := newListing("1001", now)
	listing.Latitude = testutil.Ptr(45.42)
	listing.Longitude = testutil.Ptr(-75.69)
	listing.Geohash = "f244mkwzs"

	id, err := store.Upsert(s.ctx, listing)
	s.NoError(err)
	s.Greater(id, int64(0))
	s.Equal(id, listing.ID)

	var row struct {
		City    string  `db:"city"`
		Price   float64 `db:"price"`
		Geohash string  `db:"geohash"`
		Raw     string  `db:"raw"`
		Active  bool    `db:"active"`
	}
	err = s.db.GetContext(s.ctx, &row, "SELECT city, price, geohash, raw::text AS raw, active FROM listings WHERE id = $1", id)
	s.NoError(err)
	s.Equal("Ottawa", row.City)
	s.Equal(450000.0, row.Price)
	s.Equal("f244mkwzs", row.Geohash)
	s.JSONEq(`{"ID":"1001"}`, row.Raw)
	s.True(row.Active)
}

func (s *PostgresIntegrationSuite) TestListingStore_Upsert_UpdateWhenNewer() {
	store := NewListingStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	listing := newListing("1001", now.Add(-time.Hour))
	id1, err := store.Upsert(s.ctx, listing)
	s.NoError(err)

	listing.City = "Gatineau"
	listing.LastUpdated = now
	id2, err := store.Upsert(s.ctx, listing)
	s.NoError(err)
	s.Equal(id1, id2)

	var city string
	err = s.db.GetContext(s.ctx, &city, "SELECT city FROM listings WHERE id = $1", id1)
	s.NoError(err)
	s.Equal("Gatineau", city)
}

func (s *PostgresIntegrationSuite) TestListingStore_Upsert_SkipWhenOlder() {
	store := NewListingStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	listing := newListing("1001", now)
	id1, err := store.Upsert(s.ctx, listing)
	s.NoError(err)

	listing.City = "Stale"
	listing.LastUpdated = now.Add(-time.Hour)
	id2, err := store.Upsert(s.ctx, listing)
	s.NoError(err)
	s.Equal(id1, id2)

	var city string
	err = s.db.GetContext(s.ctx, &city, "SELECT city FROM listings WHERE id = $1", id1)
	s.NoError(err)
	s.Equal("Ottawa", city)
}

func (s *PostgresIntegrationSuite) TestListingStore_GetExisting_ReturnsCorrectMap() {
	store := NewListingStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	for _, id := range []string{"100", "200", "300"} {
		_, err := store.Upsert(s.ctx, newListing(id, now))
		s.NoError(err)
	}

	result, err := store.GetExistingByDDFIDs(s.ctx, []string{"100", "200", "999"})
	s.NoError(err)
	s.Len(result, 2)
	s.Contains(result, "100")
	s.Contains(result, "200")
	s.NotContains(result, "999")
	s.WithinDuration(now, result["100"], time.Millisecond)
}

func (s *PostgresIntegrationSuite) TestListingStore_DeactivateExcept() {
	store := NewListingStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	for _, id := range []string{"100", "200", "300"} {
		_, err := store.Upsert(s.ctx, newListing(id, now))
		s.NoError(err)
	}

	n, err := store.DeactivateExcept(s.ctx, []string{"100", "300"})
	s.NoError(err)
	s.Equal(int64(1), n)

	active, err := store.CountActive(s.ctx)
	s.NoError(err)
	s.Equal(int64(2), active)

	existing, err := store.GetExistingByDDFIDs(s.ctx, []string{"200"})
	s.NoError(err)
	s.Empty(existing)

	// Reappearing in the feed reactivates the row even without a newer timestamp.
	_, err = store.Upsert(s.ctx, newListing("200", now))
	s.NoError(err)
	active, err = store.CountActive(s.ctx)
	s.NoError(err)
	s.Equal(int64(3), active)
}

func (s *PostgresIntegrationSuite) TestLookupStore_InsertOnce() {
	store := NewLookupStore(s.db)

	exists, err := store.Exists(s.ctx, "Property", "PropertyType", "101")
	s.NoError(err)
	s.False(exists)

	entry := &domain.MetadataEntry{
		Resource:   "Property",
		Lookup:     "PropertyType",
		EntryID:    "101",
		LongValue:  "Single Family",
		ShortValue: "SF",
		Value:      "300",
	}
	s.NoError(store.Insert(s.ctx, entry))

	entry.LongValue = "Renamed"
	s.NoError(store.Insert(s.ctx, entry))

	exists, err = store.Exists(s.ctx, "Property", "PropertyType", "101")
	s.NoError(err)
	s.True(exists)

	entries, err := store.ListByLookup(s.ctx, "Property", "PropertyType")
	s.NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("Single Family", entries[0].LongValue)
}

func (s *PostgresIntegrationSuite) TestPhotoStore_Upsert() {
	store := NewPhotoStore(s.db)

	photo := &domain.Photo{DDFID: "1001", ObjectID: "1", URL: "/media/1001/1.jpg", ContentType: "image/jpeg", Preferred: true}
	s.NoError(store.UpsertPhoto(s.ctx, photo))

	photo.URL = "https://cdn.example.com/1001/1.jpg"
	s.NoError(store.UpsertPhoto(s.ctx, photo))
	s.NoError(store.UpsertPhoto(s.ctx, &domain.Photo{DDFID: "1001", ObjectID: "2", URL: "/media/1001/2.jpg"}))

	photos, err := store.GetByDDFID(s.ctx, "1001")
	s.NoError(err)
	s.Require().Len(photos, 2)
	s.Equal("https://cdn.example.com/1001/1.jpg", photos[0].URL)
	s.True(photos[0].Preferred)
}

func (s *PostgresIntegrationSuite) TestSyncStateStore_GetNew() {
	store := NewSyncStateStore(s.db)

	state, err := store.Get(s.ctx, "ddf")
	s.NoError(err)
	s.NotNil(state)
	s.Equal("ddf", state.Name)
	s.True(state.LastSyncedAt.IsZero())
	s.Equal(int64(0), state.TotalSynced)
}

func (s *PostgresIntegrationSuite) TestSyncStateStore_UpdateAndGet() {
	store := NewSyncStateStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	err := store.Update(s.ctx, &domain.SyncState{Name: "ddf", LastSyncedAt: now, TotalSynced: 100})
	s.NoError(err)

	err = store.Update(s.ctx, &domain.SyncState{Name: "ddf", LastSyncedAt: now, TotalSynced: 120})
	s.NoError(err)

	retrieved, err := store.Get(s.ctx, "ddf")
	s.NoError(err)
	s.Equal("ddf", retrieved.Name)
	s.Equal(int64(120), retrieved.TotalSynced)
	s.WithinDuration(now, retrieved.LastSyncedAt, time.Second)
}

func (s *PostgresIntegrationSuite) TestRowLocker() {
	locker := NewRowLocker(s.db)

	tokenA, ok, err := locker.TryAcquire(s.ctx, "ddf", 2*time.Hour)
	s.NoError(err)
	s.True(ok)
	s.NotEmpty(tokenA)

	_, ok, err = locker.TryAcquire(s.ctx, "ddf", 2*time.Hour)
	s.NoError(err)
	s.False(ok)

	s.NoError(locker.Release(s.ctx, "ddf", "not-the-holder"))
	_, ok, err = locker.TryAcquire(s.ctx, "ddf", 2*time.Hour)
	s.NoError(err)
	s.False(ok)

	s.NoError(locker.Release(s.ctx, "ddf", tokenA))
	_, ok, err = locker.TryAcquire(s.ctx, "ddf", 2*time.Hour)
	s.NoError(err)
	s.True(ok)
}

func (s *PostgresIntegrationSuite) TestRowLocker_Expired() {
	locker := NewRowLocker(s.db)

	_, err := s.db.ExecContext(s.ctx,
		"INSERT INTO sync_locks (name, owner, expires_at) VALUES ($1, $2, NOW() - INTERVAL '1 minute')",
		"ddf", "crashed-run",
	)
	s.NoError(err)

	_, ok, err := locker.TryAcquire(s.ctx, "ddf", time.Hour)
	s.NoError(err)
	s.True(ok)

	_, ok, err = locker.TryAcquire(s.ctx, "ddf", time.Hour)
	s.NoError(err)
	s.False(ok)
}

func (s *PostgresIntegrationSuite) TestRowLocker_StaleReleaseKeepsNewHolder() {
	locker := NewRowLocker(s.db)

	stale, ok, err := locker.TryAcquire(s.ctx, "ddf", 2*time.Hour)
	s.Require().NoError(err)
	s.Require().True(ok)

	_, err = s.db.ExecContext(s.ctx,
		"UPDATE sync_locks SET expires_at = NOW() - INTERVAL '1 minute' WHERE name = $1", "ddf")
	s.Require().NoError(err)

	current, ok, err := locker.TryAcquire(s.ctx, "ddf", 2*time.Hour)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.NotEqual(stale, current)

	s.NoError(locker.Release(s.ctx, "ddf", stale))

	_, ok, err = locker.TryAcquire(s.ctx, "ddf", 2*time.Hour)
	s.NoError(err)
	s.False(ok, "a release by the expired holder must not free the current lock")

	var owner string
	s.NoError(s.db.GetContext(s.ctx, &owner, "SELECT owner FROM sync_locks WHERE name = $1", "ddf"))
	s.Equal(current, owner)
}

func (s *PostgresIntegrationSuite) TestTransaction_Commit() {
	tm := NewTransactionManager(s.db)
	store := NewListingStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	err := tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		_, err := store.Upsert(ctx, newListing("999", now))
		return err
	})
	s.NoError(err)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM listings WHERE ddf_id = $1", "999")
	s.NoError(err)
	s.Equal(1, count)
}

func (s *PostgresIntegrationSuite) TestTransaction_Rollback() {
	tm := NewTransactionManager(s.db)
	store := NewListingStore(s.db)
	now := time.Now().Truncate(time.Microsecond)

	_, err := store.Upsert(s.ctx, newListing("888", now))
	s.NoError(err)

	err = tm.WithTransaction(s.ctx, func(ctx context.Context) error {
		if _, err := store.Upsert(ctx, newListing("777", now)); err != nil {
			return err
		}
		return context.Canceled
	})
	s.Error(err)

	var count int
	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM listings WHERE ddf_id = $1", "777")
	s.NoError(err)
	s.Equal(0, count)

	err = s.db.GetContext(s.ctx, &count, "SELECT COUNT(*) FROM listings WHERE ddf_id = $1", "888")
	s.NoError(err)
	s.Equal(1, count)
}
