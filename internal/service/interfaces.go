package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/media"
	"ddf_sync/internal/rets"
)

// Feed is one logged-in conversation with the listing feed.
type Feed interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	LookupValues(ctx context.Context, resource, lookupName string) ([]rets.Row, error)
	Search(ctx context.Context, resource, class, query string, opts rets.SearchOptions) (*rets.SearchResult, error)
	GetObjects(ctx context.Context, resource, objectType string, ids []string) ([]rets.ObjectRecord, error)
}

type ListingStore interface {
	Upsert(ctx context.Context, listing *domain.Listing) (int64, error)
	GetExistingByDDFIDs(ctx context.Context, ids []string) (map[string]time.Time, error)
	DeactivateExcept(ctx context.Context, seen []string) (int64, error)
}

type LookupStore interface {
	Exists(ctx context.Context, resource, lookup, entryID string) (bool, error)
	Insert(ctx context.Context, entry *domain.MetadataEntry) error
}

type SyncStateStore interface {
	Get(ctx context.Context, name string) (*domain.SyncState, error)
	Update(ctx context.Context, state *domain.SyncState) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

type MediaFetcher interface {
	Fetch(ctx context.Context, source media.ObjectSource, ddfIDs []string) (*media.Stats, error)
}

type Publisher interface {
	Publish(ctx context.Context, event *domain.SyncEvent) error
	Close() error
}
