package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"ddf_sync/internal/domain"
)

type LookupStore struct {
	db *sqlx.DB
}

func NewLookupStore(db *sqlx.DB) *LookupStore {
	return &LookupStore{db: db}
}

func (s *LookupStore) Exists(ctx context.Context, resource, lookup, entryID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM metadata_entries
			WHERE resource = $1 AND lookup_name = $2 AND metadata_entry_id = $3
		)`

	var exists bool
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &exists, query, resource, lookup, entryID)
	return exists, err
}

// Insert stores a new entry. Entries are never updated; a concurrent insert of
// the same key is ignored.
func (s *LookupStore) Insert(ctx context.Context, entry *domain.MetadataEntry) error {
	query := `
		INSERT INTO metadata_entries (
			resource, lookup_name, metadata_entry_id, long_value, short_value, value
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (resource, lookup_name, metadata_entry_id) DO NOTHING`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		entry.Resource,
		entry.Lookup,
		entry.EntryID,
		entry.LongValue,
		entry.ShortValue,
		entry.Value,
	)
	return err
}

func (s *LookupStore) ListByLookup(ctx context.Context, resource, lookup string) ([]domain.MetadataEntry, error) {
	query := `
		SELECT id, resource, lookup_name, metadata_entry_id, long_value, short_value, value
		FROM metadata_entries
		WHERE resource = $1 AND lookup_name = $2
		ORDER BY id`

	var entries []domain.MetadataEntry
	err := s.db.SelectContext(ctx, &entries, query, resource, lookup)
	return entries, err
}
