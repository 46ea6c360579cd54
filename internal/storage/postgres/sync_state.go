package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"ddf_sync/internal/domain"
)

type SyncStateStore struct {
	db *sqlx.DB
}

func NewSyncStateStore(db *sqlx.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, name string) (*domain.SyncState, error) {
	var state domain.SyncState
	query := `
		SELECT id, name, last_synced_at, total_synced
		FROM sync_state
		WHERE name = $1`

	err := s.db.GetContext(ctx, &state, query, name)
	if err == sql.ErrNoRows {
		// Never synced
		return &domain.SyncState{Name: name}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SyncStateStore) Update(ctx context.Context, state *domain.SyncState) error {
	query := `
		INSERT INTO sync_state (name, last_synced_at, total_synced)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			total_synced = EXCLUDED.total_synced`

	_, err := s.db.ExecContext(ctx, query,
		state.Name,
		state.LastSyncedAt,
		state.TotalSynced,
	)
	return err
}
