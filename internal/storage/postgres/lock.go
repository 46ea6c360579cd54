package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RowLocker is a named TTL lock kept in the sync_locks table, for deployments
// where the database is the only shared service. The owner column holds the
// token of the current acquisition.
type RowLocker struct {
	db *sqlx.DB
}

func NewRowLocker(db *sqlx.DB) *RowLocker {
	return &RowLocker{db: db}
}

func (l *RowLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	query := `
		INSERT INTO sync_locks (name, owner, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE sync_locks.expires_at <= NOW()`

	token := uuid.NewString()
	res, err := l.db.ExecContext(ctx, query, name, token, ttl.Seconds())
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if n != 1 {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RowLocker) Release(ctx context.Context, name, token string) error {
	_, err := l.db.ExecContext(ctx,
		"DELETE FROM sync_locks WHERE name = $1 AND owner = $2",
		name, token,
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
