// Package lock provides named mutual-exclusion locks that expire on their own.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locker grants at most one holder per name. A lock whose TTL has passed is free
// again, so a crashed holder never blocks later runs for longer than the TTL.
//
// Every successful acquisition returns its own token. Release only frees the
// lock while it still carries that token, so a holder that outlived its TTL
// cannot free a lock someone else has taken since.
type Locker interface {
	// TryAcquire takes the lock without waiting. ok is false when another
	// holder owns an unexpired lock.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	// Release frees the lock acquired with token. It is a no-op when the lock
	// has expired or was taken over.
	Release(ctx context.Context, name, token string) error
}

func newToken() string { return uuid.NewString() }
