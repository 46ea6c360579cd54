package lock

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Locker. It excludes runs within one process only.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[name]; ok && now.Before(e.expiresAt) {
		return "", false, nil
	}

	token := newToken()
	m.entries[name] = entry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (m *Memory) Release(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[name]; ok && e.token == token {
		delete(m.entries, name)
	}
	return nil
}
