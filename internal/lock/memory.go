package lock

import (
	"context"
	"sync"
	"time"
)

// memoryLock is one held lock in the memory backend.
type memoryLock struct {
	token     string
	expiresAt time.Time
}

// Memory is the in-process lock backend: one table for locks, one for
// version tokens, both behind a single mutex so every acquisition is
// one atomic check-and-set.
type Memory struct {
	mu       sync.Mutex
	locks    map[string]memoryLock
	versions map[string]string
}

// NewMemory creates an empty in-process lock backend.
func NewMemory() *Memory {
	return &Memory{
		locks:    make(map[string]memoryLock),
		versions: make(map[string]string),
	}
}

// TryAcquire implements Backend. An expired lock counts as absent
// inside the same critical section.
func (m *Memory) TryAcquire(ctx context.Context, path, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if cur, ok := m.locks[path]; ok && now.Before(cur.expiresAt) && cur.token != token {
		return false, nil
	}
	m.locks[path] = memoryLock{
		token:     token,
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// Release implements Backend. Only the owning token releases; anything
// else is a no-op.
func (m *Memory) Release(ctx context.Context, path, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[path]; ok && cur.token == token {
		delete(m.locks, path)
	}
	return nil
}

// GetVersion implements Backend.
func (m *Memory) GetVersion(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[path], nil
}

// SwapVersion implements Backend.
func (m *Memory) SwapVersion(ctx context.Context, path, expected, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.versions[path] != expected {
		return false, nil
	}
	m.versions[path] = next
	return true, nil
}

// Locked reports whether a live lock exists for the path (test helper).
func (m *Memory) Locked(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[path]
	return ok && time.Now().Before(cur.expiresAt)
}
