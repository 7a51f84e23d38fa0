package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the value size above which the memory backend
// stores zstd-compressed bytes.
const compressThreshold = 4 * 1024

// memoryEntry is one cached value plus its tag memberships.
type memoryEntry struct {
	value      []byte
	compressed bool
	tags       []string
	expiresAt  time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process cache backend: entry table plus a reverse
// tag index, guarded by one RWMutex so invalidation is atomic with
// respect to concurrent readers. Large values are zstd-compressed.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	tagged  map[string]map[string]struct{} // tag -> set of keys

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewMemory creates an empty in-process cache backend.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		tagged:  make(map[string]map[string]struct{}),
	}
	m.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	m.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return m
}

// Get implements Backend. Expired entries are purged and reported as
// misses.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	if ok && !entry.expired(time.Now()) {
		value := entry.value
		compressed := entry.compressed
		m.mu.RUnlock()
		if compressed {
			plain, err := m.decompress(value)
			if err != nil {
				return nil, false, fmt.Errorf("decompress cached value %q: %w", key, err)
			}
			return plain, true, nil
		}
		out := make([]byte, len(value))
		copy(out, value)
		return out, true, nil
	}
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	// Lazy purge of the expired entry; re-check under the write lock
	// since a concurrent Put may have refreshed it.
	m.mu.Lock()
	if entry, ok := m.entries[key]; ok && entry.expired(time.Now()) {
		m.removeLocked(key)
	}
	m.mu.Unlock()
	return nil, false, nil
}

// Put implements Backend. Overwriting drops the prior entry's tag
// memberships before registering the new ones.
func (m *Memory) Put(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	compressed := false
	if len(stored) >= compressThreshold {
		stored = m.compress(stored)
		compressed = true
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		m.removeLocked(key)
	}

	m.entries[key] = &memoryEntry{
		value:      stored,
		compressed: compressed,
		tags:       append([]string(nil), tags...),
		expiresAt:  expiresAt,
	}
	for _, tag := range tags {
		keys, ok := m.tagged[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tagged[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

// InvalidateTag implements Backend. Every key under the tag is removed,
// including its memberships in all other tags, in one critical section.
func (m *Memory) InvalidateTag(ctx context.Context, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.tagged[tag]
	if !ok {
		return 0, nil
	}

	removed := 0
	for key := range keys {
		m.removeLocked(key)
		removed++
	}
	// removeLocked drops the key from every tag set including this one;
	// the set is empty now unless removeLocked already deleted it.
	delete(m.tagged, tag)
	return removed, nil
}

// Len returns the number of live entries (test helper).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// removeLocked deletes an entry and all its reverse tag mappings.
// Caller holds the write lock.
func (m *Memory) removeLocked(key string) {
	entry, ok := m.entries[key]
	if !ok {
		return
	}
	for _, tag := range entry.tags {
		if keys, ok := m.tagged[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.tagged, tag)
			}
		}
	}
	delete(m.entries, key)
}

func (m *Memory) compress(data []byte) []byte {
	enc := m.encoderPool.Get().(*zstd.Encoder)
	defer m.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (m *Memory) decompress(data []byte) ([]byte, error) {
	dec := m.decoderPool.Get().(*zstd.Decoder)
	defer m.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}
