package storage

import (
	"errors"
	"fmt"
	"sync"
)

// ErrQuotaExceeded is returned when an upload would push an owner, or
// the engine as a whole, past the configured storage ceiling.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// QuotaManager tracks byte usage per owner and enforces a global ceiling.
// A maxBytes of 0 means unlimited. Counters are advisory bookkeeping;
// the object store remains the source of truth and usage is re-seeded
// from it on startup via SetUsed.
type QuotaManager struct {
	mu        sync.RWMutex
	maxBytes  int64
	usedBytes int64
	perOwner  map[string]int64
}

// NewQuotaManager creates a quota manager with the given ceiling in bytes.
func NewQuotaManager(maxBytes int64) *QuotaManager {
	return &QuotaManager{
		maxBytes: maxBytes,
		perOwner: make(map[string]int64),
	}
}

// UsedBytes returns the current total usage.
func (qm *QuotaManager) UsedBytes() int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.usedBytes
}

// OwnerUsedBytes returns the usage attributed to one owner.
func (qm *QuotaManager) OwnerUsedBytes(owner string) int64 {
	qm.mu.RLock()
	defer qm.mu.RUnlock()
	return qm.perOwner[owner]
}

// Allocate reserves bytes for an owner. It fails with ErrQuotaExceeded
// when the reservation would cross the ceiling; the check and the
// increment happen under one lock so concurrent uploads cannot
// collectively overshoot.
func (qm *QuotaManager) Allocate(owner string, bytes int64) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	if qm.maxBytes > 0 && qm.usedBytes+bytes > qm.maxBytes {
		return fmt.Errorf("%w: %d bytes used of %d, requested %d",
			ErrQuotaExceeded, qm.usedBytes, qm.maxBytes, bytes)
	}
	qm.usedBytes += bytes
	qm.perOwner[owner] += bytes
	return nil
}

// Release returns previously allocated bytes, e.g. after an aborted
// upload or an object deletion. Counters never go negative.
func (qm *QuotaManager) Release(owner string, bytes int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.usedBytes -= bytes
	if qm.usedBytes < 0 {
		qm.usedBytes = 0
	}
	qm.perOwner[owner] -= bytes
	if qm.perOwner[owner] <= 0 {
		delete(qm.perOwner, owner)
	}
}

// Update atomically swaps an owner's allocation when an object is
// replaced in place.
func (qm *QuotaManager) Update(owner string, oldBytes, newBytes int64) error {
	delta := newBytes - oldBytes

	qm.mu.Lock()
	defer qm.mu.Unlock()

	if qm.maxBytes > 0 && delta > 0 && qm.usedBytes+delta > qm.maxBytes {
		return fmt.Errorf("%w: %d bytes used of %d, delta %d",
			ErrQuotaExceeded, qm.usedBytes, qm.maxBytes, delta)
	}
	qm.usedBytes += delta
	qm.perOwner[owner] += delta
	if qm.perOwner[owner] <= 0 {
		delete(qm.perOwner, owner)
	}
	return nil
}

// SetUsed overwrites an owner's recorded usage, used when reconciling
// counters against the store.
func (qm *QuotaManager) SetUsed(owner string, bytes int64) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	qm.usedBytes = qm.usedBytes - qm.perOwner[owner] + bytes
	if qm.usedBytes < 0 {
		qm.usedBytes = 0
	}
	if bytes > 0 {
		qm.perOwner[owner] = bytes
	} else {
		delete(qm.perOwner, owner)
	}
}

// QuotaStats is a point-in-time snapshot of quota accounting.
type QuotaStats struct {
	MaxBytes       int64            `json:"max_bytes"`
	UsedBytes      int64            `json:"used_bytes"`
	AvailableBytes int64            `json:"available_bytes"` // -1 if unlimited
	PerOwner       map[string]int64 `json:"per_owner"`
}

// Stats returns a copy of the current counters.
func (qm *QuotaManager) Stats() QuotaStats {
	qm.mu.RLock()
	defer qm.mu.RUnlock()

	perOwner := make(map[string]int64, len(qm.perOwner))
	for k, v := range qm.perOwner {
		perOwner[k] = v
	}

	avail := int64(-1)
	if qm.maxBytes > 0 {
		avail = qm.maxBytes - qm.usedBytes
		if avail < 0 {
			avail = 0
		}
	}

	return QuotaStats{
		MaxBytes:       qm.maxBytes,
		UsedBytes:      qm.usedBytes,
		AvailableBytes: avail,
		PerOwner:       perOwner,
	}
}
