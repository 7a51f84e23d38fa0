// Package lock provides distributed mutual exclusion over storage paths
// and optimistic version checks as the non-blocking alternative.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stowage/stowage/internal/metrics"
)

// Lock error types.
var (
	ErrLockTimeout     = errors.New("lock acquisition timed out")
	ErrVersionConflict = errors.New("version conflict")
)

// DefaultPollInterval is the base delay between acquisition attempts.
const DefaultPollInterval = 25 * time.Millisecond

// Backend is the shared, authoritative lock and version state.
// TryAcquire must be a single atomic acquire-if-absent-with-expiry;
// a check followed by a separate set defeats the mechanism.
type Backend interface {
	// TryAcquire atomically takes the lock for token if the path is
	// free or its current lock has expired.
	TryAcquire(ctx context.Context, path, token string, ttl time.Duration) (bool, error)

	// Release frees the lock only if token still owns it. Releasing a
	// lock that expired or was taken over is a no-op.
	Release(ctx context.Context, path, token string) error

	// GetVersion returns the path's current version token, or "" when
	// the path has no version yet.
	GetVersion(ctx context.Context, path string) (string, error)

	// SwapVersion atomically installs next if the current version
	// equals expected; it reports false on mismatch.
	SwapVersion(ctx context.Context, path, expected, next string) (bool, error)
}

// Handle is a held mutual-exclusion grant on a path. The backend
// enforces expiry; a crashed holder cannot block the path past the TTL.
type Handle struct {
	Path       string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration

	released atomic.Bool
}

// VersionStamp is the optimistic-concurrency token for a path. An empty
// Version means the path has never been written under version control.
type VersionStamp struct {
	Path    string
	Version string
}

// Config holds lock manager options.
type Config struct {
	PollInterval time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.EngineMetrics
}

// Manager provides blocking path locks and optimistic compare-and-swap
// over a pluggable backend. A path guarded by exclusive-access locking
// must not also be mutated through bare CompareAndSwap calls; the two
// mechanisms give no joint guarantee.
type Manager struct {
	backend Backend
	cfg     Config
}

// NewManager creates a lock manager over the given backend.
func NewManager(backend Backend, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		backend: backend,
		cfg:     cfg,
	}
}

// Acquire blocks until the path lock is taken or maxWait elapses,
// failing with ErrLockTimeout in the latter case.
func (m *Manager) Acquire(ctx context.Context, path string, ttl, maxWait time.Duration) (*Handle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(maxWait)

	for {
		ok, err := m.backend.TryAcquire(ctx, path, token, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire %q: %w", path, err)
		}
		if ok {
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.LocksAcquired.Inc()
			}
			return &Handle{
				Path:       path,
				Token:      token,
				AcquiredAt: time.Now(),
				TTL:        ttl,
			}, nil
		}

		// Jittered poll so contending waiters don't thunder.
		wait := m.cfg.PollInterval/2 + time.Duration(rand.Int63n(int64(m.cfg.PollInterval)))
		if remaining := time.Until(deadline); remaining <= 0 {
			break
		} else if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.LockTimeouts.Inc()
	}
	m.cfg.Logger.Warn().
		Str("event", "lock_timeout").
		Str("path", path).
		Dur("max_wait", maxWait).
		Msg("lock acquisition timed out")

	return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, maxWait)
}

// Release frees the handle. It is idempotent, and releasing a handle
// whose lock already expired server-side is a safe no-op: the holder
// must never assume release restores exclusivity it lost to TTL expiry.
func (m *Manager) Release(ctx context.Context, handle *Handle) error {
	if handle == nil || !handle.released.CompareAndSwap(false, true) {
		return nil
	}
	return m.backend.Release(ctx, handle.Path, handle.Token)
}

// WithExclusiveAccess runs fn while holding the path lock, releasing it
// on every exit path.
func (m *Manager) WithExclusiveAccess(ctx context.Context, path string, ttl, maxWait time.Duration, fn func(ctx context.Context) error) error {
	handle, err := m.Acquire(ctx, path, ttl, maxWait)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := m.Release(ctx, handle); relErr != nil {
			m.cfg.Logger.Warn().Err(relErr).Str("path", path).Msg("lock release failed")
		}
	}()

	return fn(ctx)
}

// ReadVersion returns the path's current version stamp.
func (m *Manager) ReadVersion(ctx context.Context, path string) (VersionStamp, error) {
	version, err := m.backend.GetVersion(ctx, path)
	if err != nil {
		return VersionStamp{}, fmt.Errorf("read version %q: %w", path, err)
	}
	return VersionStamp{Path: path, Version: version}, nil
}

// CompareAndSwap runs mutate and installs a fresh version for the path,
// failing with ErrVersionConflict when the path's stamp no longer equals
// expected. The stamp is checked up front, before mutate runs, and again
// at commit time in case a concurrent writer advanced it mid-mutation.
// Conflicts are surfaced, never retried here: the caller re-reads and
// decides.
func (m *Manager) CompareAndSwap(ctx context.Context, path string, expected VersionStamp, mutate func(ctx context.Context) error) (VersionStamp, error) {
	current, err := m.backend.GetVersion(ctx, path)
	if err != nil {
		return VersionStamp{}, fmt.Errorf("compare-and-swap %q: %w", path, err)
	}
	if current != expected.Version {
		m.noteConflict(path)
		return VersionStamp{}, fmt.Errorf("%w: %s", ErrVersionConflict, path)
	}

	if err := mutate(ctx); err != nil {
		return VersionStamp{}, err
	}

	next := uuid.NewString()
	ok, err := m.backend.SwapVersion(ctx, path, expected.Version, next)
	if err != nil {
		return VersionStamp{}, fmt.Errorf("compare-and-swap %q: %w", path, err)
	}
	if !ok {
		m.noteConflict(path)
		return VersionStamp{}, fmt.Errorf("%w: %s", ErrVersionConflict, path)
	}

	return VersionStamp{Path: path, Version: next}, nil
}

func (m *Manager) noteConflict(path string) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.VersionConflicts.Inc()
	}
	m.cfg.Logger.Debug().Str("path", path).Msg("version conflict")
}
