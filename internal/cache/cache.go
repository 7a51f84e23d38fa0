// Package cache provides a tag-indexed metadata cache with TTL expiry,
// grouped invalidation, and stampede-safe re-population.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stowage/stowage/internal/metrics"
)

// Cache error types.
var (
	ErrComputeFailed = errors.New("cache compute function failed")
)

// Backend stores cache entries and their tag memberships. Implementations
// must keep the tag index consistent with the entries: removing a key
// removes it from every tag it was registered under, and overwriting a
// key drops its stale tag memberships first.
type Backend interface {
	// Get returns the cached value for key, or ok=false on miss.
	// Expired entries count as misses and are purged lazily.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores value under key, registered under every tag in tags,
	// overwriting any prior entry at key.
	Put(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error

	// InvalidateTag removes every key registered under tag, cascading
	// removal from all other tags those keys belong to. Returns the
	// number of keys removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// Config holds cache index options.
type Config struct {
	Logger  zerolog.Logger
	Metrics *metrics.EngineMetrics
}

// Index is the cache front: reads, writes, grouped invalidation, and
// stampede-protected population over a pluggable backend.
type Index struct {
	backend Backend
	group   singleflight.Group
	cfg     Config
}

// NewIndex creates a cache index over the given backend.
func NewIndex(backend Backend, cfg Config) *Index {
	return &Index{
		backend: backend,
		cfg:     cfg,
	}
}

// Put stores value under key with the given tags and TTL.
func (i *Index) Put(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	return i.backend.Put(ctx, key, value, tags, ttl)
}

// Get returns the cached value for key, or ok=false on miss.
func (i *Index) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := i.backend.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		if i.cfg.Metrics != nil {
			i.cfg.Metrics.CacheHits.Inc()
		}
		i.cfg.Logger.Trace().Str("event", "cache_hit").Str("key", key).Send()
		return value, true, nil
	}
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.CacheMisses.Inc()
	}
	i.cfg.Logger.Trace().Str("event", "cache_miss").Str("key", key).Send()
	return nil, false, nil
}

// GetOrCompute returns the cached value for key, computing and storing
// it on miss. Concurrent callers for the same key share one computation:
// exactly one compute runs, and every waiter receives its result or its
// error. The computation runs detached from any single caller's context,
// so one caller cancelling cannot corrupt the result for the others;
// a cancelled caller returns its own context error while the shared
// computation finishes for the rest.
func (i *Index) GetOrCompute(ctx context.Context, key string, tags []string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if value, ok, err := i.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return value, nil
	}

	ch := i.group.DoChan(key, func() (interface{}, error) {
		// Detach from the triggering caller: the computation must
		// outlive any individual waiter's cancellation.
		computeCtx := context.WithoutCancel(ctx)

		// Another caller may have populated the key while we queued.
		if value, ok, err := i.backend.Get(computeCtx, key); err == nil && ok {
			return value, nil
		}

		value, err := compute(computeCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrComputeFailed, err)
		}
		if err := i.backend.Put(computeCtx, key, value, tags, ttl); err != nil {
			return nil, fmt.Errorf("populate %q: %w", key, err)
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// InvalidateTag removes every key registered under tag.
func (i *Index) InvalidateTag(ctx context.Context, tag string) error {
	removed, err := i.backend.InvalidateTag(ctx, tag)
	if err != nil {
		return err
	}
	if i.cfg.Metrics != nil {
		i.cfg.Metrics.CacheInvalidations.Add(float64(removed))
	}
	i.cfg.Logger.Debug().Str("tag", tag).Int("removed", removed).Msg("cache tag invalidated")
	return nil
}
