package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisManager(t *testing.T) (*Manager, *Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = db.Close() })
	backend := NewRedis(db)
	require.NoError(t, backend.Ping(context.Background()))
	mgr := NewManager(backend, Config{
		PollInterval: 2 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	return mgr, backend, mr
}

func TestRedis_AcquireRelease(t *testing.T) {
	mgr, _, mr := newRedisManager(t)
	ctx := context.Background()

	handle, err := mgr.Acquire(ctx, "files/a", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisLockPrefix+"files/a"))

	// Contender times out while the lock is held.
	_, err = mgr.Acquire(ctx, "files/a", time.Minute, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, mgr.Release(ctx, handle))
	assert.False(t, mr.Exists(redisLockPrefix+"files/a"))
}

func TestRedis_ReleaseChecksOwnership(t *testing.T) {
	_, backend, mr := newRedisManager(t)
	ctx := context.Background()

	ok, err := backend.TryAcquire(ctx, "files/a", "token-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A stale holder's release must not free someone else's lock.
	require.NoError(t, backend.Release(ctx, "files/a", "token-stale"))
	assert.True(t, mr.Exists(redisLockPrefix+"files/a"))

	require.NoError(t, backend.Release(ctx, "files/a", "token-1"))
	assert.False(t, mr.Exists(redisLockPrefix+"files/a"))
}

func TestRedis_TTLExpiryFreesLock(t *testing.T) {
	mgr, _, mr := newRedisManager(t)
	ctx := context.Background()

	_, err := mgr.Acquire(ctx, "files/a", 50*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	handle, err := mgr.Acquire(ctx, "files/a", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, mgr.Release(ctx, handle))
}

func TestRedis_VersionCompareAndSwap(t *testing.T) {
	mgr, _, _ := newRedisManager(t)
	ctx := context.Background()

	stamp, err := mgr.ReadVersion(ctx, "quota/42")
	require.NoError(t, err)
	assert.Empty(t, stamp.Version)

	next, err := mgr.CompareAndSwap(ctx, "quota/42", stamp, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.NotEmpty(t, next.Version)

	_, err = mgr.CompareAndSwap(ctx, "quota/42", stamp, func(ctx context.Context) error {
		t.Error("mutate must not run on a stale stamp")
		return nil
	})
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestRedis_SwapVersionDetectsConcurrentWrite(t *testing.T) {
	_, backend, _ := newRedisManager(t)
	ctx := context.Background()

	ok, err := backend.SwapVersion(ctx, "quota/42", "", "v1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = backend.SwapVersion(ctx, "quota/42", "", "v2")
	require.NoError(t, err)
	assert.False(t, ok, "stale expected version must not swap")

	ok, err = backend.SwapVersion(ctx, "quota/42", "v1", "v2")
	require.NoError(t, err)
	assert.True(t, ok)
}
