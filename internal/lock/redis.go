package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for lock and version state.
const (
	redisLockPrefix    = "stowage:lock:"
	redisVersionPrefix = "stowage:ver:"
)

// releaseScript deletes the lock key only when the caller still owns it.
// Doing the ownership check server-side keeps release atomic: a lock
// that expired and was re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is the shared lock backend for multi-process deployments. SET NX
// with a server-side TTL makes acquisition a single atomic
// check-and-set, and redis expiry frees locks held by crashed owners.
type Redis struct {
	db *redis.Client
}

// NewRedis creates a lock backend over an existing redis client.
func NewRedis(db *redis.Client) *Redis {
	return &Redis{db: db}
}

// Ping verifies the redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.db.Ping(ctx).Err()
}

// TryAcquire implements Backend.
func (r *Redis) TryAcquire(ctx context.Context, path, token string, ttl time.Duration) (bool, error) {
	ok, err := r.db.SetNX(ctx, redisLockPrefix+path, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock setnx %q: %w", path, err)
	}
	return ok, nil
}

// Release implements Backend.
func (r *Redis) Release(ctx context.Context, path, token string) error {
	if err := releaseScript.Run(ctx, r.db, []string{redisLockPrefix + path}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock release %q: %w", path, err)
	}
	return nil
}

// GetVersion implements Backend.
func (r *Redis) GetVersion(ctx context.Context, path string) (string, error) {
	version, err := r.db.Get(ctx, redisVersionPrefix+path).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get version %q: %w", path, err)
	}
	return version, nil
}

// SwapVersion implements Backend. WATCH aborts the transaction when a
// concurrent writer touches the version key between read and write.
func (r *Redis) SwapVersion(ctx context.Context, path, expected, next string) (bool, error) {
	key := redisVersionPrefix + path
	conflict := false

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			current = ""
		} else if err != nil {
			return err
		}

		if current != expected {
			conflict = true
			return nil
		}

		// Runs only if the watched key remains unchanged.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	err := r.db.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("swap version %q: %w", path, err)
	}
	return !conflict, nil
}
