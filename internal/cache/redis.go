package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes. Values carry the TTL; tag sets are bookkeeping
// and may hold dangling keys briefly, which read as misses.
const (
	redisValuePrefix = "stowage:cache:v:"
	redisTagPrefix   = "stowage:cache:t:"
	redisKeyPrefix   = "stowage:cache:k:"
)

// maxTxRetries bounds optimistic transaction retries when a watched
// set changes under a concurrent writer.
const maxTxRetries = 5

// Redis is the shared cache backend for multi-process deployments. The
// entry value lives in a TTL'd string key; tag membership lives in sets
// maintained alongside it.
type Redis struct {
	db *redis.Client
}

// NewRedis creates a cache backend over an existing redis client.
func NewRedis(db *redis.Client) *Redis {
	return &Redis{db: db}
}

// Ping verifies the redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.db.Ping(ctx).Err()
}

// Get implements Backend. Redis expires the value key itself, so an
// expired entry is simply absent.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.db.Get(ctx, redisValuePrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return value, true, nil
}

// Put implements Backend. The prior entry's tag memberships are read
// under WATCH and dropped in the same transaction that writes the new
// value, so a concurrent writer racing on the same key retries instead
// of leaving a dangling tag reference.
func (r *Redis) Put(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	txf := func(tx *redis.Tx) error {
		oldTags, err := tx.SMembers(ctx, redisKeyPrefix+key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read old tags: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, tag := range oldTags {
				pipe.SRem(ctx, redisTagPrefix+tag, key)
			}
			pipe.Del(ctx, redisKeyPrefix+key)

			pipe.Set(ctx, redisValuePrefix+key, value, ttl)
			for _, tag := range tags {
				pipe.SAdd(ctx, redisTagPrefix+tag, key)
				pipe.SAdd(ctx, redisKeyPrefix+key, tag)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.db.Watch(ctx, txf, redisKeyPrefix+key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("cache put %q: %w", key, err)
	}
	return fmt.Errorf("cache put %q: %w", key, redis.TxFailedErr)
}

// InvalidateTag implements Backend. The tag set is read under WATCH and
// all keys under it are deleted in one transaction, along with their
// memberships in every other tag; a concurrent Put touching the tag
// aborts the transaction and the invalidation retries against the
// fresh membership.
func (r *Redis) InvalidateTag(ctx context.Context, tag string) (int, error) {
	removed := 0
	txf := func(tx *redis.Tx) error {
		keys, err := tx.SMembers(ctx, redisTagPrefix+tag).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		removed = len(keys)
		if len(keys) == 0 {
			return nil
		}

		// Collect each key's full tag membership before the deletes so
		// the cascade can unlink them from sibling tags.
		memberships := make(map[string][]string, len(keys))
		for _, key := range keys {
			tags, err := tx.SMembers(ctx, redisKeyPrefix+key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("read memberships of %q: %w", key, err)
			}
			memberships[key] = tags
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range keys {
				pipe.Del(ctx, redisValuePrefix+key)
				pipe.Del(ctx, redisKeyPrefix+key)
				for _, other := range memberships[key] {
					if other != tag {
						pipe.SRem(ctx, redisTagPrefix+other, key)
					}
				}
			}
			pipe.Del(ctx, redisTagPrefix+tag)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.db.Watch(ctx, txf, redisTagPrefix+tag)
		if err == nil {
			return removed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, fmt.Errorf("invalidate tag %q: %w", tag, err)
	}
	return 0, fmt.Errorf("invalidate tag %q: %w", tag, redis.TxFailedErr)
}
