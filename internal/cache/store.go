// Package cache is the tiered cache-access layer over the shared key-value
// service. Every operation is best-effort: infrastructure failures are
// logged here and surfaced to callers only as "not found" or "write failed",
// so callers always keep a non-cache fallback path.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"
)

// Entry is one key/value pair for pipelined writes.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Store provides typed get/set/batch/pipeline operations over redis.
type Store struct {
	rdb redis.Cmdable
}

// NewStore wraps a redis command surface.
func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// Get returns the raw blob under key. A miss and an unreachable store are
// both reported as (nil, false).
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logs.Errorf("cache get %s, err: %+v", key, err)
		}
		return nil, false
	}
	return raw, true
}

// Set stores value under key with the given TTL. Reports whether the write
// was accepted.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		logs.Errorf("cache set %s, err: %+v", key, err)
		return false
	}
	return true
}

// BatchGet fetches all keys in one MGET round trip. The result has one slot
// per key; missing entries are nil. A single order placement needs up to
// five related entries, which must not cost five round trips.
func (s *Store) BatchGet(ctx context.Context, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		logs.Errorf("cache batch get %d keys, err: %+v", len(keys), err)
		return out
	}
	for i, v := range values {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out
}

// PipelineSet writes all entries in one pipelined round trip.
func (s *Store) PipelineSet(ctx context.Context, entries []Entry) bool {
	if len(entries) == 0 {
		return true
	}
	pipe := s.rdb.Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, e.Key, e.Value, e.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logs.Errorf("cache pipeline set %d entries, err: %+v", len(entries), err)
		return false
	}
	return true
}

// Delete removes keys, used for explicit invalidation.
func (s *Store) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		logs.Errorf("cache delete %v, err: %+v", keys, err)
		return false
	}
	return true
}

// DeleteByPrefix scans for keys under prefix and deletes them in pipelined
// batches. Returns the number of keys removed.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) int {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			logs.Errorf("cache scan %s, err: %+v", prefix, err)
			return removed
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				logs.Errorf("cache delete batch under %s, err: %+v", prefix, err)
				return removed
			}
			removed += len(keys)
		}
		if next == 0 {
			return removed
		}
		cursor = next
	}
}
