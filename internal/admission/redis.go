package admission

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrIfPositive guards the release decrement server-side: two releases
// racing a TTL reset must not drive the counter negative, so the check and
// the decrement have to be one atomic step.
var decrIfPositive = redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
	return redis.call("DECR", KEYS[1])
end
return v
`)

type redisCounters struct {
	rdb redis.Cmdable
}

// NewRedisCounters wires the controller to the shared key-value service.
func NewRedisCounters(rdb redis.Cmdable) CounterStore {
	return &redisCounters{rdb: rdb}
}

func (r *redisCounters) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *redisCounters) Decr(ctx context.Context, key string) error {
	return decrIfPositive.Run(ctx, r.rdb, []string{key}).Err()
}
