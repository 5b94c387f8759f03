package broadcast

import (
	"context"
	"sync"
	"time"

	"main/internal/cache"

	"github.com/redis/go-redis/v9"
)

const receivePoll = time.Second

// redisTickSource reads the shared market data channel. The subscription
// is opened on first use and closed with the source, matching the
// broadcaster's lazy lifecycle. The mutex covers a draining fan-in loop
// closing the subscription while its successor opens the next one.
type redisTickSource struct {
	rdb *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisTickSource subscribes to the market data channel on the shared
// key-value service.
func NewRedisTickSource(rdb *redis.Client) TickSource {
	return &redisTickSource{rdb: rdb}
}

func (s *redisTickSource) Next(ctx context.Context) ([]byte, error) {
	pubsub := s.acquire(ctx)
	for {
		if err := ctx.Err(); err != nil {
			s.release(pubsub)
			return nil, err
		}
		// Bounded receive so cancellation is noticed between messages.
		raw, err := pubsub.ReceiveTimeout(ctx, receivePoll)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, err
		}
		switch m := raw.(type) {
		case *redis.Message:
			return []byte(m.Payload), nil
		default:
			// Subscription acks and pongs.
		}
	}
}

func (s *redisTickSource) acquire(ctx context.Context) *redis.PubSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		s.pubsub = s.rdb.Subscribe(ctx, cache.MarketDataChannel)
	}
	return s.pubsub
}

// release closes the subscription, but only if it is still the current one:
// a successor loop may have opened a fresh subscription already.
func (s *redisTickSource) release(pubsub *redis.PubSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == pubsub {
		s.pubsub = nil
	}
	_ = pubsub.Close()
}

// Close shuts the current subscription, if any. Safe after release.
func (s *redisTickSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		return nil
	}
	err := s.pubsub.Close()
	s.pubsub = nil
	return err
}

func isTimeout(err error) bool {
	t, ok := err.(interface{ Timeout() bool })
	return ok && t.Timeout()
}
