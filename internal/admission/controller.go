// Package admission caps concurrent subscriber connections per client IP.
// Counters live in the shared key-value service so the limit holds across
// backend processes. When the counter store is unreachable the gate fails
// closed: protecting shared broadcast resources beats admitting one more
// client.
package admission

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrLimitExceeded = errors.New("admission: connection limit per IP reached")
	ErrUnavailable   = errors.New("admission: counter store unavailable")
	ErrNoClientIP    = errors.New("admission: could not determine client IP")
)

const (
	DefaultMaxConnections = 5
	DefaultWindow         = 60 * time.Second
	defaultKeyPrefix      = "ws_conn:raw"
)

// CounterStore is the atomic counter surface the controller needs.
// redisCounters implements it over the shared key-value service.
type CounterStore interface {
	// IncrWithTTL atomically increments the counter and refreshes its TTL,
	// returning the post-increment value.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr decrements the counter unless the stored value is already <= 0.
	Decr(ctx context.Context, key string) error
}

// Config tunes the per-IP gate.
type Config struct {
	MaxConnections int
	Window         time.Duration
	KeyPrefix      string
}

// Controller gates new subscriber connections by client IP.
type Controller struct {
	counters CounterStore
	cfg      Config
}

// NewController builds an admission controller, filling zero config fields
// with defaults.
func NewController(counters CounterStore, cfg Config) *Controller {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	return &Controller{counters: counters, cfg: cfg}
}

// TryAdmit reserves a connection slot for ip. Over the limit, the
// speculative increment is undone before rejecting so the counter stays
// accurate. A store failure rejects (fail closed).
func (c *Controller) TryAdmit(ctx context.Context, ip string) error {
	if ip == "" {
		return ErrNoClientIP
	}
	key := c.key(ip)
	count, err := c.counters.IncrWithTTL(ctx, key, c.cfg.Window)
	if err != nil {
		logs.Errorf("admission counter unreachable for %s, rejecting, err: %+v", ip, err)
		return ErrUnavailable
	}
	if count > int64(c.cfg.MaxConnections) {
		if err := c.counters.Decr(ctx, key); err != nil {
			logs.Errorf("undo admission increment for %s, err: %+v", ip, err)
		}
		logs.Warnf("IP %s denied connection, limit of %d reached", ip, c.cfg.MaxConnections)
		return ErrLimitExceeded
	}
	logs.Infof("new connection from %s, total for this IP: %d", ip, count)
	return nil
}

// Release frees a slot on disconnect. The store-side decrement is a no-op
// when the counter already expired, so a release racing TTL expiry never
// drives the value negative.
func (c *Controller) Release(ctx context.Context, ip string) {
	if ip == "" {
		return
	}
	if err := c.counters.Decr(ctx, c.key(ip)); err != nil {
		logs.Errorf("release admission slot for %s, err: %+v", ip, err)
	}
}

func (c *Controller) key(ip string) string {
	return c.cfg.KeyPrefix + ":" + ip
}

// ClientIP extracts the originating IP: the first X-Forwarded-For entry
// when present, else the host of the direct remote address. Trusting the
// header is only safe behind a trusted reverse proxy; that is a deployment
// precondition, not something this function can verify.
func ClientIP(remoteAddr, forwardedFor string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
