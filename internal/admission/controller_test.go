package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yanun0323/errors"
)

type fakeCounters struct {
	mu     sync.Mutex
	counts map[string]int64
	fail   bool
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counts: map[string]int64{}}
}

func (f *fakeCounters) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("counter store down")
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeCounters) Decr(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("counter store down")
	}
	if f.counts[key] > 0 {
		f.counts[key]--
	}
	return nil
}

func (f *fakeCounters) count(key string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

func TestTryAdmitEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	counters := newFakeCounters()
	c := NewController(counters, Config{MaxConnections: 5})

	for i := 0; i < 5; i++ {
		if err := c.TryAdmit(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("connection %d should be admitted, err: %+v", i+1, err)
		}
	}
	if err := c.TryAdmit(ctx, "10.0.0.1"); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("6th connection should be rejected, err: %+v", err)
	}
	if got := counters.count(c.key("10.0.0.1")); got != 5 {
		t.Fatalf("rejected attempt must not leak a slot, count: %d", got)
	}
	if err := c.TryAdmit(ctx, "10.0.0.2"); err != nil {
		t.Fatalf("other IPs are counted independently, err: %+v", err)
	}
}

func TestTryAdmitBoundHoldsUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	counters := newFakeCounters()
	c := NewController(counters, Config{MaxConnections: 5})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.TryAdmit(ctx, "10.0.0.1"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 5 {
		t.Fatalf("expected exactly 5 admitted, got %d", admitted)
	}
	if got := counters.count(c.key("10.0.0.1")); got != 5 {
		t.Fatalf("counter should settle at the limit, got %d", got)
	}
}

func TestTryAdmitFailsClosed(t *testing.T) {
	counters := newFakeCounters()
	counters.fail = true
	c := NewController(counters, Config{})

	if err := c.TryAdmit(context.Background(), "10.0.0.1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("store failure should reject, err: %+v", err)
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	counters := newFakeCounters()
	c := NewController(counters, Config{})

	c.Release(ctx, "10.0.0.1")
	c.Release(ctx, "10.0.0.1")
	if got := counters.count(c.key("10.0.0.1")); got != 0 {
		t.Fatalf("release on zero counter must stay at zero, got %d", got)
	}

	if err := c.TryAdmit(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("admit, err: %+v", err)
	}
	c.Release(ctx, "10.0.0.1")
	if got := counters.count(c.key("10.0.0.1")); got != 0 {
		t.Fatalf("expected counter back at zero, got %d", got)
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		expect     string
	}{
		{"direct", "203.0.113.7:51234", "", "203.0.113.7"},
		{"forwarded single", "10.0.0.1:80", "198.51.100.4", "198.51.100.4"},
		{"forwarded chain", "10.0.0.1:80", "198.51.100.4, 10.0.0.2, 10.0.0.3", "198.51.100.4"},
		{"forwarded padded", "10.0.0.1:80", "  198.51.100.4 , 10.0.0.2", "198.51.100.4"},
		{"empty forwarded falls back", "203.0.113.7:51234", "   ", "203.0.113.7"},
		{"no port", "203.0.113.7", "", "203.0.113.7"},
	}
	for _, c := range cases {
		if got := ClientIP(c.remoteAddr, c.forwarded); got != c.expect {
			t.Fatalf("%s: expected %q, got %q", c.name, c.expect, got)
		}
	}
}
