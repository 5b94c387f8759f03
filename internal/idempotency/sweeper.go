package idempotency

import (
	"context"
	"time"

	"github.com/yanun0323/logs"
)

// DefaultSweepInterval is how often expired records are purged.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically deletes expired idempotency records. Lookups filter
// on expiry themselves, so the sweep is pure housekeeping and can lag
// without affecting correctness.
type Sweeper struct {
	repo     Repository
	interval time.Duration
}

// NewSweeper builds a sweeper, using DefaultSweepInterval when interval <= 0.
func NewSweeper(repo Repository, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{repo: repo, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.repo.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		logs.Errorf("sweep expired idempotency records, err: %+v", err)
		return
	}
	if deleted > 0 {
		logs.Infof("swept %d expired idempotency records", deleted)
	}
}
