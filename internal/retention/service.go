package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetwatch/internal/db"
	"fleetwatch/internal/telemetry"
)

const (
	DefaultHorizon  = 24 * time.Hour
	DefaultInterval = time.Hour
)

// Cleaner deletes metric samples older than Horizon every Interval.
type Cleaner struct {
	Horizon  time.Duration
	Interval time.Duration

	repo *db.Repository
	log  *slog.Logger
	now  func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCleaner(repo *db.Repository, horizon, interval time.Duration, logger *slog.Logger) *Cleaner {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Cleaner{Horizon: horizon, Interval: interval, repo: repo, log: logger, now: time.Now}
}

// RunOnce performs a single pass and returns the number of rows removed.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-c.Horizon)
	n, err := c.repo.DeleteMetricsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	telemetry.MetricsPruned.Add(float64(n))
	c.log.Info("retention cleanup completed", "cutoff", cutoff, "deleted", n)
	return n, nil
}

// Start runs a pass immediately, then one per Interval until Stop or ctx is
// done. A second Start while running is a no-op.
func (c *Cleaner) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	c.done = done
	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

func (c *Cleaner) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Cleaner) run(ctx context.Context) {
	t := time.NewTicker(c.Interval)
	defer t.Stop()
	for {
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("retention cleanup failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
