package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/db"
	"fleetwatch/internal/models"
)

func TestRunOnceDeletesOnlyPastHorizon(t *testing.T) {
	repo, c := newTestCleaner(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	sys, err := repo.UpsertSystem(ctx, models.SystemInfo{Hostname: "lab-01"}, now)
	require.NoError(t, err)

	for _, age := range []time.Duration{25 * time.Hour, 24*time.Hour + time.Second, 23 * time.Hour, time.Minute} {
		_, err := repo.IngestMetric(ctx, models.Metric{SystemID: sys.ID, MemoryTotal: 100}, now.Add(-age))
		require.NoError(t, err)
	}

	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := repo.RecentMetrics(ctx, sys.ID, 10)
	require.NoError(t, err)
	assert.Len(t, left, 2)

	n, err = c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "an empty pass is not an error")
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	repo, c := newTestCleaner(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sys, err := repo.UpsertSystem(ctx, models.SystemInfo{Hostname: "lab-02"}, now)
	require.NoError(t, err)
	_, err = repo.IngestMetric(ctx, models.Metric{SystemID: sys.ID}, now.Add(-48*time.Hour))
	require.NoError(t, err)

	c.Start(ctx)
	c.Start(ctx)
	require.Eventually(t, func() bool {
		left, err := repo.RecentMetrics(ctx, sys.ID, 10)
		return err == nil && len(left) == 0
	}, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestLoopSurvivesFailedPass(t *testing.T) {
	repo, c := newTestCleaner(t)
	c.Interval = 10 * time.Millisecond
	require.NoError(t, repo.DB().Close())

	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	c.Stop()
}

func newTestCleaner(t *testing.T) (*db.Repository, *Cleaner) {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })
	require.NoError(t, db.Migrate(sqldb))
	repo := db.NewRepository(sqldb)
	return repo, NewCleaner(repo, 24*time.Hour, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
