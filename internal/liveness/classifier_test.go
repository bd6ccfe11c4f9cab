package liveness

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

func TestIsActive(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	assert.True(t, IsActive(models.System{}, now, time.Minute), "never seen is never stale")
	assert.True(t, IsActive(models.System{LastSeen: at(59 * time.Second)}, now, time.Minute))
	assert.True(t, IsActive(models.System{LastSeen: at(time.Minute)}, now, time.Minute))
	assert.False(t, IsActive(models.System{LastSeen: at(time.Minute + time.Millisecond)}, now, time.Minute))
}

func TestSweepMarksOnlyStaleSystems(t *testing.T) {
	repo, c, now := newTestClassifier(t)
	ctx := context.Background()
	stale := register(t, repo, "stale", now.Add(-90*time.Second))
	fresh := register(t, repo, "fresh", now.Add(-5*time.Second))

	require.NoError(t, c.Sweep(ctx))

	got, err := repo.GetSystem(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	got, err = repo.GetSystem(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestRefreshAfterWindowReadsInactive(t *testing.T) {
	repo, c, now := newTestClassifier(t)
	ctx := context.Background()
	sys := register(t, repo, "lab-01", now)

	got, err := c.Refresh(ctx, sys)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	later := now.Add(c.Window + time.Second)
	c.now = func() time.Time { return later }
	got, err = c.Refresh(ctx, sys)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	stored, err := repo.GetSystem(ctx, sys.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive, "flip is persisted")
}

func TestReRegistrationReactivatesAfterSweep(t *testing.T) {
	repo, c, now := newTestClassifier(t)
	ctx := context.Background()
	sys := register(t, repo, "lab-02", now.Add(-time.Hour))
	require.NoError(t, c.Sweep(ctx))

	again := register(t, repo, "lab-02", now)
	assert.Equal(t, sys.ID, again.ID)
	assert.True(t, again.IsActive)
	require.NoError(t, c.Sweep(ctx))
	got, err := repo.GetSystem(ctx, sys.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func newTestClassifier(t *testing.T) (*db.Repository, *Classifier, time.Time) {
	t.Helper()
	sqldb, err := db.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })
	require.NoError(t, db.Migrate(sqldb))
	repo := db.NewRepository(sqldb)
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	c := New(repo, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return now }
	return repo, c, now
}

func register(t *testing.T, repo *db.Repository, hostname string, at time.Time) models.System {
	t.Helper()
	s, err := repo.UpsertSystem(context.Background(), models.SystemInfo{Hostname: hostname}, at)
	require.NoError(t, err)
	return s
}
