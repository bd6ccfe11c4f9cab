package liveness

import (
	"context"
	"log/slog"
	"time"

	"fleetwatch/internal/db"
	"fleetwatch/internal/models"
	"fleetwatch/internal/telemetry"
)

const DefaultWindow = 60 * time.Second

// Classifier keeps the stored is_active flag in step with last_seen. The flag
// is recomputed lazily: in bulk before listings and per row on single reads.
// Registration and ingestion set it back to true in the repository.
type Classifier struct {
	Window time.Duration

	repo *db.Repository
	log  *slog.Logger
	now  func() time.Time
}

func New(repo *db.Repository, window time.Duration, logger *slog.Logger) *Classifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Classifier{Window: window, repo: repo, log: logger, now: time.Now}
}

// IsActive reports whether sys has been seen within window of now. A system
// that was never seen is not stale.
func IsActive(sys models.System, now time.Time, window time.Duration) bool {
	if sys.LastSeen == nil {
		return true
	}
	return now.Sub(*sys.LastSeen) <= window
}

func (c *Classifier) cutoff() time.Time {
	return c.now().UTC().Add(-c.Window)
}

// Sweep flips every active system past the window to inactive.
func (c *Classifier) Sweep(ctx context.Context) error {
	n, err := c.repo.MarkStaleInactive(ctx, c.cutoff())
	if err != nil {
		return err
	}
	if n > 0 {
		telemetry.SystemsMarkedInactive.Add(float64(n))
		c.log.Info("systems marked inactive", "count", n)
	}
	return nil
}

// Refresh applies the same rule to one already loaded row and persists the
// change when it flips.
func (c *Classifier) Refresh(ctx context.Context, sys models.System) (models.System, error) {
	if !sys.IsActive || IsActive(sys, c.now().UTC(), c.Window) {
		return sys, nil
	}
	if err := c.repo.MarkInactive(ctx, sys.ID); err != nil {
		return sys, err
	}
	telemetry.SystemsMarkedInactive.Inc()
	sys.IsActive = false
	return sys, nil
}
