package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"

	"fleetwatch/internal/db"
	"fleetwatch/internal/models"
)

// ValidationError reports a threshold outside [0,100]. It is returned to the
// caller as is, never clamped.
type ValidationError struct {
	Field string
	Value float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s threshold must be 0-100, got %v", e.Field, e.Value)
}

func Validate(t models.Thresholds) error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"CPU", t.CPU}, {"Memory", t.Memory}, {"Disk", t.Disk}} {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 100 {
			return &ValidationError{Field: f.name, Value: f.v}
		}
	}
	return nil
}

// Resolver picks the thresholds that apply to a system: its own row when
// present, otherwise the global row. Rows are never merged field by field.
type Resolver struct {
	repo *db.Repository
}

func NewResolver(repo *db.Repository) *Resolver {
	return &Resolver{repo: repo}
}

func (r *Resolver) Global(ctx context.Context) (models.AlertSettings, error) {
	return r.repo.GlobalSettings(ctx)
}

func (r *Resolver) Effective(ctx context.Context, systemID int64) (models.AlertSettings, error) {
	s, err := r.repo.SystemSettings(ctx, systemID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return models.AlertSettings{}, err
	}
	return r.repo.GlobalSettings(ctx)
}

// Update writes the global thresholds when systemID is nil, otherwise the
// thresholds of that one system.
func (r *Resolver) Update(ctx context.Context, systemID *int64, t models.Thresholds) (models.AlertSettings, error) {
	if err := Validate(t); err != nil {
		return models.AlertSettings{}, err
	}
	return r.repo.UpsertSettings(ctx, systemID, t)
}
