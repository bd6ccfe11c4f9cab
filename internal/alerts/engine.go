package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"fleetwatch/internal/db"
	"fleetwatch/internal/models"
	"fleetwatch/internal/telemetry"
)

const criticalAt = 95.0

// Notifier delivers a one-line message about a newly raised alert.
type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, msg string) error
}

// Publisher receives every alert the engine creates.
type Publisher interface {
	Publish(a models.Alert)
}

type Engine struct {
	repo     *db.Repository
	settings *Resolver
	notify   Notifier
	pub      Publisher
	log      *slog.Logger
	now      func() time.Time

	queue   chan models.Metric
	workers int
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancel  context.CancelFunc
}

func NewEngine(repo *db.Repository, settings *Resolver, notify Notifier, pub Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		repo:     repo,
		settings: settings,
		notify:   notify,
		pub:      pub,
		log:      logger,
		now:      time.Now,
		queue:    make(chan models.Metric, 1024),
		workers:  4,
	}
}

// Start launches the workers that drain Submit.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.work(ctx)
	}
}

func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		e.wg.Wait()
	}
}

func (e *Engine) work(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-e.queue:
			e.Evaluate(ctx, m)
		}
	}
}

// Submit queues a stored sample for evaluation without waiting on it. A full
// queue drops the sample.
func (e *Engine) Submit(m models.Metric) {
	select {
	case e.queue <- m:
	default:
		telemetry.AlertEvaluationsDropped.Inc()
		e.log.Warn("alert queue full, sample skipped", "system_id", m.SystemID)
	}
}

type finding struct {
	typ      models.AlertType
	severity models.Severity
	message  string
}

// Evaluate checks one sample against the effective thresholds of its system
// and opens an alert for every firing dimension that has none open yet. It
// never resolves alerts. Persistence errors are logged, not returned.
func (e *Engine) Evaluate(ctx context.Context, m models.Metric) []models.Alert {
	s, err := e.settings.Effective(ctx, m.SystemID)
	if err != nil {
		e.log.Error("resolve alert settings", "system_id", m.SystemID, "err", err)
		return nil
	}
	findings := check(m, s.Thresholds)
	if len(findings) == 0 {
		return nil
	}

	open, err := e.repo.OpenAlertTypes(ctx, m.SystemID)
	if err != nil {
		e.log.Error("load open alerts", "system_id", m.SystemID, "err", err)
		return nil
	}

	var created []models.Alert
	now := e.now().UTC()
	for _, f := range findings {
		if open[f.typ] {
			continue
		}
		a, ok, err := e.repo.InsertAlertIfAbsent(ctx, models.Alert{
			SystemID:  m.SystemID,
			Type:      f.typ,
			Severity:  f.severity,
			Message:   f.message,
			CreatedAt: now,
		})
		if err != nil {
			e.log.Error("create alert", "system_id", m.SystemID, "type", f.typ, "err", err)
			continue
		}
		if !ok {
			continue
		}
		telemetry.AlertsRaised.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		e.log.Info("alert raised", "system_id", a.SystemID, "type", a.Type, "severity", a.Severity)
		created = append(created, a)
		if e.pub != nil {
			e.pub.Publish(a)
		}
		e.sendNotification(ctx, a)
	}
	return created
}

func check(m models.Metric, t models.Thresholds) []finding {
	var out []finding
	if m.CPUUsage > t.CPU {
		out = append(out, finding{
			typ:      models.AlertCPU,
			severity: severityFor(m.CPUUsage),
			message:  fmt.Sprintf("High CPU usage detected: %s%% (Threshold: %s%%)", num(m.CPUUsage), num(t.CPU)),
		})
	}
	if mem := m.MemoryPct(); mem > t.Memory {
		out = append(out, finding{
			typ:      models.AlertMemory,
			severity: severityFor(mem),
			message:  fmt.Sprintf("High Memory usage detected: %.2f%% (Threshold: %s%%)", mem, num(t.Memory)),
		})
	}
	if m.DiskUsage > t.Disk {
		out = append(out, finding{
			typ:      models.AlertDisk,
			severity: models.SeverityCritical,
			message:  fmt.Sprintf("High Disk usage detected: %s%% (Threshold: %s%%)", num(m.DiskUsage), num(t.Disk)),
		})
	}
	return out
}

func severityFor(v float64) models.Severity {
	if v >= criticalAt {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (e *Engine) sendNotification(ctx context.Context, a models.Alert) {
	if e.notify == nil || !e.notify.Enabled() {
		return
	}
	msg := fmt.Sprintf("[%s] %s alert on system %d: %s", a.Severity, a.Type, a.SystemID, a.Message)
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = e.notify.Send(ctx, msg); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
	e.log.Warn("notify failed", "alert_id", a.ID, "err", err)
}
