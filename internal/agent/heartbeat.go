package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fleetwatch/internal/models"
)

const (
	DefaultInterval     = 2 * time.Second
	DefaultRetryBackoff = 5 * time.Second
)

type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateHeartbeating
	StateReregistering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateHeartbeating:
		return "heartbeating"
	case StateReregistering:
		return "reregistering"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Event is a snapshot emitted on every state change and every heartbeat
// attempt. Sample is set after a successful send.
type Event struct {
	State    State
	SystemID int64
	Sent     uint64
	Failed   uint64
	Sample   *models.Metric
	Err      error
	At       time.Time
}

// Collector is the collector API as seen by the heartbeat loop.
type Collector interface {
	Register(ctx context.Context, info models.SystemInfo) (int64, error)
	SendMetric(ctx context.Context, m models.Metric) error
}

type MetricSampler interface {
	Sample(ctx context.Context) (models.Metric, error)
}

// IdentityFunc produces the snapshot sent on every (re)registration.
type IdentityFunc func(ctx context.Context) (models.SystemInfo, error)

var ErrAlreadyRunning = errors.New("heartbeat already running")

// Heartbeat registers with the collector and then posts one sample per
// Interval. A 404 on a heartbeat triggers an inline re-registration; every
// other failure is logged and retried on the next tick.
type Heartbeat struct {
	Interval     time.Duration
	RetryBackoff time.Duration

	client   Collector
	sampler  MetricSampler
	identity IdentityFunc
	log      *slog.Logger
	events   chan Event

	mu       sync.Mutex
	state    State
	systemID int64
	sent     uint64
	failed   uint64
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewHeartbeat(client Collector, sampler MetricSampler, identity IdentityFunc, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Heartbeat{
		Interval:     interval,
		RetryBackoff: DefaultRetryBackoff,
		client:       client,
		sampler:      sampler,
		identity:     identity,
		log:          logger,
		events:       make(chan Event, 64),
	}
}

// Events delivers progress to whoever owns user-facing state. Slow readers
// miss events; the loop never blocks on them.
func (h *Heartbeat) Events() <-chan Event { return h.events }

func (h *Heartbeat) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Heartbeat) SystemID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.systemID
}

// Run blocks until ctx is done or Stop is called. It returns at once if Stop
// has already been called.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	if h.stopped {
		h.mu.Unlock()
		h.transition(StateStopped, nil)
		return nil
	}
	ctx, h.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	h.done = done
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.cancel()
		h.cancel, h.done = nil, nil
		h.mu.Unlock()
		h.transition(StateStopped, nil)
		close(done)
	}()

	if !h.register(ctx, StateRegistering) {
		return nil
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		h.beat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.Interval):
		}
	}
}

// Stop asks the loop to exit and waits for it. An in-flight request is not
// aborted. Stop is final: a later Run returns immediately.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	h.stopped = true
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// register retries until the collector accepts the identity or ctx ends.
func (h *Heartbeat) register(ctx context.Context, state State) bool {
	h.transition(state, nil)
	for {
		id, err := h.registerOnce(ctx)
		if err == nil {
			h.mu.Lock()
			h.systemID = id
			h.mu.Unlock()
			h.log.Info("registered with collector", "system_id", id)
			h.transition(StateHeartbeating, nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		h.log.Error("registration failed, retrying", "err", err, "backoff", h.RetryBackoff)
		h.emit(err, nil)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.RetryBackoff):
		}
	}
}

func (h *Heartbeat) registerOnce(ctx context.Context) (int64, error) {
	info, err := h.identity(ctx)
	if err != nil {
		return 0, err
	}
	return h.client.Register(ctx, info)
}

func (h *Heartbeat) beat(ctx context.Context) {
	m, err := h.sampler.Sample(ctx)
	if err != nil {
		h.fail(err)
		return
	}
	m.SystemID = h.SystemID()

	err = h.client.SendMetric(ctx, m)
	switch {
	case err == nil:
		h.mu.Lock()
		h.sent++
		h.mu.Unlock()
		h.emit(nil, &m)
	case errors.Is(err, ErrSystemNotFound):
		h.log.Warn("collector does not know this system, re-registering", "system_id", m.SystemID)
		h.register(ctx, StateReregistering)
	default:
		h.fail(err)
	}
}

func (h *Heartbeat) fail(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.mu.Lock()
	h.failed++
	h.mu.Unlock()
	h.log.Warn("heartbeat failed", "err", err)
	h.emit(err, nil)
}

func (h *Heartbeat) transition(s State, err error) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.emit(err, nil)
}

func (h *Heartbeat) emit(err error, sample *models.Metric) {
	h.mu.Lock()
	ev := Event{State: h.state, SystemID: h.systemID, Sent: h.sent, Failed: h.failed, Sample: sample, Err: err, At: time.Now()}
	h.mu.Unlock()
	select {
	case h.events <- ev:
	default:
	}
}
