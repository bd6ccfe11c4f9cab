package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/models"
)

// fakeCollector hands out ids 1, 2, 3... and forgets an id once asked to.
type fakeCollector struct {
	mu         sync.Mutex
	nextID     int64
	known      map[int64]bool
	registerOK func(call int) bool
	registers  int
	sends      []int64
	sendErr    error
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{known: map[int64]bool{}}
}

func (f *fakeCollector) Register(_ context.Context, _ models.SystemInfo) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if f.registerOK != nil && !f.registerOK(f.registers) {
		return 0, errors.New("connection refused")
	}
	f.nextID++
	f.known[f.nextID] = true
	return f.nextID, nil
}

func (f *fakeCollector) SendMetric(_ context.Context, m models.Metric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if !f.known[m.SystemID] {
		return ErrSystemNotFound
	}
	f.sends = append(f.sends, m.SystemID)
	return nil
}

func (f *fakeCollector) forget(id int64) {
	f.mu.Lock()
	delete(f.known, id)
	f.mu.Unlock()
}

func (f *fakeCollector) snapshot() (registers int, sends []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, append([]int64(nil), f.sends...)
}

type fixedSampler struct{}

func (fixedSampler) Sample(context.Context) (models.Metric, error) {
	return models.Metric{CPUUsage: 12, MemoryTotal: 100, MemoryUsed: 40}, nil
}

func newTestHeartbeat(c Collector) *Heartbeat {
	identity := func(context.Context) (models.SystemInfo, error) { return models.SystemInfo{Hostname: "lab-01"}, nil }
	h := NewHeartbeat(c, fixedSampler{}, identity, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.RetryBackoff = 10 * time.Millisecond
	return h
}

func startHeartbeat(t *testing.T, h *Heartbeat) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.Run(context.Background()) }()
	t.Cleanup(func() {
		h.Stop()
		require.NoError(t, <-errc)
	})
}

func TestHeartbeatSendsWithRegisteredID(t *testing.T) {
	c := newFakeCollector()
	h := newTestHeartbeat(c)
	startHeartbeat(t, h)

	require.Eventually(t, func() bool {
		_, sends := c.snapshot()
		return len(sends) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	regs, sends := c.snapshot()
	assert.Equal(t, 1, regs)
	for _, id := range sends {
		assert.Equal(t, int64(1), id)
	}
	assert.Equal(t, StateHeartbeating, h.State())
}

func TestHeartbeatReregistersOnNotFound(t *testing.T) {
	c := newFakeCollector()
	h := newTestHeartbeat(c)
	startHeartbeat(t, h)

	require.Eventually(t, func() bool {
		_, sends := c.snapshot()
		return len(sends) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	c.forget(1)

	require.Eventually(t, func() bool {
		_, sends := c.snapshot()
		return len(sends) > 0 && sends[len(sends)-1] == 2
	}, 2*time.Second, 5*time.Millisecond)
	regs, _ := c.snapshot()
	assert.Equal(t, 2, regs)
	assert.Equal(t, int64(2), h.SystemID())
}

func TestHeartbeatRetriesRegistrationForever(t *testing.T) {
	c := newFakeCollector()
	c.registerOK = func(call int) bool { return call >= 4 }
	h := newTestHeartbeat(c)
	startHeartbeat(t, h)

	require.Eventually(t, func() bool {
		_, sends := c.snapshot()
		return len(sends) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	regs, _ := c.snapshot()
	assert.Equal(t, 4, regs)
}

func TestHeartbeatOtherFailuresDoNotReregister(t *testing.T) {
	c := newFakeCollector()
	h := newTestHeartbeat(c)
	startHeartbeat(t, h)

	require.Eventually(t, func() bool { return h.State() == StateHeartbeating }, 2*time.Second, 5*time.Millisecond)
	c.mu.Lock()
	c.sendErr = errors.New("503 service unavailable")
	c.mu.Unlock()

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-h.Events():
				if ev.Failed >= 3 {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
	regs, _ := c.snapshot()
	assert.Equal(t, 1, regs)
	assert.Equal(t, StateHeartbeating, h.State())
}

func TestHeartbeatStopEndsRunPromptly(t *testing.T) {
	c := newFakeCollector()
	c.registerOK = func(int) bool { return false }
	h := newTestHeartbeat(c)
	h.RetryBackoff = time.Hour

	errc := make(chan error, 1)
	go func() { errc <- h.Run(context.Background()) }()
	require.Eventually(t, func() bool { return h.State() == StateRegistering }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	h.Stop()
	require.NoError(t, <-errc)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateStopped, h.State())
}

func TestHeartbeatStopBeforeRun(t *testing.T) {
	c := newFakeCollector()
	h := newTestHeartbeat(c)
	h.Stop()

	errc := make(chan error, 1)
	go func() { errc <- h.Run(context.Background()) }()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		h.Stop()
		t.Fatal("Run kept going after Stop")
	}
	regs, sends := c.snapshot()
	assert.Zero(t, regs)
	assert.Empty(t, sends)
	assert.Equal(t, StateStopped, h.State())
}

func TestHeartbeatRunTwice(t *testing.T) {
	h := newTestHeartbeat(newFakeCollector())
	startHeartbeat(t, h)
	require.Eventually(t, func() bool { return h.State() == StateHeartbeating }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyRunning)
}

func TestResolveServerURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	never := func(context.Context, int, time.Duration) (string, error) {
		t.Fatal("scan must not run when a URL is configured")
		return "", nil
	}
	url, err := ResolveServerURL(context.Background(), "http://c:8000/api/v1", 54321, time.Second, never, logger)
	require.NoError(t, err)
	assert.Equal(t, "http://c:8000/api/v1", url)

	old := scanPause
	scanPause = time.Millisecond
	defer func() { scanPause = old }()
	calls := 0
	scan := func(context.Context, int, time.Duration) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not found")
		}
		return "http://10.0.0.9:8000/api/v1", nil
	}
	url, err = ResolveServerURL(context.Background(), "", 54321, time.Second, scan, logger)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.9:8000/api/v1", url)
	assert.Equal(t, 3, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ResolveServerURL(ctx, "", 54321, time.Second, func(context.Context, int, time.Duration) (string, error) {
		return "", errors.New("not found")
	}, logger)
	assert.ErrorIs(t, err, context.Canceled)
}
