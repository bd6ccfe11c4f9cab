package web

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetwatch/internal/telemetry"
)

// RateLimiter admits at most Limit requests per client address in any
// sliding one second window.
type RateLimiter struct {
	Limit  int
	Window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = 100
	}
	return &RateLimiter{Limit: limit, Window: time.Second, hits: make(map[string][]time.Time), now: time.Now}
}

func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	start := now.Add(-l.Window)
	ts := l.hits[key]
	i := 0
	for i < len(ts) && !ts[i].After(start) {
		i++
	}
	ts = ts[i:]
	if len(ts) >= l.Limit {
		l.hits[key] = ts
		return false
	}
	l.hits[key] = append(ts, now)
	return true
}

// Prune drops addresses with no request inside the window.
func (l *RateLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.now().Add(-l.Window)
	for k, ts := range l.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(start) {
			delete(l.hits, k)
		}
	}
}

// Middleware applies the limit to /api/ paths only.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") && !l.Allow(clientIP(r)) {
			telemetry.RateLimited.Inc()
			writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
