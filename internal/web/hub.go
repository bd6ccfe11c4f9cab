package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetwatch/internal/models"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamBuffer       = 32
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans newly raised alerts out to connected dashboards. A subscriber
// that falls behind loses alerts rather than blocking the engine.
type Hub struct {
	log  *slog.Logger
	mu   sync.Mutex
	subs map[chan models.Alert]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{log: logger, subs: make(map[chan models.Alert]struct{})}
}

func (h *Hub) Publish(a models.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- a:
		default:
			h.log.Warn("alert stream subscriber lagging, alert dropped", "alert_id", a.ID)
		}
	}
}

func (h *Hub) subscribe() chan models.Alert {
	ch := make(chan models.Alert, streamBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan models.Alert) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case a := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(a); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
