package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/db"
	"fleetwatch/internal/liveness"
	"fleetwatch/internal/models"
	"fleetwatch/internal/notifier"
	"fleetwatch/internal/telemetry"
)

// Evaluator accepts stored samples for asynchronous alert evaluation.
type Evaluator interface {
	Submit(m models.Metric)
}

type Server struct {
	repo     *db.Repository
	settings *alerts.Resolver
	engine   Evaluator
	live     *liveness.Classifier
	hub      *Hub
	notify   *notifier.Telegram
	limiter  *RateLimiter
	apiKey   string
	log      *slog.Logger
	now      func() time.Time
}

type Options struct {
	Repo     *db.Repository
	Settings *alerts.Resolver
	Engine   Evaluator
	Liveness *liveness.Classifier
	Hub      *Hub
	Notify   *notifier.Telegram
	Limiter  *RateLimiter
	APIKey   string
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	return &Server{
		repo:     opts.Repo,
		settings: opts.Settings,
		engine:   opts.Engine,
		live:     opts.Liveness,
		hub:      opts.Hub,
		notify:   opts.Notify,
		limiter:  opts.Limiter,
		apiKey:   opts.APIKey,
		log:      logger,
		now:      time.Now,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/systems/register", s.requireAPIKey(s.handleRegister))
	mux.HandleFunc("GET /api/v1/systems", s.handleListSystems)
	mux.HandleFunc("GET /api/v1/systems/{id}", s.handleGetSystem)
	mux.HandleFunc("DELETE /api/v1/systems/{id}", s.requireAPIKey(s.handleDeleteSystem))
	mux.HandleFunc("POST /api/v1/metrics", s.requireAPIKey(s.handleIngestMetric))
	mux.HandleFunc("GET /api/v1/metrics/{system_id}", s.handleMetricHistory)
	mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	mux.HandleFunc("PUT /api/v1/alerts/{id}/resolve", s.handleResolveAlert)
	mux.HandleFunc("GET /api/v1/alerts/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/v1/alerts/settings", s.handlePutSettings)
	if s.hub != nil {
		mux.HandleFunc("GET /api/v1/alerts/stream", s.hub.ServeWS)
	}
	if s.notify != nil {
		mux.HandleFunc("GET /api/v1/notifications/telegram", s.handleGetTelegram)
		mux.HandleFunc("PUT /api/v1/notifications/telegram", s.requireAPIKey(s.handlePutTelegram))
		mux.HandleFunc("POST /api/v1/notifications/telegram/test", s.requireAPIKey(s.handleTestTelegram))
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return logMiddleware(h, s.log)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var info models.SystemInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	info.Hostname = strings.TrimSpace(info.Hostname)
	if info.Hostname == "" {
		writeError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	sys, err := s.repo.UpsertSystem(r.Context(), info, s.now())
	if err != nil {
		s.fail(w, err, "")
		return
	}
	telemetry.Registrations.Inc()
	s.log.Info("system registered", "system_id", sys.ID, "hostname", sys.Hostname)
	writeJSON(w, http.StatusOK, sys)
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	if err := s.live.Sweep(r.Context()); err != nil {
		s.log.Error("liveness sweep failed", "err", err)
	}
	systems, err := s.repo.ListSystems(r.Context(), skip, limit)
	if err != nil {
		s.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, systems)
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	sys, err := s.repo.GetSystem(r.Context(), id)
	if err != nil {
		s.fail(w, err, "System not found")
		return
	}
	sys, err = s.live.Refresh(r.Context(), sys)
	if err != nil {
		s.fail(w, err, "System not found")
		return
	}
	writeJSON(w, http.StatusOK, sys)
}

func (s *Server) handleDeleteSystem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.repo.DeleteSystem(r.Context(), id); err != nil {
		s.fail(w, err, "System not found")
		return
	}
	s.log.Info("system deleted", "system_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestMetric(w http.ResponseWriter, r *http.Request) {
	var m models.Metric
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	now := s.now().UTC()
	id, err := s.repo.IngestMetric(r.Context(), m, now)
	switch {
	case errors.Is(err, db.ErrNotFound):
		telemetry.MetricsIngested.WithLabelValues("unknown_system").Inc()
		writeError(w, http.StatusNotFound, "System not found")
		return
	case err != nil:
		telemetry.MetricsIngested.WithLabelValues("error").Inc()
		s.fail(w, err, "")
		return
	}
	telemetry.MetricsIngested.WithLabelValues("stored").Inc()
	m.ID, m.TS = id, now
	if s.engine != nil {
		s.engine.Submit(m)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": "stored"})
}

func (s *Server) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "system_id")
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 100)
	if !ok {
		return
	}
	metrics, err := s.repo.RecentMetrics(r.Context(), id, limit)
	if err != nil {
		s.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	resolved := false
	if v := r.URL.Query().Get("is_resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "is_resolved must be a boolean")
			return
		}
		resolved = b
	}
	list, err := s.repo.ListAlerts(r.Context(), resolved, skip, limit)
	if err != nil {
		s.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	a, err := s.repo.ResolveAlert(r.Context(), id, s.now())
	if err != nil {
		s.fail(w, err, "Alert not found")
		return
	}
	s.log.Info("alert resolved", "alert_id", a.ID, "system_id", a.SystemID)
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	var (
		out models.AlertSettings
		err error
	)
	if v := r.URL.Query().Get("system_id"); v != "" {
		id, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "system_id must be a positive integer")
			return
		}
		out, err = s.settings.Effective(r.Context(), id)
	} else {
		out, err = s.settings.Global(r.Context())
	}
	if err != nil {
		s.fail(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type settingsRequest struct {
	SystemID *int64   `json:"system_id"`
	CPU      *float64 `json:"cpu_threshold"`
	Memory   *float64 `json:"memory_threshold"`
	Disk     *float64 `json:"disk_threshold"`
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CPU == nil || req.Memory == nil || req.Disk == nil {
		writeError(w, http.StatusBadRequest, "cpu_threshold, memory_threshold and disk_threshold are required")
		return
	}
	out, err := s.settings.Update(r.Context(), req.SystemID, models.Thresholds{CPU: *req.CPU, Memory: *req.Memory, Disk: *req.Disk})
	if err != nil {
		s.fail(w, err, "System not found")
		return
	}
	s.log.Info("alert settings updated", "system_id", req.SystemID)
	writeJSON(w, http.StatusOK, out)
}

type telegramRequest struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// The bot token is write-only.
func (s *Server) telegramStatus() map[string]any {
	return map[string]any{"enabled": s.notify.Enabled(), "chat_id": s.notify.ChatID()}
}

func (s *Server) handleGetTelegram(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.telegramStatus())
}

func (s *Server) handlePutTelegram(w http.ResponseWriter, r *http.Request) {
	var req telegramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, chatID := strings.TrimSpace(req.BotToken), strings.TrimSpace(req.ChatID)
	if err := s.repo.SaveTelegramSettings(r.Context(), token, chatID); err != nil {
		s.fail(w, err, "")
		return
	}
	s.notify.Update(token, chatID)
	s.log.Info("telegram settings updated", "enabled", s.notify.Enabled())
	writeJSON(w, http.StatusOK, s.telegramStatus())
}

func (s *Server) handleTestTelegram(w http.ResponseWriter, r *http.Request) {
	err := s.notify.Send(r.Context(), "Fleetwatch test alert: Telegram integration is working")
	switch {
	case errors.Is(err, notifier.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, "Telegram is not configured")
		return
	case err != nil:
		s.log.Warn("telegram test failed", "err", err)
		writeError(w, http.StatusBadGateway, "Telegram delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// fail maps err onto a status code. notFound is the detail used for
// db.ErrNotFound.
func (s *Server) fail(w http.ResponseWriter, err error, notFound string) {
	var verr *alerts.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, db.ErrNotFound) && notFound != "":
		writeError(w, http.StatusNotFound, notFound)
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, d int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return d, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func pageParams(w http.ResponseWriter, r *http.Request) (skip, limit int, ok bool) {
	if skip, ok = queryInt(w, r, "skip", 0); !ok {
		return 0, 0, false
	}
	if limit, ok = queryInt(w, r, "limit", 100); !ok {
		return 0, 0, false
	}
	return skip, limit, true
}
