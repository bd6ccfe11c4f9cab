package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"fleetwatch/internal/alerts"
	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/discovery"
	"fleetwatch/internal/liveness"
	"fleetwatch/internal/notifier"
	"fleetwatch/internal/retention"
	"fleetwatch/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db      *db.Repository
	alerts  *alerts.Engine
	cleaner *retention.Cleaner
	beacon  *discovery.Beacon
	limiter *web.RateLimiter

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	if cfg.APIKey == config.DefaultAPIKey {
		logger.Warn("AGENT_API_KEY is the built-in default; set a private key for production")
	}

	n := notifier.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID)
	// Credentials saved through the API win over the environment.
	if token, chatID, err := repo.LoadTelegramSettings(context.Background()); err != nil {
		logger.Warn("load telegram settings", "err", err)
	} else if token != "" || chatID != "" {
		n.Update(token, chatID)
	}
	hub := web.NewHub(logger.With("module", "stream"))
	resolver := alerts.NewResolver(repo)
	engine := alerts.NewEngine(repo, resolver, n, hub, logger.With("module", "alerts"))
	limiter := web.NewRateLimiter(cfg.RateLimit)

	w := web.NewServer(web.Options{
		Repo:     repo,
		Settings: resolver,
		Engine:   engine,
		Liveness: liveness.New(repo, cfg.StalenessWindow, logger.With("module", "liveness")),
		Hub:      hub,
		Notify:   n,
		Limiter:  limiter,
		APIKey:   cfg.APIKey,
	}, logger.With("module", "web"))

	a := &App{
		cfg:     cfg,
		log:     logger,
		db:      repo,
		alerts:  engine,
		cleaner: retention.NewCleaner(repo, cfg.RetentionHorizon, cfg.CleanupInterval, logger.With("module", "retention")),
		limiter: limiter,
	}
	if cfg.DiscoveryEnabled {
		a.beacon = discovery.NewBeacon(cfg.BeaconPort, cfg.PublicPort, cfg.BeaconInterval, logger.With("module", "discovery"))
	}
	a.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

// Run serves until ctx is done, then stops the background tasks and closes
// the store.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	a.alerts.Start(ctx)
	a.cleaner.Start(ctx)
	if a.beacon != nil {
		a.beacon.Start(ctx)
	}

	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errc:
			a.log.Error("http server failed", "err", err)
			runErr = err
			break loop
		case <-prune.C:
			a.limiter.Prune()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown", "err", err)
	}
	if a.beacon != nil {
		a.beacon.Stop()
	}
	a.cleaner.Stop()
	a.alerts.Stop()
	if err := a.db.DB().Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
