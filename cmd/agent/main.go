package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetwatch/internal/agent"
	"fleetwatch/internal/config"
	"fleetwatch/internal/discovery"
	"fleetwatch/internal/models"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to agent settings file (YAML)")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dlog := logger.With("module", "discovery")
	scan := func(ctx context.Context, port int, timeout time.Duration) (string, error) {
		return discovery.Scan(ctx, port, timeout, dlog)
	}
	url, err := agent.ResolveServerURL(ctx, cfg.ServerURL, cfg.DiscoveryPort, cfg.DiscoveryTimeout, scan, dlog)
	if err != nil {
		logger.Info("agent stopped before a collector was found")
		return
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = url
		if err := config.SaveAgent(*configPath, cfg); err != nil {
			logger.Warn("persist discovered server url", "err", err)
		}
	}

	logger.Info("starting fleetwatch agent", "server_url", cfg.ServerURL, "interval", cfg.PollInterval)
	client := agent.NewClient(cfg.ServerURL, cfg.APIKey)
	identity := func(ctx context.Context) (models.SystemInfo, error) {
		return agent.Identity(ctx, cfg.UserLabel)
	}
	hb := agent.NewHeartbeat(client, agent.NewSampler(), identity, cfg.PollInterval, logger.With("module", "heartbeat"))

	go func() {
		for ev := range hb.Events() {
			logger.Debug("heartbeat", "state", ev.State.String(), "system_id", ev.SystemID, "sent", ev.Sent, "failed", ev.Failed)
		}
	}()

	if err := hb.Run(ctx); err != nil {
		logger.Error("heartbeat", "err", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}
