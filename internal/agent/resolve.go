package agent

import (
	"context"
	"log/slog"
	"time"
)

var scanPause = time.Second

// ScanFunc listens for one collector beacon.
type ScanFunc func(ctx context.Context, port int, timeout time.Duration) (string, error)

// ResolveServerURL returns configured when set. Otherwise it scans for a
// beacon until one arrives or ctx ends.
func ResolveServerURL(ctx context.Context, configured string, port int, timeout time.Duration, scan ScanFunc, logger *slog.Logger) (string, error) {
	if configured != "" {
		return configured, nil
	}
	for {
		logger.Info("scanning for collector beacon", "port", port, "timeout", timeout)
		url, err := scan(ctx, port, timeout)
		if err == nil {
			logger.Info("collector discovered", "server_url", url)
			return url, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn("no collector beacon received", "err", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(scanPause):
		}
	}
}
