package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const DefaultScanTimeout = 10 * time.Second

// ErrNotFound covers every way a scan can come back empty handed: timeout,
// cancellation or a malformed datagram.
var ErrNotFound = errors.New("collector not found")

// Scan waits for one beacon on port and returns the advertised server URL.
// The first datagram wins; with several collectors on a subnet the result is
// whichever beacon arrived first.
func Scan(ctx context.Context, port int, timeout time.Duration, logger *slog.Logger) (string, error) {
	p, err := ScanPayload(ctx, port, timeout, logger)
	if err != nil {
		return "", err
	}
	return p.ServerURL, nil
}

func ScanPayload(ctx context.Context, port int, timeout time.Duration, logger *slog.Logger) (Payload, error) {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error("discovery listen", "port", port, "err", err)
		return Payload{}, ErrNotFound
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	// Unblock the read when the caller gives up early.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	logger.Info("scanning for collector", "port", port, "timeout", timeout)
	buf := make([]byte, 1024)
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		logger.Warn("discovery timed out", "err", err)
		return Payload{}, ErrNotFound
	}
	p, err := decode(buf[:n])
	if err != nil {
		logger.Warn("malformed beacon", "from", from.String(), "err", err)
		return Payload{}, ErrNotFound
	}
	logger.Info("beacon received", "from", from.String(), "server_url", p.ServerURL, "hostname", p.Hostname)
	return p, nil
}
