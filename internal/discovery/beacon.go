package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	DefaultPort     = 54321
	DefaultInterval = 5 * time.Second

	probeAddr = "8.8.8.8:80"
)

// Payload is the single datagram a beacon sends per tick.
type Payload struct {
	ServerURL string `json:"server_url"`
	Hostname  string `json:"hostname"`
}

// Beacon periodically broadcasts the collector's API address on the local
// subnet. Send failures are logged and retried on the next tick.
type Beacon struct {
	Port     int
	APIPort  int
	Interval time.Duration
	// Target overrides the broadcast destination. Tests point it at loopback.
	Target string

	log      *slog.Logger
	localIP  func() string
	hostname func() (string, error)
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewBeacon(port, apiPort int, interval time.Duration, logger *slog.Logger) *Beacon {
	if port <= 0 {
		port = DefaultPort
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Beacon{Port: port, APIPort: apiPort, Interval: interval, log: logger, localIP: OutboundIP, hostname: os.Hostname}
}

// Start launches the broadcast loop in the background. Calling Start on a
// running beacon is a no-op.
func (b *Beacon) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	done := make(chan struct{})
	b.done = done
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (b *Beacon) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Beacon) Run(ctx context.Context) {
	b.log.Info("discovery beacon started", "port", b.Port, "interval", b.Interval)
	defer b.log.Info("discovery beacon stopped")

	t := time.NewTicker(b.Interval)
	defer t.Stop()
	for {
		if err := b.Broadcast(); err != nil {
			b.log.Warn("beacon broadcast", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Broadcast sends one beacon datagram.
func (b *Beacon) Broadcast() error {
	data, err := json.Marshal(b.payload())
	if err != nil {
		return err
	}
	target := b.Target
	if target == "" {
		target = fmt.Sprintf("255.255.255.255:%d", b.Port)
	}
	raddr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return fmt.Errorf("resolve broadcast addr: %w", err)
	}
	conn, err := listenBroadcast()
	if err != nil {
		return fmt.Errorf("open broadcast socket: %w", err)
	}
	defer conn.Close()
	if _, err := conn.WriteTo(data, raddr); err != nil {
		return fmt.Errorf("send beacon: %w", err)
	}
	return nil
}

func (b *Beacon) payload() Payload {
	host, err := b.hostname()
	if err != nil {
		host = "unknown"
	}
	return Payload{
		ServerURL: fmt.Sprintf("http://%s/api/v1", net.JoinHostPort(b.localIP(), fmt.Sprint(b.APIPort))),
		Hostname:  host,
	}
}

func listenBroadcast() (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.ListenPacket(context.Background(), "udp4", ":0")
}

// OutboundIP reports the local address the kernel would route external
// traffic from. Connecting a UDP socket sends nothing.
func OutboundIP() string {
	conn, err := net.Dial("udp4", probeAddr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, err
	}
	if p.ServerURL == "" {
		return Payload{}, errors.New("beacon without server_url")
	}
	return p, nil
}
