package discovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanReceivesBeacon(t *testing.T) {
	port := freeUDPPort(t)
	b := NewBeacon(port, 8000, 20*time.Millisecond, discard())
	b.Target = fmt.Sprintf("127.0.0.1:%d", port)
	b.localIP = func() string { return "192.168.1.20" }
	b.hostname = func() (string, error) { return "collector-1", nil }
	b.Start(context.Background())
	defer b.Stop()

	p, err := ScanPayload(context.Background(), port, 2*time.Second, discard())
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:8000/api/v1", p.ServerURL)
	assert.Equal(t, "collector-1", p.Hostname)
}

func TestScanTimesOut(t *testing.T) {
	port := freeUDPPort(t)
	start := time.Now()
	url, err := Scan(context.Background(), port, 100*time.Millisecond, discard())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, url)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScanHonorsCancellation(t *testing.T) {
	port := freeUDPPort(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Scan(ctx, port, 10*time.Second, discard())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestScanRejectsMalformedPayload(t *testing.T) {
	port := freeUDPPort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return
		}
		defer conn.Close()
		for ctx.Err() == nil {
			_, _ = conn.Write([]byte("not json"))
			time.Sleep(20 * time.Millisecond)
		}
	}()
	_, err := Scan(ctx, port, 2*time.Second, discard())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecode(t *testing.T) {
	p, err := decode([]byte(`{"server_url":"http://10.0.0.2:8000/api/v1","hostname":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8000/api/v1", p.ServerURL)

	_, err = decode([]byte(`{"hostname":"c"}`))
	assert.Error(t, err)
	_, err = decode([]byte(`{`))
	assert.Error(t, err)
}

func TestBeaconStopIsIdempotent(t *testing.T) {
	b := NewBeacon(freeUDPPort(t), 8000, time.Hour, discard())
	b.Target = "127.0.0.1:9"
	b.Start(context.Background())
	b.Stop()
	b.Stop()
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
