package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/config"
	"github.com/postalsys/udpturbo/internal/control"
	"github.com/postalsys/udpturbo/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Control.SocketPath = filepath.Join(t.TempDir(), "udpturbo.sock")
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"
	return cfg
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MulticastLock.Platform = "android"
	if _, err := NewWithLogger(cfg, "test", logging.NopLogger()); err == nil {
		t.Error("NewWithLogger() error = nil, want validation error")
	}
}

func TestDaemon_StartStop(t *testing.T) {
	d, err := NewWithLogger(testConfig(t), "test", logging.NopLogger())
	if err != nil {
		t.Fatalf("NewWithLogger() error = %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !d.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := d.Start(); err == nil {
		t.Error("second Start() error = nil, want error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.StopWithContext(ctx); err != nil {
		t.Fatalf("StopWithContext() error = %v", err)
	}
	if d.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestDaemon_ControlAndHealth(t *testing.T) {
	d, err := NewWithLogger(testConfig(t), "test", logging.NopLogger())
	if err != nil {
		t.Fatalf("NewWithLogger() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop()

	ctx := context.Background()
	c := control.NewClient(d.ControlSocket())
	defer c.Close()

	h, err := c.Create(ctx, "udp4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := c.Bind(ctx, h, control.BindRequest{Address: "127.0.0.1"}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	stats := d.Stats()
	if stats.Sockets != 1 || stats.BoundSockets != 1 {
		t.Errorf("Stats() = %+v, want 1 socket bound", stats)
	}
	if !stats.ControlRunning {
		t.Error("Stats().ControlRunning = false")
	}

	base := "http://" + d.HealthAddress().String()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if body["sockets"] != float64(1) {
		t.Errorf("/healthz sockets = %v, want 1", body["sockets"])
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"udpturbo_sockets_active 1", "go_goroutines"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestDaemon_StopClosesSockets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.Enabled = false
	d, err := NewWithLogger(cfg, "test", logging.NopLogger())
	if err != nil {
		t.Fatalf("NewWithLogger() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := d.Module().CreateSocket(bridge.CreateOptions{Type: "udp4"}); err != nil {
			t.Fatalf("CreateSocket() error = %v", err)
		}
	}
	if got := d.Registry().Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := d.Registry().Len(); got != 0 {
		t.Errorf("Len() after Stop = %d, want 0", got)
	}
	if d.HealthAddress() != nil {
		t.Error("HealthAddress() != nil with health disabled")
	}
}
