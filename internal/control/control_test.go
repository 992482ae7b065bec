package control

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/metrics"
	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
)

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()

	cfg := ServerConfig{
		SocketPath:   filepath.Join(t.TempDir(), "control.sock"),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Version:      "test",
	}
	module := bridge.New(registry.New(registry.DefaultConfig(), nil, nil), nil)
	s := NewServer(cfg, module, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	c := NewClient(cfg.SocketPath)
	t.Cleanup(func() {
		c.Close()
		s.Stop()
		module.Shutdown()
	})
	return s, c
}

func createBound(t *testing.T, c *Client) (int64, int) {
	t.Helper()
	ctx := context.Background()
	h, err := c.Create(ctx, "udp4")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	entry, err := c.Bind(ctx, h, BindRequest{Address: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if entry.Info.State != "BOUND" {
		t.Errorf("Bind() state = %s, want BOUND", entry.Info.State)
	}
	return h, entry.Info.LocalPort
}

func TestServer_StartStop(t *testing.T) {
	s, _ := startServer(t)

	if !s.IsRunning() {
		t.Error("server should be running")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("server should not be running after stop")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestClient_Status(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	createBound(t, c)
	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Running {
		t.Error("Status().Running = false, want true")
	}
	if status.Sockets != 1 {
		t.Errorf("Status().Sockets = %d, want 1", status.Sockets)
	}
	if status.Version != "test" {
		t.Errorf("Status().Version = %q, want test", status.Version)
	}
	if status.Host == nil || status.Host.OS != runtime.GOOS {
		t.Errorf("Status().Host = %+v, want OS %s", status.Host, runtime.GOOS)
	}
}

func TestClient_SendReceive(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	a, aPort := createBound(t, c)
	b, bPort := createBound(t, c)

	if err := c.Send(ctx, b, []byte("ping"), aPort, "127.0.0.1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msg, err := c.Receive(ctx, a, 5*time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg.Data != "cGluZw==" {
		t.Errorf("Receive().Data = %q, want %q", msg.Data, "cGluZw==")
	}
	if msg.Port != bPort {
		t.Errorf("Receive().Port = %d, want %d", msg.Port, bPort)
	}

	if err := c.Connect(ctx, b, aPort, "127.0.0.1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Send(ctx, b, []byte("again"), 0, ""); err != nil {
		t.Fatalf("Send(default destination) error = %v", err)
	}
	msg, err = c.Receive(ctx, a, 5*time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg.Data != "YWdhaW4=" {
		t.Errorf("Receive().Data = %q, want %q", msg.Data, "YWdhaW4=")
	}
}

func TestClient_ReceiveTimeout(t *testing.T) {
	_, c := startServer(t)
	h, _ := createBound(t, c)

	_, err := c.Receive(context.Background(), h, 50*time.Millisecond)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Receive() error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusRequestTimeout || apiErr.Code != CodeTimeout {
		t.Errorf("Receive() error = %d/%s, want 408/%s", apiErr.StatusCode, apiErr.Code, CodeTimeout)
	}
}

func TestClient_InvalidHandle(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	calls := map[string]func() error{
		"info":      func() error { _, err := c.Info(ctx, 42); return err },
		"bind":      func() error { _, err := c.Bind(ctx, 42, BindRequest{}); return err },
		"send":      func() error { return c.Send(ctx, 42, []byte("x"), 1, "127.0.0.1") },
		"receive":   func() error { _, err := c.Receive(ctx, 42, time.Second); return err },
		"broadcast": func() error { return c.SetBroadcast(ctx, 42, true) },
		"add":       func() error { return c.AddMembership(ctx, 42, "239.1.1.1") },
		"drop":      func() error { return c.DropMembership(ctx, 42, "239.1.1.1") },
		"close":     func() error { return c.CloseSocket(ctx, 42) },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			if !IsNotFound(err) {
				t.Fatalf("error = %v, want not found", err)
			}
			var apiErr *APIError
			errors.As(err, &apiErr)
			if apiErr.Code != "invalid_handle" {
				t.Errorf("Code = %q, want invalid_handle", apiErr.Code)
			}
		})
	}
}

func TestClient_Errors(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	if _, err := c.Create(ctx, "tcp"); err == nil || !strings.Contains(err.Error(), "config") {
		t.Errorf("Create(tcp) error = %v, want config error", err)
	}

	h, _ := createBound(t, c)
	_, err := c.Bind(ctx, h, BindRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "bind" || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("second Bind() error = %v, want 400 bind", err)
	}

	err = c.DropMembership(ctx, h, "239.1.1.1")
	if !errors.As(err, &apiErr) || apiErr.Code != "multicast" {
		t.Errorf("DropMembership(not joined) error = %v, want multicast", err)
	}
}

func TestClient_CloseAndReset(t *testing.T) {
	_, c := startServer(t)
	ctx := context.Background()

	a, _ := createBound(t, c)
	createBound(t, c)
	createBound(t, c)

	if err := c.CloseSocket(ctx, a); err != nil {
		t.Fatalf("CloseSocket() error = %v", err)
	}
	list, err := c.Sockets(ctx)
	if err != nil {
		t.Fatalf("Sockets() error = %v", err)
	}
	if len(list.Sockets) != 2 {
		t.Errorf("Sockets() len = %d, want 2", len(list.Sockets))
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	list, _ = c.Sockets(ctx)
	if len(list.Sockets) != 0 {
		t.Errorf("Sockets() after reset len = %d, want 0", len(list.Sockets))
	}
}

func TestClient_Stream(t *testing.T) {
	_, c := startServer(t)

	a, aPort := createBound(t, c)
	b, _ := createBound(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Message, 2)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, a, func(m *Message) error {
			got <- m
			if len(got) == 2 {
				return errStop
			}
			return nil
		})
	}()

	// Give the stream time to start receiving.
	time.Sleep(100 * time.Millisecond)
	for _, p := range []string{"one", "two"} {
		if err := c.Send(ctx, b, []byte(p), aPort, "127.0.0.1"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("Stream() error = %v, want errStop", err)
		}
	case <-ctx.Done():
		t.Fatal("stream did not deliver two messages")
	}
	first := <-got
	if first.Data != "b25l" {
		t.Errorf("first message = %q, want %q", first.Data, "b25l")
	}
}

func TestClient_StreamSurvivesReceiveTimeout(t *testing.T) {
	_, c := startServer(t)

	a, aPort := createBound(t, c)
	b, _ := createBound(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, a, func(m *Message) error {
			got <- m
			return errStop
		})
	}()
	time.Sleep(100 * time.Millisecond)

	// A long-poll on the same handle times out while the stream is open.
	if _, err := c.Receive(ctx, a, 50*time.Millisecond); err == nil {
		t.Fatal("Receive() error = nil, want timeout")
	}

	select {
	case err := <-done:
		t.Fatalf("Stream() ended after a receive timeout on the same handle: %v", err)
	default:
	}

	if err := c.Send(ctx, b, []byte("after"), aPort, "127.0.0.1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, errStop) {
			t.Fatalf("Stream() error = %v, want errStop", err)
		}
	case <-ctx.Done():
		t.Fatal("stream did not deliver the message")
	}
	if m := <-got; m.Data != "YWZ0ZXI=" {
		t.Errorf("stream message = %q, want %q", m.Data, "YWZ0ZXI=")
	}
}

var errStop = errors.New("stop")

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&socket.Error{Kind: socket.KindInvalidHandle, Err: socket.ErrInvalidHandle}, http.StatusNotFound},
		{&socket.Error{Kind: socket.KindBind, Err: socket.ErrAlreadyBound}, http.StatusBadRequest},
		{&socket.Error{Kind: socket.KindConfig, Err: registry.ErrSocketLimit}, http.StatusTooManyRequests},
		{&socket.Error{Kind: socket.KindReceive, Err: context.DeadlineExceeded}, http.StatusRequestTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHandler_Metrics(t *testing.T) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := DefaultServerConfig()
	cfg.Metrics = m
	s := NewServer(cfg, bridge.New(registry.New(registry.DefaultConfig(), nil, nil), nil), nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sockets")
	if err != nil {
		t.Fatalf("GET /sockets error = %v", err)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/sockets/abc/bind", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST bind error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST /sockets/abc/bind status = %d, want 404", resp.StatusCode)
	}

	if got := testutil.ToFloat64(m.ControlRequests.WithLabelValues("GET /sockets", "200")); got != 1 {
		t.Errorf("ControlRequests{GET /sockets,200} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ControlRequests.WithLabelValues("POST /sockets/{handle}/bind", "404")); got != 1 {
		t.Errorf("ControlRequests{bind,404} = %v, want 1", got)
	}
}
