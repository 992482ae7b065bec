// Package control provides a Unix socket control interface for udpturbo.
//
// The server exposes the socket registry as a small JSON API. Payloads are
// base64 encoded, handles are the registry's integer handles and every error
// is returned as an ErrorResponse carrying the socket error kind.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/logging"
	"github.com/postalsys/udpturbo/internal/metrics"
	"github.com/postalsys/udpturbo/internal/recovery"
	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
	"github.com/postalsys/udpturbo/internal/sysinfo"
)

const (
	defaultReceiveTimeout = 30 * time.Second
	maxReceiveTimeout     = 5 * time.Minute
	maxRequestBody        = 1 << 20
)

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes. Receive and stream requests extend it.
	WriteTimeout time.Duration

	// Version is reported by /status.
	Version string

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./udpturbo.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands. Socket operations
// go through the bridge module and are answered when their promise settles.
type Server struct {
	cfg      ServerConfig
	module   *bridge.Module
	registry *registry.Registry
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
	started  time.Time
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, module *bridge.Module, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		module:   module,
		registry: module.Registry(),
		logger:   logging.ForComponent(logger, "control"),
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the API handler. It is exported for tests and for serving
// the API on another listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sockets", s.handleList)
	mux.HandleFunc("POST /sockets", s.handleCreate)
	mux.HandleFunc("GET /sockets/{handle}", s.handleInfo)
	mux.HandleFunc("DELETE /sockets/{handle}", s.handleClose)
	mux.HandleFunc("POST /sockets/{handle}/bind", s.handleBind)
	mux.HandleFunc("POST /sockets/{handle}/connect", s.handleConnect)
	mux.HandleFunc("POST /sockets/{handle}/send", s.handleSend)
	mux.HandleFunc("POST /sockets/{handle}/receive", s.handleReceive)
	mux.HandleFunc("GET /sockets/{handle}/stream", s.handleStream)
	mux.HandleFunc("POST /sockets/{handle}/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /sockets/{handle}/membership", s.handleAddMembership)
	mux.HandleFunc("DELETE /sockets/{handle}/membership", s.handleDropMembership)
	mux.HandleFunc("POST /reset", s.handleReset)
	return s.instrument(mux)
}

// Start starts the control server.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.started = time.Now()
	s.running.Store(true)

	go func() {
		defer recovery.RecoverWithLog(s.logger, "control.Serve")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server stopped", slog.String(logging.KeyError, err.Error()))
		}
	}()

	s.logger.Info("control server listening", slog.String(logging.KeyPath, s.cfg.SocketPath))
	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("control request failed", slog.String(logging.KeyError, err.Error()))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func writeBadRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf(format, args...), Code: CodeBadRequest})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// await runs call with a fresh promise and waits for it to settle. Every
// module call settles its promise, so this only blocks for as long as the
// operation itself.
func await(call func(bridge.Promise)) (any, error) {
	p := bridge.NewPromise()
	call(p)
	r := <-p.Done()
	return r.Value, r.Err
}

// handle parses the {handle} path value, writing a 404 on failure.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) (registry.Handle, bool) {
	h, err := registry.ParseHandle(r.PathValue("handle"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: socket.KindInvalidHandle.String()})
		return 0, false
	}
	return h, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lock := s.registry.Lock()
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:           s.cfg.Version,
		Running:           s.IsRunning(),
		Uptime:            time.Since(s.started).Truncate(time.Second).String(),
		Sockets:           s.registry.Len(),
		MulticastLockHeld: lock.IsHeld(),
		MulticastLockRefs: lock.Count(),
		Host:              sysinfo.Collect(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SocketsResponse{Sockets: s.registry.List()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	h, err := s.module.CreateSocket(bridge.CreateOptions{Type: req.Type})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{Handle: h})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	entry, err := s.registry.Info(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	if _, err := await(func(p bridge.Promise) { s.module.Close(int64(h), p) }); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var req BindRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	_, err := await(func(p bridge.Promise) {
		s.module.Bind(int64(h), req.Port, req.Address, bridge.BindOptions{ReuseAddress: req.ReuseAddress}, p)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.registry.Info(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var req DestinationRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if err := s.registry.SetDefaultDestination(h, req.Port, req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	_, err := await(func(p bridge.Promise) {
		s.module.SendBase64Context(r.Context(), int64(h), req.Data, req.Port, req.Address, p)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var req ReceiveRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}

	timeout := defaultReceiveTimeout
	if req.TimeoutMS > 0 {
		timeout = min(time.Duration(req.TimeoutMS)*time.Millisecond, maxReceiveTimeout)
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(timeout + s.cfg.WriteTimeout))

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	v, err := await(func(p bridge.Promise) { s.module.ReceiveFromContext(ctx, int64(h), p) })
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.(*Message))
}

// handleStream upgrades to a WebSocket and forwards every datagram received
// on the socket as a JSON Message until either side closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	if _, err := s.registry.Info(h); err != nil {
		s.writeError(w, err)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"udpturbo-stream"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String(logging.KeyError, err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		v, err := await(func(p bridge.Promise) { s.module.ReceiveFromContext(ctx, int64(h), p) })
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			conn.Close(websocket.StatusGoingAway, err.Error())
			return
		}
		data, _ := json.Marshal(v.(*Message))
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var req BroadcastRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if _, err := await(func(p bridge.Promise) { s.module.SetBroadcast(int64(h), req.Enabled, p) }); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleAddMembership(w http.ResponseWriter, r *http.Request) {
	s.membership(w, r, s.module.AddMembership)
}

func (s *Server) handleDropMembership(w http.ResponseWriter, r *http.Request) {
	s.membership(w, r, s.module.DropMembership)
}

func (s *Server) membership(w http.ResponseWriter, r *http.Request, op func(int64, string, bridge.Promise)) {
	h, ok := s.handle(w, r)
	if !ok {
		return
	}
	var req MembershipRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, "invalid request body: %v", err)
		return
	}
	if req.Group == "" {
		writeBadRequest(w, "group is required")
		return
	}
	if _, err := await(func(p bridge.Promise) { op(int64(h), req.Group, p) }); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if _, err := await(s.module.Reset); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: socket.KindClose.String()})
		return
	}
	writeOK(w)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the WebSocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Metrics.RecordControlRequest(route, status)
	})
}
