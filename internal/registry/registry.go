// Package registry maps integer handles to socket clients and keeps the
// multicast wake lock in step with multicast membership.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/postalsys/udpturbo/internal/logging"
	"github.com/postalsys/udpturbo/internal/metrics"
	"github.com/postalsys/udpturbo/internal/socket"
	"github.com/postalsys/udpturbo/internal/wakelock"
)

// Handle identifies a registered socket. Handles are allocated from a
// counter and never reused within the lifetime of a Registry.
type Handle int64

// ParseHandle parses the decimal form of a handle.
func ParseHandle(s string) (Handle, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid handle %q", s)
	}
	return Handle(n), nil
}

// ErrSocketLimit is returned by CreateSocket when MaxSockets is reached.
var ErrSocketLimit = errors.New("socket limit reached")

// Socket is the client behaviour the registry delegates to.
// *socket.Client implements it.
type Socket interface {
	Family() socket.Family
	Bind(port int, address string, opts socket.BindOptions) error
	SetDefaultDestination(port int, address string) error
	Send(ctx context.Context, payload []byte, port int, address string) error
	Receive(ctx context.Context) (*socket.Datagram, error)
	SetBroadcast(flag bool) error
	AddMembership(group string) error
	DropMembership(group string) error
	IsMulticast() bool
	Memberships() []string
	Info() socket.Info
	Close() error
}

// Factory builds the client behind a new handle.
type Factory func(opts socket.Options, logger *slog.Logger) Socket

// NewClient is the default Factory.
func NewClient(opts socket.Options, logger *slog.Logger) Socket {
	return socket.NewClient(opts, logger)
}

// Config holds configuration for the registry.
type Config struct {
	// Defaults are the options applied to every new socket; the family is
	// replaced by the one requested.
	Defaults socket.Options

	// MaxSockets limits concurrently registered sockets.
	// 0 means unlimited.
	MaxSockets int

	// ReuseAddress forces SO_REUSEADDR on every bind.
	ReuseAddress bool

	// Factory creates clients. Nil means NewClient.
	Factory Factory

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Defaults:   socket.DefaultOptions(),
		MaxSockets: 1024,
	}
}

// Entry is a listing row.
type Entry struct {
	Handle  Handle      `json:"handle"`
	Created time.Time   `json:"created"`
	Info    socket.Info `json:"info"`
}

type entry struct {
	// mu serializes every operation except Receive so that multicast
	// transitions and close observe a consistent membership state.
	mu      sync.Mutex
	handle  Handle
	client  Socket
	created time.Time
}

// Registry owns all live sockets.
type Registry struct {
	mu      sync.RWMutex
	entries map[Handle]*entry
	next    Handle

	cfg     Config
	lock    *wakelock.Coordinator
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a registry. lock is required; it is shared by every socket.
func New(cfg Config, lock *wakelock.Coordinator, logger *slog.Logger) *Registry {
	if cfg.Factory == nil {
		cfg.Factory = NewClient
	}
	if cfg.Defaults.Family == "" {
		cfg.Defaults.Family = socket.FamilyUDP4
	}
	if lock == nil {
		lock = wakelock.New(nil, logger)
	}
	return &Registry{
		entries: make(map[Handle]*entry),
		cfg:     cfg,
		lock:    lock,
		metrics: cfg.Metrics,
		logger:  logging.ForComponent(logger, "registry"),
	}
}

// Lock returns the coordinator shared by the registry's sockets.
func (r *Registry) Lock() *wakelock.Coordinator {
	return r.lock
}

// CreateSocket registers a new unbound socket of the given family using the
// registry defaults.
func (r *Registry) CreateSocket(family socket.Family) (Handle, error) {
	opts := r.cfg.Defaults
	opts.Family = family
	return r.CreateSocketWithOptions(opts)
}

// CreateSocketWithOptions registers a new unbound socket with explicit
// options.
func (r *Registry) CreateSocketWithOptions(opts socket.Options) (Handle, error) {
	if opts.Family == "" {
		opts.Family = socket.FamilyUDP4
	}
	if _, err := socket.ParseFamily(string(opts.Family)); err != nil {
		return 0, &socket.Error{Kind: socket.KindConfig, Op: "create", Err: err}
	}

	r.mu.Lock()
	if r.cfg.MaxSockets > 0 && len(r.entries) >= r.cfg.MaxSockets {
		r.mu.Unlock()
		r.metrics.RecordError(socket.KindConfig.String(), "create")
		return 0, &socket.Error{Kind: socket.KindConfig, Op: "create", Err: ErrSocketLimit}
	}
	r.next++
	h := r.next
	client := r.cfg.Factory(opts, r.logger.With(slog.Int64(logging.KeyHandle, int64(h))))
	r.entries[h] = &entry{handle: h, client: client, created: time.Now()}
	r.mu.Unlock()

	r.metrics.RecordSocketCreated(string(opts.Family))
	r.logger.Debug("socket created",
		slog.Int64(logging.KeyHandle, int64(h)),
		slog.String(logging.KeyFamily, string(opts.Family)))
	return h, nil
}

func (r *Registry) lookup(h Handle, op string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[h]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordError(socket.KindInvalidHandle.String(), op)
		return nil, &socket.Error{
			Kind: socket.KindInvalidHandle,
			Op:   op,
			Err:  fmt.Errorf("handle %d: %w", h, socket.ErrInvalidHandle),
		}
	}
	return e, nil
}

// observe records a failed client operation. The error is returned unchanged.
func (r *Registry) observe(op string, err error) error {
	if err != nil {
		r.metrics.RecordError(socket.KindOf(err).String(), op)
	}
	return err
}

// Bind binds the socket behind h.
func (r *Registry) Bind(h Handle, port int, address string, opts socket.BindOptions) error {
	e, err := r.lookup(h, "bind")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.cfg.ReuseAddress {
		opts.ReuseAddress = true
	}
	if err := e.client.Bind(port, address, opts); err != nil {
		return r.observe("bind", err)
	}
	info := e.client.Info()
	r.logger.Info("socket bound",
		slog.Int64(logging.KeyHandle, int64(h)),
		slog.String(logging.KeyLocalAddr, net.JoinHostPort(info.LocalAddress, strconv.Itoa(info.LocalPort))))
	return nil
}

// SetDefaultDestination sets the destination used by Send with an empty
// address.
func (r *Registry) SetDefaultDestination(h Handle, port int, address string) error {
	e, err := r.lookup(h, "connect")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.observe("connect", e.client.SetDefaultDestination(port, address))
}

// Send transmits one datagram from the socket behind h.
func (r *Registry) Send(ctx context.Context, h Handle, payload []byte, port int, address string) error {
	e, err := r.lookup(h, "send")
	if err != nil {
		return err
	}
	// Send may wait on the rate limiter; the entry lock is not held so that
	// other operations on the handle are not stalled behind it.
	if err := e.client.Send(ctx, payload, port, address); err != nil {
		return r.observe("send", err)
	}
	r.metrics.RecordSend(string(e.client.Family()), len(payload))
	return nil
}

// Receive blocks until a datagram arrives on the socket behind h, the socket
// is closed, or ctx is done. No registry lock is held while waiting.
func (r *Registry) Receive(ctx context.Context, h Handle) (*socket.Datagram, error) {
	e, err := r.lookup(h, "receive")
	if err != nil {
		return nil, err
	}
	start := time.Now()
	d, err := e.client.Receive(ctx)
	if err != nil {
		return nil, r.observe("receive", err)
	}
	r.metrics.RecordReceive(string(e.client.Family()), len(d.Payload), time.Since(start).Seconds())
	return d, nil
}

// SetBroadcast toggles SO_BROADCAST on the socket behind h.
func (r *Registry) SetBroadcast(h Handle, flag bool) error {
	e, err := r.lookup(h, "set_broadcast")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.observe("set_broadcast", e.client.SetBroadcast(flag))
}

// AddMembership joins group on the socket behind h. The first membership of
// a socket takes a reference on the multicast lock.
func (r *Registry) AddMembership(h Handle, group string) error {
	e, err := r.lookup(h, "add_membership")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	wasMulticast := e.client.IsMulticast()
	before := len(e.client.Memberships())
	if err := e.client.AddMembership(group); err != nil {
		return r.observe("add_membership", err)
	}
	r.metrics.AddMemberships(len(e.client.Memberships()) - before)

	if !wasMulticast && e.client.IsMulticast() {
		r.acquireLock(h)
	}
	r.logger.Info("joined multicast group",
		slog.Int64(logging.KeyHandle, int64(h)),
		slog.String(logging.KeyGroup, group))
	return nil
}

// DropMembership leaves group on the socket behind h. Leaving the last group
// gives back the socket's reference on the multicast lock.
func (r *Registry) DropMembership(h Handle, group string) error {
	e, err := r.lookup(h, "drop_membership")
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	wasMulticast := e.client.IsMulticast()
	before := len(e.client.Memberships())
	if err := e.client.DropMembership(group); err != nil {
		return r.observe("drop_membership", err)
	}
	r.metrics.AddMemberships(len(e.client.Memberships()) - before)

	if wasMulticast && !e.client.IsMulticast() {
		r.releaseLock(h)
	}
	r.logger.Info("left multicast group",
		slog.Int64(logging.KeyHandle, int64(h)),
		slog.String(logging.KeyGroup, group))
	return nil
}

// Close closes the socket behind h and removes the handle. The handle is
// removed even when the OS close fails.
func (r *Registry) Close(h Handle) error {
	r.mu.Lock()
	e, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
	}
	r.mu.Unlock()
	if !ok {
		r.metrics.RecordError(socket.KindInvalidHandle.String(), "close")
		return &socket.Error{
			Kind: socket.KindInvalidHandle,
			Op:   "close",
			Err:  fmt.Errorf("handle %d: %w", h, socket.ErrInvalidHandle),
		}
	}

	err := r.closeEntry(e)
	r.metrics.RecordSocketClosed()
	r.logger.Debug("socket closed", slog.Int64(logging.KeyHandle, int64(h)))
	return r.observe("close", err)
}

// closeEntry gives back the lock reference if needed and closes the client.
func (r *Registry) closeEntry(e *entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client.IsMulticast() {
		r.metrics.AddMemberships(-len(e.client.Memberships()))
		r.releaseLock(e.handle)
	}
	return e.client.Close()
}

// Reset closes every socket and empties the registry. Every socket is
// attempted; the returned error aggregates all close failures in handle
// order, so the first failure comes first.
func (r *Registry) Reset() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[Handle]*entry)
	r.mu.Unlock()

	var errs error
	for _, h := range slices.Sorted(maps.Keys(entries)) {
		if err := r.closeEntry(entries[h]); err != nil {
			r.logger.Warn("close during reset failed",
				slog.Int64(logging.KeyHandle, int64(h)),
				slog.String(logging.KeyError, err.Error()))
			errs = multierr.Append(errs, fmt.Errorf("handle %d: %w", h, err))
		}
	}

	r.metrics.RecordReset(len(entries))
	r.logger.Info("registry reset", slog.Int(logging.KeyCount, len(entries)))
	return errs
}

// CloseAll resets the registry. It is used on daemon shutdown.
func (r *Registry) CloseAll() error {
	return r.Reset()
}

// Len returns the number of registered sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Handles returns the live handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// Info returns a snapshot of the socket behind h.
func (r *Registry) Info(h Handle) (Entry, error) {
	e, err := r.lookup(h, "info")
	if err != nil {
		return Entry{}, err
	}
	return Entry{Handle: h, Created: e.created, Info: e.client.Info()}, nil
}

// List returns a snapshot of every live socket in handle order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, h := range slices.Sorted(maps.Keys(r.entries)) {
		entries = append(entries, r.entries[h])
	}
	r.mu.RUnlock()

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{Handle: e.handle, Created: e.created, Info: e.client.Info()})
	}
	return out
}

func (r *Registry) acquireLock(h Handle) {
	if err := r.lock.Acquire(); err != nil {
		r.logger.Warn("multicast lock not acquired",
			slog.Int64(logging.KeyHandle, int64(h)),
			slog.String(logging.KeyError, err.Error()))
	}
}

func (r *Registry) releaseLock(h Handle) {
	if err := r.lock.Release(); err != nil {
		r.logger.Warn("multicast lock not released",
			slog.Int64(logging.KeyHandle, int64(h)),
			slog.String(logging.KeyError, err.Error()))
	}
}
