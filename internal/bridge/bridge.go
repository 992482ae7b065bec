// Package bridge adapts the socket registry to an asynchronous host boundary:
// integer handles in, promises out, payloads as base64 text.
//
// Every call settles its promise exactly once. Receive runs on its own
// goroutine so that a host event loop is never blocked on the network.
package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/postalsys/udpturbo/internal/logging"
	"github.com/postalsys/udpturbo/internal/recovery"
	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
)

// CreateOptions mirrors the host's createSocket options object.
type CreateOptions struct {
	Type string `json:"type"`
}

// BindOptions mirrors the host's bind options object.
type BindOptions struct {
	ReuseAddress bool `json:"reuseAddress"`
}

// Message is a received datagram in boundary form.
type Message struct {
	Data    string `json:"data"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Module is the boundary adapter.
type Module struct {
	registry *registry.Registry
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Module over reg.
func New(reg *registry.Registry, logger *slog.Logger) *Module {
	ctx, cancel := context.WithCancel(context.Background())
	return &Module{
		registry: reg,
		logger:   logging.ForComponent(logger, "bridge"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the registry behind the module.
func (m *Module) Registry() *registry.Registry {
	return m.registry
}

// CreateSocket registers a new socket and returns its handle synchronously.
func (m *Module) CreateSocket(opts CreateOptions) (int64, error) {
	family, err := socket.ParseFamily(opts.Type)
	if err != nil {
		return 0, &socket.Error{Kind: socket.KindConfig, Op: "create", Err: err}
	}
	h, err := m.registry.CreateSocket(family)
	if err != nil {
		return 0, err
	}
	return int64(h), nil
}

// settle resolves p with nil or rejects it with err.
func settle(p Promise, err error) {
	if err != nil {
		p.Reject(err)
		return
	}
	p.Resolve(nil)
}

func (m *Module) Bind(handle int64, port int, address string, opts BindOptions, p Promise) {
	settle(p, m.registry.Bind(registry.Handle(handle), port, address, socket.BindOptions{
		ReuseAddress: opts.ReuseAddress,
	}))
}

func (m *Module) Close(handle int64, p Promise) {
	settle(p, m.registry.Close(registry.Handle(handle)))
}

// SendBase64 decodes payload and sends it as one datagram.
func (m *Module) SendBase64(handle int64, payload string, port int, address string, p Promise) {
	m.SendBase64Context(context.Background(), handle, payload, port, address, p)
}

// SendBase64Context is SendBase64 bounded by ctx as well as the module
// lifetime.
func (m *Module) SendBase64Context(ctx context.Context, handle int64, payload string, port int, address string, p Promise) {
	data, err := DecodePayload(payload)
	if err != nil {
		p.Reject(&socket.Error{Kind: socket.KindSend, Op: "send", Err: err})
		return
	}
	ctx, cancel := m.bound(ctx)
	defer cancel()
	settle(p, m.registry.Send(ctx, registry.Handle(handle), data, port, address))
}

// Receive waits for one datagram on a new goroutine and resolves p with the
// base64 payload.
func (m *Module) Receive(handle int64, p Promise) {
	m.ReceiveContext(context.Background(), handle, p)
}

// ReceiveContext is Receive that also gives up when ctx is done.
func (m *Module) ReceiveContext(ctx context.Context, handle int64, p Promise) {
	m.receive(ctx, handle, p, func(d *socket.Datagram) any {
		return EncodePayload(d.Payload)
	})
}

// ReceiveFrom is Receive resolving with a *Message that also carries the
// sender.
func (m *Module) ReceiveFrom(handle int64, p Promise) {
	m.ReceiveFromContext(context.Background(), handle, p)
}

// ReceiveFromContext is ReceiveFrom that also gives up when ctx is done.
func (m *Module) ReceiveFromContext(ctx context.Context, handle int64, p Promise) {
	m.receive(ctx, handle, p, func(d *socket.Datagram) any {
		return NewMessage(d)
	})
}

func (m *Module) receive(ctx context.Context, handle int64, p Promise, convert func(*socket.Datagram) any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		p.Reject(&socket.Error{Kind: socket.KindReceive, Op: "receive", Err: socket.ErrClosed})
		return
	}

	name := fmt.Sprintf("receive-%d", handle)
	recovery.Go(&m.wg, m.logger, name, func() {
		ctx, cancel := m.bound(ctx)
		defer cancel()
		d, err := m.registry.Receive(ctx, registry.Handle(handle))
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(convert(d))
	}, func(pe *recovery.PanicError) {
		p.Reject(&socket.Error{Kind: socket.KindReceive, Op: "receive", Err: pe})
	})
}

// bound derives a context that ends with ctx or with the module.
func (m *Module) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *Module) SetBroadcast(handle int64, flag bool, p Promise) {
	settle(p, m.registry.SetBroadcast(registry.Handle(handle), flag))
}

func (m *Module) AddMembership(handle int64, group string, p Promise) {
	settle(p, m.registry.AddMembership(registry.Handle(handle), group))
}

func (m *Module) DropMembership(handle int64, group string, p Promise) {
	settle(p, m.registry.DropMembership(registry.Handle(handle), group))
}

// Reset closes every socket.
func (m *Module) Reset(p Promise) {
	settle(p, m.registry.Reset())
}

// Shutdown resets the registry, cancels outstanding receives and waits for
// their goroutines to settle. Receives started afterwards are rejected.
func (m *Module) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	err := m.registry.Reset()
	m.wg.Wait()
	return err
}

// NewMessage converts a received datagram to boundary form.
func NewMessage(d *socket.Datagram) *Message {
	return &Message{Data: EncodePayload(d.Payload), Address: d.Address(), Port: d.Port()}
}

// EncodePayload encodes bytes for the boundary.
func EncodePayload(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload decodes boundary text. Unpadded input is accepted.
func DecodePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return b, nil
}
