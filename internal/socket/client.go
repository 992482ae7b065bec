package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/udpturbo/internal/logging"
)

// Datagram is one received UDP message.
type Datagram struct {
	Payload []byte
	From    *net.UDPAddr
}

// Address returns the sender IP as text, or "" when unknown.
func (d *Datagram) Address() string {
	if d.From == nil {
		return ""
	}
	return d.From.IP.String()
}

// Port returns the sender port, or 0 when unknown.
func (d *Datagram) Port() int {
	if d.From == nil {
		return 0
	}
	return d.From.Port
}

// Client owns one OS UDP socket.
type Client struct {
	mu sync.RWMutex

	opts   Options
	state  State
	conn   *net.UDPConn
	group  groupConn
	ifi    *net.Interface
	local  *net.UDPAddr
	logger *slog.Logger

	broadcast   bool
	memberships map[string]net.IP
	defaultDest *net.UDPAddr
	limiter     *rate.Limiter

	// The read deadline is in the past exactly while cancelling > 0.
	rmu        sync.Mutex
	rcond      *sync.Cond
	cancelling int
}

// NewClient creates an unbound client. A zero ReceiveBufferSize or Family is
// replaced by the DefaultOptions value.
func NewClient(opts Options, logger *slog.Logger) *Client {
	def := DefaultOptions()
	if opts.Family == "" {
		opts.Family = def.Family
	}
	if opts.ReceiveBufferSize <= 0 {
		opts.ReceiveBufferSize = def.ReceiveBufferSize
	}

	c := &Client{
		opts:        opts,
		state:       StateUnbound,
		memberships: make(map[string]net.IP),
		logger:      logging.ForComponent(logger, "socket").With(slog.String(logging.KeyFamily, string(opts.Family))),
	}
	c.rcond = sync.NewCond(&c.rmu)

	if opts.SendRate > 0 {
		burst := opts.SendBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}

	return c
}

// Family returns the address family fixed at creation.
func (c *Client) Family() Family {
	return c.opts.Family
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LocalAddr returns the bound address, or nil before bind.
func (c *Client) LocalAddr() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// IsMulticast reports whether the socket has joined at least one group.
func (c *Client) IsMulticast() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.memberships) > 0
}

// Memberships returns the joined groups in sorted order.
func (c *Client) Memberships() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.membershipsLocked()
}

func (c *Client) membershipsLocked() []string {
	groups := make([]string, 0, len(c.memberships))
	for g := range c.memberships {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Info returns a snapshot of the client.
func (c *Client) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info := Info{
		Family:      c.opts.Family,
		State:       c.state.String(),
		Broadcast:   c.broadcast,
		Memberships: c.membershipsLocked(),
	}
	if c.local != nil {
		info.LocalAddress = c.local.IP.String()
		info.LocalPort = c.local.Port
	}
	return info
}

// Bind binds the socket to address:port. Port 0 requests an ephemeral port and
// an empty address binds the family's wildcard address.
func (c *Client) Bind(port int, address string, opts BindOptions) error {
	const op = "bind"

	if port < 0 || port > 65535 {
		return errorf(KindBind, op, "invalid port %d", port)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return newError(KindBind, op, ErrClosed)
	case StateBound:
		return newError(KindBind, op, ErrAlreadyBound)
	}

	network := string(c.opts.Family)
	lc := net.ListenConfig{Control: listenControl(opts)}
	pc, err := lc.ListenPacket(context.Background(), network, net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return newError(KindBind, op, err)
	}
	conn := pc.(*net.UDPConn)
	local := conn.LocalAddr().(*net.UDPAddr)

	ifi, err := membershipInterface(c.opts.MulticastInterface, local)
	if err != nil {
		conn.Close()
		return newError(KindBind, op, fmt.Errorf("multicast interface: %w", err))
	}

	c.conn = conn
	c.local = local
	c.ifi = ifi
	c.group = newGroupConn(c.opts.Family, conn)
	c.state = StateBound
	c.applyMulticastDefaults()

	c.logger.Debug("socket bound", slog.String(logging.KeyLocalAddr, local.String()))
	return nil
}

// applyMulticastDefaults pushes the creation-time multicast options to the OS.
// Failures only degrade multicast behaviour, so they are logged, not returned.
func (c *Client) applyMulticastDefaults() {
	if err := c.group.SetMulticastLoopback(c.opts.MulticastLoopback); err != nil {
		c.logger.Warn("could not set multicast loopback", slog.String(logging.KeyError, err.Error()))
	}
	if c.opts.MulticastTTL > 0 {
		if err := setTTL(c.group, c.opts.MulticastTTL); err != nil {
			c.logger.Warn("could not set multicast TTL",
				slog.Int("ttl", c.opts.MulticastTTL),
				slog.String(logging.KeyError, err.Error()))
		}
	}
	if c.ifi != nil {
		if err := c.group.SetMulticastInterface(c.ifi); err != nil {
			c.logger.Warn("could not set multicast interface",
				slog.String("interface", c.ifi.Name),
				slog.String(logging.KeyError, err.Error()))
		}
	}
}

// SetDefaultDestination sets the destination used by Send when no address is
// given. An empty address clears it.
func (c *Client) SetDefaultDestination(port int, address string) error {
	const op = "set default destination"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return newError(KindConfig, op, ErrClosed)
	}
	if address == "" {
		c.defaultDest = nil
		return nil
	}
	dest, err := c.resolve(port, address)
	if err != nil {
		return newError(KindConfig, op, err)
	}
	c.defaultDest = dest
	return nil
}

func (c *Client) resolve(port int, address string) (*net.UDPAddr, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid destination port %d", port)
	}
	return net.ResolveUDPAddr(string(c.opts.Family), net.JoinHostPort(address, strconv.Itoa(port)))
}

// Send transmits payload as a single datagram to address:port. An empty address
// uses the default destination. When a send rate is configured Send waits for a
// token, honouring ctx.
func (c *Client) Send(ctx context.Context, payload []byte, port int, address string) error {
	const op = "send"

	if len(payload) > c.opts.Family.MaxPayload() {
		return newError(KindSend, op, fmt.Errorf("%d bytes: %w", len(payload), ErrPayloadTooLarge))
	}

	c.mu.RLock()
	state, conn, dest := c.state, c.conn, c.defaultDest
	c.mu.RUnlock()

	switch state {
	case StateClosed:
		return newError(KindSend, op, ErrClosed)
	case StateUnbound:
		return newError(KindSend, op, ErrNotBound)
	}

	if address != "" {
		var err error
		if dest, err = c.resolve(port, address); err != nil {
			return newError(KindSend, op, err)
		}
	}
	if dest == nil {
		return newError(KindSend, op, ErrNoDestination)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return newError(KindSend, op, err)
		}
	}

	n, err := conn.WriteToUDP(payload, dest)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}
		return newError(KindSend, op, err)
	}
	if n != len(payload) {
		return errorf(KindSend, op, "short write: %d of %d bytes", n, len(payload))
	}
	return nil
}

// Receive blocks until one datagram arrives, the socket is closed, or ctx is
// done. The client mutex is not held while waiting. Concurrent receives on one
// client are allowed and cancelling one of them leaves the others waiting.
func (c *Client) Receive(ctx context.Context) (*Datagram, error) {
	const op = "receive"

	c.mu.RLock()
	state, conn, size := c.state, c.conn, c.opts.ReceiveBufferSize
	c.mu.RUnlock()

	switch state {
	case StateClosed:
		return nil, newError(KindReceive, op, ErrClosed)
	case StateUnbound:
		return nil, newError(KindReceive, op, ErrNotBound)
	}

	release := c.interruptOnDone(ctx, conn)
	defer release()

	buf := make([]byte, size)
	for {
		if err := c.waitForCancellations(ctx); err != nil {
			return nil, newError(KindReceive, op, err)
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err == nil {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			return &Datagram{Payload: payload, From: from}, nil
		}

		if errors.Is(err, net.ErrClosed) || c.State() == StateClosed {
			return nil, newError(KindReceive, op, ErrClosed)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, newError(KindReceive, op, ctxErr)
		}
		// Another receive was cancelled; read again once it has returned.
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		return nil, newError(KindReceive, op, err)
	}
}

// interruptOnDone moves the read deadline into the past when ctx is done so the
// blocked read returns. The returned func must be called once the read has
// returned; the last cancelled receive clears the deadline again.
func (c *Client) interruptOnDone(ctx context.Context, conn *net.UDPConn) func() {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		c.rmu.Lock()
		defer c.rmu.Unlock()
		c.cancelling++
		conn.SetReadDeadline(time.Unix(1, 0))
		c.rcond.Broadcast()
	})

	return func() {
		if stop() {
			return
		}
		<-fired
		c.rmu.Lock()
		defer c.rmu.Unlock()
		c.cancelling--
		if c.cancelling == 0 {
			conn.SetReadDeadline(time.Time{})
			c.rcond.Broadcast()
		}
	}
}

// waitForCancellations blocks while another receive is being interrupted.
func (c *Client) waitForCancellations(ctx context.Context) error {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for c.cancelling > 0 && ctx.Err() == nil {
		c.rcond.Wait()
	}
	return ctx.Err()
}

// SetBroadcast enables or disables SO_BROADCAST.
func (c *Client) SetBroadcast(flag bool) error {
	const op = "set broadcast"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireBound(KindConfig, op); err != nil {
		return err
	}

	rc, err := c.conn.SyscallConn()
	if err != nil {
		return newError(KindConfig, op, err)
	}
	if err := setBroadcast(rc, flag); err != nil {
		return newError(KindConfig, op, err)
	}
	c.broadcast = flag
	return nil
}

// AddMembership joins group on the bound interface. Joining a group twice is a
// no-op.
func (c *Client) AddMembership(group string) error {
	const op = "add membership"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireBound(KindMulticast, op); err != nil {
		return err
	}

	ip, err := resolveGroup(c.opts.Family, group)
	if err != nil {
		return newError(KindMulticast, op, err)
	}
	key := ip.String()
	if _, ok := c.memberships[key]; ok {
		return nil
	}

	if err := c.group.JoinGroup(c.ifi, &net.UDPAddr{IP: ip}); err != nil {
		return newError(KindMulticast, op, err)
	}
	c.memberships[key] = ip

	c.logger.Debug("joined multicast group", slog.String(logging.KeyGroup, key))
	return nil
}

// DropMembership leaves group. Leaving a group that was never joined fails.
func (c *Client) DropMembership(group string) error {
	const op = "drop membership"

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireBound(KindMulticast, op); err != nil {
		return err
	}

	ip, err := resolveGroup(c.opts.Family, group)
	if err != nil {
		return newError(KindMulticast, op, err)
	}
	key := ip.String()
	if _, ok := c.memberships[key]; !ok {
		return newError(KindMulticast, op, fmt.Errorf("%s: %w", key, ErrNotMember))
	}

	if err := c.group.LeaveGroup(c.ifi, &net.UDPAddr{IP: ip}); err != nil {
		return newError(KindMulticast, op, err)
	}
	delete(c.memberships, key)

	c.logger.Debug("left multicast group", slog.String(logging.KeyGroup, key))
	return nil
}

// Close releases the OS socket and unblocks any pending Receive. The client is
// closed afterwards even when the OS close reports an error.
func (c *Client) Close() error {
	const op = "close"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return newError(KindClose, op, ErrClosed)
	}

	c.state = StateClosed
	c.memberships = make(map[string]net.IP)
	c.defaultDest = nil

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.group = nil
	if err != nil {
		return newError(KindClose, op, err)
	}
	return nil
}

func (c *Client) requireBound(kind Kind, op string) error {
	switch c.state {
	case StateClosed:
		return newError(kind, op, ErrClosed)
	case StateUnbound:
		return newError(kind, op, ErrNotBound)
	}
	return nil
}
