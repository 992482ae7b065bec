package socket

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/udpturbo/internal/logging"
)

func newBoundClient(t *testing.T, opts Options) *Client {
	t.Helper()

	c := NewClient(opts, logging.NopLogger())
	if err := c.Bind(0, "127.0.0.1", BindOptions{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// joinOrSkip joins group, skipping the test on hosts without multicast routing.
func joinOrSkip(t *testing.T, c *Client, group string) {
	t.Helper()

	if err := c.AddMembership(group); err != nil {
		if errors.Is(err, ErrNotMulticast) {
			t.Fatalf("AddMembership(%s) error = %v", group, err)
		}
		t.Skipf("multicast join unavailable on this host: %v", err)
	}
}

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in      string
		want    Family
		wantErr bool
	}{
		{"udp4", FamilyUDP4, false},
		{"UDP6", FamilyUDP6, false},
		{"", FamilyUDP4, false},
		{"tcp", "", true},
	}

	for _, tc := range tests {
		got, err := ParseFamily(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseFamily(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseFamily(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Options{}, nil)

	if c.Family() != FamilyUDP4 {
		t.Errorf("Family() = %s, want udp4", c.Family())
	}
	if c.State() != StateUnbound {
		t.Errorf("State() = %s, want UNBOUND", c.State())
	}
	if c.LocalAddr() != nil {
		t.Errorf("LocalAddr() = %v, want nil", c.LocalAddr())
	}
	if c.IsMulticast() {
		t.Error("IsMulticast() = true on a fresh client")
	}
}

func TestClient_BindEphemeral(t *testing.T) {
	c := newBoundClient(t, DefaultOptions())

	if c.State() != StateBound {
		t.Errorf("State() = %s, want BOUND", c.State())
	}
	addr := c.LocalAddr()
	if addr == nil || addr.Port == 0 {
		t.Fatalf("LocalAddr() = %v, want assigned port", addr)
	}

	info := c.Info()
	if info.LocalAddress != "127.0.0.1" || info.LocalPort != addr.Port {
		t.Errorf("Info() = %+v, want 127.0.0.1:%d", info, addr.Port)
	}
}

func TestClient_DoubleBind(t *testing.T) {
	c := newBoundClient(t, DefaultOptions())
	first := c.LocalAddr().String()

	err := c.Bind(0, "127.0.0.1", BindOptions{})
	if !IsKind(err, KindBind) {
		t.Fatalf("second Bind() error = %v, want bind error", err)
	}
	if !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("second Bind() error = %v, want ErrAlreadyBound", err)
	}
	if got := c.LocalAddr().String(); got != first {
		t.Errorf("LocalAddr() = %s after failed rebind, want %s", got, first)
	}
}

func TestClient_BindErrors(t *testing.T) {
	tests := []struct {
		name    string
		family  Family
		port    int
		address string
	}{
		{"invalid address", FamilyUDP4, 0, "bad address!"},
		{"negative port", FamilyUDP4, -1, "127.0.0.1"},
		{"port out of range", FamilyUDP4, 70000, "127.0.0.1"},
		{"ipv6 address on udp4", FamilyUDP4, 0, "::1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewClient(Options{Family: tc.family}, nil)
			defer c.Close()

			err := c.Bind(tc.port, tc.address, BindOptions{})
			if !IsKind(err, KindBind) {
				t.Errorf("Bind(%d, %q) error = %v, want bind error", tc.port, tc.address, err)
			}
			if c.State() != StateUnbound {
				t.Errorf("State() = %s after failed bind, want UNBOUND", c.State())
			}
		})
	}
}

func TestClient_BindPortInUse(t *testing.T) {
	a := newBoundClient(t, DefaultOptions())

	b := NewClient(DefaultOptions(), nil)
	defer b.Close()

	err := b.Bind(a.LocalAddr().Port, "127.0.0.1", BindOptions{})
	if !IsKind(err, KindBind) {
		t.Errorf("Bind() on used port error = %v, want bind error", err)
	}
}

func TestClient_BindReuseAddress(t *testing.T) {
	c := NewClient(DefaultOptions(), nil)
	defer c.Close()

	if err := c.Bind(0, "127.0.0.1", BindOptions{ReuseAddress: true}); err != nil {
		t.Fatalf("Bind() with ReuseAddress error = %v", err)
	}
}

func TestClient_SendReceive(t *testing.T) {
	a := newBoundClient(t, DefaultOptions())
	b := newBoundClient(t, DefaultOptions())

	if err := b.Send(context.Background(), []byte("ping"), a.LocalAddr().Port, "127.0.0.1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !bytes.Equal(dg.Payload, []byte("ping")) {
		t.Errorf("Payload = %q, want %q", dg.Payload, "ping")
	}
	if dg.Port() != b.LocalAddr().Port {
		t.Errorf("Port() = %d, want %d", dg.Port(), b.LocalAddr().Port)
	}
	if dg.Address() != "127.0.0.1" {
		t.Errorf("Address() = %s, want 127.0.0.1", dg.Address())
	}
}

func TestClient_ReceiveExactLength(t *testing.T) {
	a := newBoundClient(t, DefaultOptions())
	b := newBoundClient(t, DefaultOptions())

	payload := bytes.Repeat([]byte{0xAB}, 2000)
	if err := b.Send(context.Background(), payload, a.LocalAddr().Port, "127.0.0.1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(dg.Payload) != len(payload) {
		t.Errorf("len(Payload) = %d, want %d", len(dg.Payload), len(payload))
	}
}

func TestClient_RequiresBind(t *testing.T) {
	c := NewClient(DefaultOptions(), nil)
	defer c.Close()

	ctx := context.Background()

	if err := c.Send(ctx, []byte("x"), 9, "127.0.0.1"); !IsKind(err, KindSend) || !errors.Is(err, ErrNotBound) {
		t.Errorf("Send() error = %v, want send error wrapping ErrNotBound", err)
	}
	if _, err := c.Receive(ctx); !IsKind(err, KindReceive) || !errors.Is(err, ErrNotBound) {
		t.Errorf("Receive() error = %v, want receive error wrapping ErrNotBound", err)
	}
	if err := c.SetBroadcast(true); !IsKind(err, KindConfig) {
		t.Errorf("SetBroadcast() error = %v, want config error", err)
	}
	if err := c.AddMembership("239.1.2.3"); !IsKind(err, KindMulticast) {
		t.Errorf("AddMembership() error = %v, want multicast error", err)
	}
	if err := c.DropMembership("239.1.2.3"); !IsKind(err, KindMulticast) {
		t.Errorf("DropMembership() error = %v, want multicast error", err)
	}
}

func TestClient_ClosedRejectsEverything(t *testing.T) {
	c := NewClient(DefaultOptions(), nil)
	if err := c.Bind(0, "127.0.0.1", BindOptions{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ctx := context.Background()
	checks := []struct {
		name string
		kind Kind
		err  error
	}{
		{"bind", KindBind, c.Bind(0, "127.0.0.1", BindOptions{})},
		{"send", KindSend, c.Send(ctx, []byte("x"), 9, "127.0.0.1")},
		{"broadcast", KindConfig, c.SetBroadcast(true)},
		{"membership", KindMulticast, c.AddMembership("239.1.2.3")},
		{"close", KindClose, c.Close()},
	}
	for _, chk := range checks {
		if !IsKind(chk.err, chk.kind) || !errors.Is(chk.err, ErrClosed) {
			t.Errorf("%s after close: error = %v, want %s error wrapping ErrClosed", chk.name, chk.err, chk.kind)
		}
	}

	if _, err := c.Receive(ctx); !IsKind(err, KindReceive) || !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() after close error = %v, want receive error wrapping ErrClosed", err)
	}
}

func TestClient_CloseUnblocksReceive(t *testing.T) {
	c := NewClient(DefaultOptions(), nil)
	if err := c.Bind(0, "127.0.0.1", BindOptions{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		errCh <- err
	}()

	// Let the reader block.
	time.Sleep(50 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !IsKind(err, KindReceive) || !errors.Is(err, ErrClosed) {
			t.Errorf("Receive() error = %v, want receive error wrapping ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive() did not return after Close()")
	}
}

func TestClient_ReceiveContextCancel(t *testing.T) {
	c := newBoundClient(t, DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Receive(ctx)
	if !IsKind(err, KindReceive) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive() error = %v, want receive error wrapping DeadlineExceeded", err)
	}

	// The socket stays usable after a cancelled receive.
	sender := newBoundClient(t, DefaultOptions())
	if err := sender.Send(context.Background(), []byte("again"), c.LocalAddr().Port, "127.0.0.1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	dg, err := c.Receive(ctx2)
	if err != nil {
		t.Fatalf("Receive() after cancel error = %v", err)
	}
	if string(dg.Payload) != "again" {
		t.Errorf("Payload = %q, want again", dg.Payload)
	}
}

func TestClient_CancelOneOfConcurrentReceives(t *testing.T) {
	c := newBoundClient(t, DefaultOptions())

	long := make(chan error, 1)
	var got *Datagram
	go func() {
		dg, err := c.Receive(context.Background())
		got = dg
		long <- err
	}()

	short := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, err := c.Receive(ctx)
		short <- err
	}()

	// Let both readers block.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-short:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled Receive() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled Receive() did not return")
	}

	select {
	case err := <-long:
		t.Fatalf("Receive() returned after another receive was cancelled: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	sender := newBoundClient(t, DefaultOptions())
	if err := sender.Send(context.Background(), []byte("still here"), c.LocalAddr().Port, "127.0.0.1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case err := <-long:
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if string(got.Payload) != "still here" {
			t.Errorf("Payload = %q, want %q", got.Payload, "still here")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive() did not deliver the datagram")
	}
}

func TestClient_SendErrors(t *testing.T) {
	c := newBoundClient(t, DefaultOptions())
	ctx := context.Background()

	tooLarge := make([]byte, FamilyUDP4.MaxPayload()+1)
	if err := c.Send(ctx, tooLarge, 9, "127.0.0.1"); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Send(oversized) error = %v, want ErrPayloadTooLarge", err)
	}
	if err := c.Send(ctx, []byte("x"), 0, "127.0.0.1"); !IsKind(err, KindSend) {
		t.Errorf("Send(port 0) error = %v, want send error", err)
	}
	if err := c.Send(ctx, []byte("x"), 9, ""); !errors.Is(err, ErrNoDestination) {
		t.Errorf("Send(no address) error = %v, want ErrNoDestination", err)
	}
	if err := c.Send(ctx, []byte("x"), 9, "not a host name"); !IsKind(err, KindSend) {
		t.Errorf("Send(bad address) error = %v, want send error", err)
	}
}

func TestClient_DefaultDestination(t *testing.T) {
	a := newBoundClient(t, DefaultOptions())
	b := newBoundClient(t, DefaultOptions())

	if err := b.SetDefaultDestination(a.LocalAddr().Port, "127.0.0.1"); err != nil {
		t.Fatalf("SetDefaultDestination() error = %v", err)
	}
	if err := b.Send(context.Background(), []byte("dflt"), 0, ""); err != nil {
		t.Fatalf("Send() to default destination error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(dg.Payload) != "dflt" {
		t.Errorf("Payload = %q, want dflt", dg.Payload)
	}
}

func TestClient_SendRateLimit(t *testing.T) {
	opts := DefaultOptions()
	opts.SendRate = 0.5
	opts.SendBurst = 1
	a := newBoundClient(t, DefaultOptions())
	c := newBoundClient(t, opts)

	port := a.LocalAddr().Port
	if err := c.Send(context.Background(), []byte("1"), port, "127.0.0.1"); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Send(ctx, []byte("2"), port, "127.0.0.1"); !IsKind(err, KindSend) {
		t.Errorf("rate limited Send() error = %v, want send error", err)
	}
}

func TestClient_SetBroadcast(t *testing.T) {
	c := newBoundClient(t, DefaultOptions())

	if err := c.SetBroadcast(true); err != nil {
		if errors.Is(err, ErrUnsupported) {
			t.Skip("broadcast not supported on this platform")
		}
		t.Fatalf("SetBroadcast(true) error = %v", err)
	}
	if !c.Info().Broadcast {
		t.Error("Info().Broadcast = false after SetBroadcast(true)")
	}
	if err := c.SetBroadcast(false); err != nil {
		t.Fatalf("SetBroadcast(false) error = %v", err)
	}
	if c.Info().Broadcast {
		t.Error("Info().Broadcast = true after SetBroadcast(false)")
	}
}

func TestClient_MembershipValidation(t *testing.T) {
	c := newBoundClient(t, DefaultOptions())

	err := c.AddMembership("127.0.0.1")
	if !IsKind(err, KindMulticast) || !errors.Is(err, ErrNotMulticast) {
		t.Errorf("AddMembership(unicast) error = %v, want ErrNotMulticast", err)
	}
	if err := c.AddMembership("ff02::1"); !IsKind(err, KindMulticast) {
		t.Errorf("AddMembership(ipv6 group on udp4) error = %v, want multicast error", err)
	}

	err = c.DropMembership("239.255.0.1")
	if !IsKind(err, KindMulticast) || !errors.Is(err, ErrNotMember) {
		t.Errorf("DropMembership(not joined) error = %v, want ErrNotMember", err)
	}
	if c.IsMulticast() {
		t.Error("IsMulticast() = true after failed operations")
	}
}

func TestClient_Membership(t *testing.T) {
	c := NewClient(DefaultOptions(), nil)
	defer c.Close()
	if err := c.Bind(0, "", BindOptions{ReuseAddress: true}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	const group = "239.255.42.99"
	joinOrSkip(t, c, group)

	if !c.IsMulticast() {
		t.Fatal("IsMulticast() = false after AddMembership")
	}
	// Re-joining is a no-op.
	if err := c.AddMembership(group); err != nil {
		t.Errorf("second AddMembership() error = %v, want nil", err)
	}
	if got := c.Memberships(); len(got) != 1 || got[0] != group {
		t.Errorf("Memberships() = %v, want [%s]", got, group)
	}

	if err := c.DropMembership(group); err != nil {
		t.Fatalf("DropMembership() error = %v", err)
	}
	if c.IsMulticast() {
		t.Error("IsMulticast() = true after DropMembership")
	}
	err := c.DropMembership(group)
	if !IsKind(err, KindMulticast) || !errors.Is(err, ErrNotMember) {
		t.Errorf("second DropMembership() error = %v, want ErrNotMember", err)
	}
}

func TestClient_CloseClearsMemberships(t *testing.T) {
	c := NewClient(DefaultOptions(), nil)
	if err := c.Bind(0, "", BindOptions{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	joinOrSkip(t, c, "239.255.42.100")

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.IsMulticast() {
		t.Error("IsMulticast() = true after Close")
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindInvalidHandle: "invalid_handle",
		KindBind:          "bind",
		KindSend:          "send",
		KindReceive:       "receive",
		KindConfig:        "config",
		KindMulticast:     "multicast",
		KindClose:         "close",
		Kind(99):          "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %s, want %s", int(k), got, want)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	err := error(newError(KindSend, "send", ErrClosed))

	if !errors.Is(err, ErrClosed) {
		t.Error("errors.Is(err, ErrClosed) = false")
	}
	if KindOf(err) != KindSend {
		t.Errorf("KindOf() = %s, want send", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("KindOf(plain error) should be unknown")
	}
	if err.Error() != "send: socket is closed" {
		t.Errorf("Error() = %q", err.Error())
	}
}
