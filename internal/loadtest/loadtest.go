// Package loadtest drives round trips through the socket registry to measure
// datagram latency and throughput.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
)

// Metrics contains the results of a ping-pong run.
type Metrics struct {
	Pairs         int
	RoundTrips    int64
	Lost          int64
	Errors        int64
	BytesSent     int64
	BytesReceived int64
	AvgRTT        time.Duration
	MinRTT        time.Duration
	MaxRTT        time.Duration
	Duration      time.Duration

	RoundTripsPerSecond float64
	ThroughputMBps      float64
}

// PingPong bounces datagrams between pairs of loopback sockets. Each worker
// owns one pair: the pinger sends, the ponger echoes back to the source.
type PingPong struct {
	reg         *registry.Registry
	family      socket.Family
	concurrency int
	size        int
	duration    time.Duration
	timeout     time.Duration

	mu       sync.Mutex
	metrics  Metrics
	totalRTT time.Duration
}

// NewPingPong creates a generator running concurrency socket pairs for
// duration, each round trip carrying size bytes.
func NewPingPong(reg *registry.Registry, family socket.Family, concurrency, size int, duration time.Duration) *PingPong {
	if concurrency < 1 {
		concurrency = 1
	}
	if size < 1 {
		size = 1
	}
	return &PingPong{
		reg:         reg,
		family:      family,
		concurrency: concurrency,
		size:        size,
		duration:    duration,
		timeout:     time.Second,
	}
}

// SetTimeout sets how long a leg waits before the round trip counts as lost.
func (g *PingPong) SetTimeout(d time.Duration) {
	if d > 0 {
		g.timeout = d
	}
}

// Run executes the test. Setup failures abort the run; per datagram failures
// are counted in the metrics.
func (g *PingPong) Run(ctx context.Context) (*Metrics, error) {
	if g.size > g.family.MaxPayload() {
		return nil, fmt.Errorf("payload size %d exceeds %s maximum %d", g.size, g.family, g.family.MaxPayload())
	}

	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	start := time.Now()

	for i := 0; i < g.concurrency; i++ {
		eg.Go(func() error {
			return g.runWorker(ctx)
		})
	}

	err := eg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.metrics
	m.Pairs = g.concurrency
	m.Duration = time.Since(start)
	if m.RoundTrips > 0 {
		m.AvgRTT = g.totalRTT / time.Duration(m.RoundTrips)
	}
	if seconds := m.Duration.Seconds(); seconds > 0 {
		m.RoundTripsPerSecond = float64(m.RoundTrips) / seconds
		m.ThroughputMBps = float64(m.BytesSent+m.BytesReceived) / (1024 * 1024) / seconds
	}
	return &m, err
}

func (g *PingPong) loopback() string {
	if g.family == socket.FamilyUDP6 {
		return "::1"
	}
	return "127.0.0.1"
}

func (g *PingPong) openBound() (registry.Handle, int, error) {
	h, err := g.reg.CreateSocket(g.family)
	if err != nil {
		return 0, 0, err
	}
	if err := g.reg.Bind(h, 0, g.loopback(), socket.BindOptions{}); err != nil {
		_ = g.reg.Close(h)
		return 0, 0, err
	}
	e, err := g.reg.Info(h)
	if err != nil {
		_ = g.reg.Close(h)
		return 0, 0, err
	}
	return h, e.Info.LocalPort, nil
}

func (g *PingPong) runWorker(ctx context.Context) error {
	pinger, _, err := g.openBound()
	if err != nil {
		return fmt.Errorf("open pinger: %w", err)
	}
	defer g.reg.Close(pinger)

	ponger, pongPort, err := g.openBound()
	if err != nil {
		return fmt.Errorf("open ponger: %w", err)
	}
	defer g.reg.Close(ponger)

	data := make([]byte, g.size)
	_, _ = rand.Read(data)

	for ctx.Err() == nil {
		start := time.Now()
		rtt, err := g.roundTrip(ctx, pinger, ponger, pongPort, data)
		if ctx.Err() != nil {
			return nil
		}

		g.mu.Lock()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			g.metrics.Lost++
		case err != nil:
			g.metrics.Errors++
		default:
			g.metrics.RoundTrips++
			g.metrics.BytesSent += int64(2 * len(data))
			g.metrics.BytesReceived += int64(2 * len(data))
			g.totalRTT += rtt
			if rtt > g.metrics.MaxRTT {
				g.metrics.MaxRTT = rtt
			}
			if g.metrics.MinRTT == 0 || rtt < g.metrics.MinRTT {
				g.metrics.MinRTT = rtt
			}
		}
		g.mu.Unlock()

		if err != nil && time.Since(start) < g.timeout {
			// Avoid spinning on immediate send failures.
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}

var errMismatch = errors.New("echoed payload does not match")

func (g *PingPong) roundTrip(ctx context.Context, pinger, ponger registry.Handle, pongPort int, data []byte) (time.Duration, error) {
	start := time.Now()

	if err := g.reg.Send(ctx, pinger, data, pongPort, g.loopback()); err != nil {
		return 0, err
	}

	legCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ping, err := g.reg.Receive(legCtx, ponger)
	if err != nil {
		return 0, err
	}
	if err := g.reg.Send(ctx, ponger, ping.Payload, ping.From.Port, ping.Address()); err != nil {
		return 0, err
	}

	pong, err := g.reg.Receive(legCtx, pinger)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(pong.Payload, data) {
		return 0, errMismatch
	}
	return time.Since(start), nil
}
