// Package chaos injects faults into registry sockets to exercise loss,
// latency and send failures without touching the network.
package chaos

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
)

// ErrInjected is wrapped by send errors produced by FaultError.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop discards an outgoing datagram while reporting success.
	FaultDrop FaultType = iota
	// FaultDelay adds latency before a send.
	FaultDelay
	// FaultError fails a send.
	FaultError
)

// String returns the fault name.
func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay and MaxDelay bound the latency added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, hits an operation.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Next picks the first configured fault whose probability fires. The bool is
// false when no fault applies. For FaultDelay the returned duration is set.
func (f *FaultInjector) Next() (FaultType, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return 0, 0, false
	}
	for _, cfg := range f.configs {
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.faultHits[cfg.Type]++
		if cfg.Type == FaultDelay {
			return cfg.Type, f.randomDelay(cfg.MinDelay, cfg.MaxDelay), true
		}
		return cfg.Type, 0, true
	}
	return 0, 0, false
}

// Stats returns how often each fault fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Socket wraps a registry socket and applies faults to Send.
type Socket struct {
	registry.Socket
	injector *FaultInjector
}

// Wrap returns inner with fault injection on outgoing datagrams.
func Wrap(inner registry.Socket, injector *FaultInjector) *Socket {
	return &Socket{Socket: inner, injector: injector}
}

// Send applies the next fault, then forwards to the wrapped socket.
func (s *Socket) Send(ctx context.Context, payload []byte, port int, address string) error {
	fault, delay, ok := s.injector.Next()
	if ok {
		switch fault {
		case FaultDrop:
			return nil
		case FaultError:
			return &socket.Error{Kind: socket.KindSend, Op: "send", Err: ErrInjected}
		case FaultDelay:
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return &socket.Error{Kind: socket.KindSend, Op: "send", Err: ctx.Err()}
			case <-t.C:
			}
		}
	}
	return s.Socket.Send(ctx, payload, port, address)
}

// Factory wraps base so every socket the registry creates injects faults.
// A nil base means registry.NewClient.
func Factory(base registry.Factory, injector *FaultInjector) registry.Factory {
	if base == nil {
		base = registry.NewClient
	}
	return func(opts socket.Options, logger *slog.Logger) registry.Socket {
		return Wrap(base(opts, logger), injector)
	}
}
