// Package wakelock coordinates the process-wide multicast wake lock.
//
// Some platforms stop delivering multicast datagrams unless a radio wake lock
// is held. The Coordinator reference-counts users of that lock so that several
// multicast sockets share one OS lock, which is requested on the first Acquire
// and given back on the last Release.
package wakelock

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/udpturbo/internal/logging"
)

// Platform is the OS-level lock resource.
type Platform interface {
	Acquire() error
	Release() error
}

// Coordinator is a reference-counted guard over a Platform lock.
// The zero value is not usable; use New.
type Coordinator struct {
	mu       sync.Mutex
	platform Platform
	count    int
	held     bool
	logger   *slog.Logger
	onChange func(held bool, count int)
}

// New creates a coordinator over platform. A nil platform is replaced by
// NopPlatform.
func New(platform Platform, logger *slog.Logger) *Coordinator {
	if platform == nil {
		platform = NopPlatform{}
	}
	return &Coordinator{
		platform: platform,
		logger:   logging.ForComponent(logger, "wakelock"),
	}
}

// OnChange registers fn to observe every count change. fn runs with the
// coordinator lock held and must not call back into the Coordinator.
func (c *Coordinator) OnChange(fn func(held bool, count int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Acquire adds a reference and requests the OS lock if it is not held yet. An
// OS failure is returned but the reference is still counted so that the
// matching Release stays balanced; the next Acquire tries the OS lock again.
func (c *Coordinator) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	c.notify()

	if c.held {
		return nil
	}
	c.logger.Debug("acquiring multicast lock")
	if err := c.platform.Acquire(); err != nil {
		c.logger.Warn("multicast lock acquire failed", slog.String(logging.KeyError, err.Error()))
		return fmt.Errorf("acquire multicast lock: %w", err)
	}
	c.held = true
	return nil
}

// Release drops a reference. Releasing when nothing is held is a no-op. The
// last reference releases the OS lock if it was actually acquired.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count <= 0 {
		return nil
	}

	c.count--
	c.notify()

	if c.count != 0 || !c.held {
		return nil
	}
	c.logger.Debug("releasing multicast lock")
	if err := c.platform.Release(); err != nil {
		c.logger.Warn("multicast lock release failed", slog.String(logging.KeyError, err.Error()))
		return fmt.Errorf("release multicast lock: %w", err)
	}
	c.held = false
	return nil
}

// IsHeld reports whether any reference is outstanding.
func (c *Coordinator) IsHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count > 0
}

// PlatformHeld reports whether the OS lock is currently acquired.
func (c *Coordinator) PlatformHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// Count returns the number of outstanding references.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Coordinator) notify() {
	if c.onChange != nil {
		c.onChange(c.count > 0, c.count)
	}
}
