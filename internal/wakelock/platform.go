package wakelock

import (
	"fmt"
	"log/slog"

	"github.com/postalsys/udpturbo/internal/logging"
)

// NopPlatform is used where no OS wake lock exists (servers, desktops).
type NopPlatform struct{}

func (NopPlatform) Acquire() error { return nil }
func (NopPlatform) Release() error { return nil }

// LogPlatform records lock transitions in the log instead of touching the OS.
type LogPlatform struct {
	Logger *slog.Logger
}

func (p LogPlatform) Acquire() error {
	logging.ForComponent(p.Logger, "wakelock").Info("multicast lock held", slog.Bool(logging.KeyHeld, true))
	return nil
}

func (p LogPlatform) Release() error {
	logging.ForComponent(p.Logger, "wakelock").Info("multicast lock released", slog.Bool(logging.KeyHeld, false))
	return nil
}

// Funcs adapts a pair of functions supplied by an embedding host.
type Funcs struct {
	AcquireFunc func() error
	ReleaseFunc func() error
}

func (f Funcs) Acquire() error {
	if f.AcquireFunc == nil {
		return nil
	}
	return f.AcquireFunc()
}

func (f Funcs) Release() error {
	if f.ReleaseFunc == nil {
		return nil
	}
	return f.ReleaseFunc()
}

// PlatformByName maps a config value to a Platform.
func PlatformByName(name string, logger *slog.Logger) (Platform, error) {
	switch name {
	case "", "none":
		return NopPlatform{}, nil
	case "log":
		return LogPlatform{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown multicast lock platform %q (must be none or log)", name)
	}
}
