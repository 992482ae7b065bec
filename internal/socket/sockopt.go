package socket

import (
	"fmt"
	"syscall"
)

// listenControl returns a net.ListenConfig Control hook applying opts before bind.
func listenControl(opts BindOptions) func(network, address string, c syscall.RawConn) error {
	if !opts.ReuseAddress {
		return nil
	}
	return func(_, _ string, c syscall.RawConn) error {
		if err := setReuseAddr(c); err != nil {
			return fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
		return nil
	}
}

func boolint(b bool) int {
	if b {
		return 1
	}
	return 0
}
