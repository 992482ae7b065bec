//go:build windows

package socket

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func setReuseAddr(rc syscall.RawConn) error {
	return setSockoptInt(rc, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func setBroadcast(rc syscall.RawConn, on bool) error {
	return setSockoptInt(rc, windows.SOL_SOCKET, windows.SO_BROADCAST, boolint(on))
}

func setSockoptInt(rc syscall.RawConn, level, opt, value int) error {
	var opErr error
	err := rc.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), level, opt, value)
	})
	if err != nil {
		return err
	}
	return opErr
}
