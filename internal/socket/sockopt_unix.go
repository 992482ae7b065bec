//go:build unix

package socket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setReuseAddr(rc syscall.RawConn) error {
	return setSockoptInt(rc, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setBroadcast(rc syscall.RawConn, on bool) error {
	return setSockoptInt(rc, unix.SOL_SOCKET, unix.SO_BROADCAST, boolint(on))
}

func setSockoptInt(rc syscall.RawConn, level, opt, value int) error {
	var opErr error
	err := rc.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), level, opt, value)
	})
	if err != nil {
		return err
	}
	return opErr
}
