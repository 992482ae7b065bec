//go:build !unix && !windows

package socket

import "syscall"

func setReuseAddr(syscall.RawConn) error {
	return ErrUnsupported
}

func setBroadcast(syscall.RawConn, bool) error {
	return ErrUnsupported
}
