//go:build unix

package httpserver

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported reports whether several sockets may bind one port.
const ReusePortSupported = true

func reusePortControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
