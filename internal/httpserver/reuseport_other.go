//go:build !unix

package httpserver

import "syscall"

// ReusePortSupported reports whether several sockets may bind one port.
const ReusePortSupported = false

func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
