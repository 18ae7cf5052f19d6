//go:build linux || darwin

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// peekAlive peeks one byte off the receive buffer without consuming it.
// A zero-length result means the peer sent FIN; EAGAIN means the socket is
// idle but open. Probe failures are treated as alive — the subsequent read
// surfaces the real error.
func peekAlive(tcp *net.TCPConn) bool {
	raw, err := tcp.SyscallConn()
	if err != nil {
		return true
	}
	alive := true
	ctrlErr := raw.Control(func(fd uintptr) {
		buf := make([]byte, 1)
		n, _, err := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			alive = true
		case err != nil:
			alive = false
		case n == 0:
			alive = false
		}
	})
	if ctrlErr != nil {
		return true
	}
	return alive
}
