package transport

import (
	"golang.org/x/sys/unix"
)

// setReuseAddr sets SO_REUSEADDR on the listening socket backing sc, so a
// restarted server can rebind the configured port immediately instead of
// waiting out TIME_WAIT. Mirrors the low-level socket-option pattern the
// examples use golang.org/x/sys/unix for rather than the subset net.ListenConfig
// exposes.
func setReuseAddr(rawConn interface {
	Control(f func(fd uintptr)) error
}) error {
	var sockErr error
	err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
