//go:build linux

package fiber

import (
	"golang.org/x/sys/unix"
)

// createWakePipe creates the non-blocking pipe used to interrupt
// epoll_wait. Returns the read and write ends.
func createWakePipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// drainWakePipe reads fd until it would block.
func drainWakePipe(fd int) {
	var buf [256]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}
