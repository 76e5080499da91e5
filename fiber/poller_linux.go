//go:build linux

package fiber

import (
	"errors"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxEvents is the size of each idle thread's epoll_wait buffer.
const maxEvents = 256

// MaxFDLimit is the largest fd the IOManager will track.
const MaxFDLimit = 100000000

var errPollerClosed = errors.New("fiber: poller closed")

// poller wraps an epoll instance shared by every thread of an IOManager.
// Each idle thread waits on it with its own event buffer.
type poller struct {
	epfd   int
	closed atomic.Bool
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd}, nil
}

// ctl applies an EPOLL_CTL_* operation for fd.
func (p *poller) ctl(op, fd int, events uint32) error {
	if p.closed.Load() {
		return errPollerClosed
	}
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Events: events, Fd: int32(fd)}
	}
	return unix.EpollCtl(p.epfd, op, fd, ev)
}

// wait blocks for up to timeoutMs (-1 for no limit) and fills buf. An
// interrupted wait reports zero events.
func (p *poller) wait(buf []unix.EpollEvent, timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, errPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, buf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (p *poller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func ctlOpString(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "EPOLL_CTL_ADD"
	case unix.EPOLL_CTL_MOD:
		return "EPOLL_CTL_MOD"
	case unix.EPOLL_CTL_DEL:
		return "EPOLL_CTL_DEL"
	}
	return "EPOLL_CTL_UNKNOWN"
}
