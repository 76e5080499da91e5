//go:build linux

// Package fdmgr tracks the per-descriptor state the hook layer consults:
// whether a descriptor is a socket, whether non-blocking mode was requested
// by the user or forced by the runtime, and its receive/send timeouts.
package fdmgr

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// TimeoutKind selects one of a descriptor's timeouts. The values match the
// socket options that configure them.
type TimeoutKind int

const (
	RecvTimeout TimeoutKind = unix.SO_RCVTIMEO
	SendTimeout TimeoutKind = unix.SO_SNDTIMEO
)

// NoTimeout is the timeout of a descriptor that waits forever.
const NoTimeout time.Duration = -1

// FdCtx is the state of one descriptor. It is safe for concurrent use.
type FdCtx struct {
	fd           int
	recvTimeout  atomic.Int64
	sendTimeout  atomic.Int64
	isInit       atomic.Bool
	isSocket     atomic.Bool
	sysNonblock  atomic.Bool
	userNonblock atomic.Bool
	isClosed     atomic.Bool
}

func newFdCtx(fd int) *FdCtx {
	c := &FdCtx{fd: fd}
	c.recvTimeout.Store(int64(NoTimeout))
	c.sendTimeout.Store(int64(NoTimeout))
	c.init()
	return c
}

// init inspects the descriptor. Sockets are switched to O_NONBLOCK at the
// OS level, so the hook layer can turn EAGAIN into a suspension.
func (c *FdCtx) init() bool {
	if c.isInit.Load() {
		return true
	}
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return false
	}
	c.isInit.Store(true)
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return true
	}
	c.isSocket.Store(true)
	if flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0); err == nil && flags&unix.O_NONBLOCK == 0 {
		_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
	}
	c.sysNonblock.Store(true)
	return true
}

// Fd returns the descriptor number.
func (c *FdCtx) Fd() int { return c.fd }

// IsInit reports whether the descriptor was open when the context was
// created.
func (c *FdCtx) IsInit() bool { return c.isInit.Load() }

func (c *FdCtx) IsSocket() bool { return c.isSocket.Load() }

func (c *FdCtx) IsClosed() bool { return c.isClosed.Load() }

func (c *FdCtx) SetClosed(v bool) { c.isClosed.Store(v) }

// SysNonblock reports whether the runtime put the descriptor in O_NONBLOCK.
func (c *FdCtx) SysNonblock() bool { return c.sysNonblock.Load() }

func (c *FdCtx) SetSysNonblock(v bool) { c.sysNonblock.Store(v) }

// UserNonblock reports whether the application asked for non-blocking
// semantics, in which case hooked calls return EAGAIN instead of waiting.
func (c *FdCtx) UserNonblock() bool { return c.userNonblock.Load() }

func (c *FdCtx) SetUserNonblock(v bool) { c.userNonblock.Store(v) }

// Timeout returns the timeout of the given kind, or NoTimeout.
func (c *FdCtx) Timeout(kind TimeoutKind) time.Duration {
	if kind == RecvTimeout {
		return time.Duration(c.recvTimeout.Load())
	}
	return time.Duration(c.sendTimeout.Load())
}

// SetTimeout sets the timeout of the given kind. A negative d means no
// timeout.
func (c *FdCtx) SetTimeout(kind TimeoutKind, d time.Duration) {
	if d < 0 {
		d = NoTimeout
	}
	if kind == RecvTimeout {
		c.recvTimeout.Store(int64(d))
	} else {
		c.sendTimeout.Store(int64(d))
	}
}

// Manager is a table of FdCtx indexed by descriptor.
type Manager struct {
	mu  sync.RWMutex
	fds []*FdCtx
}

// NewManager returns an empty table.
func NewManager() *Manager {
	return &Manager{fds: make([]*FdCtx, 64)}
}

var std = NewManager()

// Default returns the process-wide table used by the hook layer.
func Default() *Manager { return std }

// Get returns the context of fd. If there is none, it is created when
// autoCreate is set, and nil is returned otherwise.
func (m *Manager) Get(fd int, autoCreate bool) *FdCtx {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	if fd < len(m.fds) {
		if c := m.fds[fd]; c != nil || !autoCreate {
			m.mu.RUnlock()
			return c
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.fds) {
		fds := make([]*FdCtx, max(fd*3/2, fd+1))
		copy(fds, m.fds)
		m.fds = fds
	}
	if c := m.fds[fd]; c != nil {
		return c
	}
	c := newFdCtx(fd)
	m.fds[fd] = c
	return c
}

// Del forgets the context of fd.
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= 0 && fd < len(m.fds) {
		m.fds[fd] = nil
	}
}
