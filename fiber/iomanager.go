//go:build linux

package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiber/internal/logx"
	"github.com/joeycumines/go-fiber/timer"
)

// Event is a set of readiness conditions an IOManager can wait for.
type Event uint32

const (
	EventNone  Event = 0
	EventRead  Event = unix.EPOLLIN
	EventWrite Event = unix.EPOLLOUT
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	}
	return fmt.Sprintf("Event(%#x)", uint32(e))
}

// eventContext is what to wake when one event of one fd fires: either cb,
// or fiber, on scheduler.
type eventContext struct {
	scheduler *Scheduler
	fiber     *Fiber
	cb        func()
}

func (c *eventContext) empty() bool {
	return c.scheduler == nil && c.fiber == nil && c.cb == nil
}

func (c *eventContext) reset() { *c = eventContext{} }

// fdContext is the registration state of one fd. events mirrors what is
// armed in epoll.
type fdContext struct {
	mu     sync.Mutex
	read   eventContext
	write  eventContext
	fd     int
	events Event
}

func (c *fdContext) eventContext(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	}
	fail(fmt.Sprintf("no event context for %s on fd %d", ev, c.fd))
	return nil
}

// trigger consumes the registration for ev, scheduling its waiter. The
// caller must hold c.mu.
func (c *fdContext) trigger(ev Event) {
	assertf(c.events&ev != 0, "trigger of %s on fd %d which has %s registered", ev, c.fd, c.events)
	c.events &^= ev
	ec := c.eventContext(ev)
	if ec.cb != nil {
		ec.scheduler.ScheduleFunc(ec.cb, AnyThread)
	} else {
		ec.scheduler.Schedule(ec.fiber, AnyThread)
	}
	ec.reset()
}

// IOManager is a [Scheduler] whose idle threads wait in epoll for fd
// readiness and timer deadlines. Each registered event fires exactly once:
// the waiter is scheduled and the registration removed.
type IOManager struct {
	*Scheduler
	*timer.Manager

	poller  *poller
	limiter *logx.Limiter
	fds     []*fdContext
	fdMu    sync.RWMutex
	wakeR   int
	wakeW   int
	pending atomic.Int64
	closed  atomic.Bool
}

// NewIOManager returns a started IOManager. The arguments are as for
// [NewScheduler].
func NewIOManager(threads int, useCaller bool, name string, opts ...Option) (*IOManager, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("fiber: epoll_create1: %w", err)
	}
	r, w, err := createWakePipe()
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("fiber: pipe2: %w", err)
	}
	release := func() {
		_ = unix.Close(r)
		_ = unix.Close(w)
		_ = p.close()
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, r, unix.EPOLLIN|unix.EPOLLET); err != nil {
		release()
		return nil, fmt.Errorf("fiber: register wake pipe: %w", err)
	}

	s, err := newScheduler(threads, useCaller, name, cfg)
	if err != nil {
		release()
		return nil, err
	}

	m := &IOManager{
		Scheduler: s,
		poller:    p,
		limiter:   logx.NewLimiter(),
		wakeR:     r,
		wakeW:     w,
	}
	m.Manager = timer.NewManager(timer.WithOnFront(m.tickle))
	s.impl = m
	m.resize(64)

	if err := s.Start(); err != nil {
		release()
		return nil, err
	}
	return m, nil
}

// Close stops the IOManager, as per [Scheduler.Stop], then releases the epoll
// instance and the wake pipe.
func (m *IOManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.Stop()
	err := m.poller.close()
	_ = unix.Close(m.wakeR)
	_ = unix.Close(m.wakeW)
	return err
}

// PendingEvents returns the number of registered events that have not fired.
func (m *IOManager) PendingEvents() int64 { return m.pending.Load() }

func (m *IOManager) String() string {
	return fmt.Sprintf("IOManager(pending=%d, timers=%t, %s)", m.pending.Load(), m.HasTimer(), m.Scheduler)
}

// resize grows the fd table to at least size entries. The caller must hold
// fdMu for writing, or have exclusive access.
func (m *IOManager) resize(size int) {
	if size <= len(m.fds) {
		return
	}
	fds := make([]*fdContext, size)
	copy(fds, m.fds)
	for i := len(m.fds); i < size; i++ {
		fds[i] = &fdContext{fd: i}
	}
	m.fds = fds
}

// lookup returns the context for fd, growing the table if create is set. It
// returns nil for an untracked fd when create is not set.
func (m *IOManager) lookup(fd int, create bool) (*fdContext, error) {
	if fd < 0 || fd >= MaxFDLimit {
		return nil, ErrFDOutOfRange
	}
	m.fdMu.RLock()
	if fd < len(m.fds) {
		c := m.fds[fd]
		m.fdMu.RUnlock()
		return c, nil
	}
	m.fdMu.RUnlock()
	if !create {
		return nil, nil
	}
	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	m.resize(max(fd*3/2, fd+1))
	return m.fds[fd], nil
}

// AddEvent registers interest in ev, which must be [EventRead] or
// [EventWrite], on fd. When it fires, cb is scheduled, or, if cb is nil, the
// calling fiber is, which then normally suspends with [YieldToHold].
// Registering an event that is already registered for fd panics.
func (m *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	assertf(ev == EventRead || ev == EventWrite, "AddEvent of %s on fd %d", ev, fd)
	if m.closed.Load() {
		return ErrIOManagerClosed
	}
	var waiter *Fiber
	if cb == nil {
		waiter = GetThis()
		assertf(!waiter.root && waiter.State() == Exec, "AddEvent without callback from outside a running fiber")
	}
	fc, err := m.lookup(fd, true)
	if err != nil {
		return err
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assertf(fc.events&ev == 0, "AddEvent of %s on fd %d which already has %s registered", ev, fd, fc.events)

	op := unix.EPOLL_CTL_MOD
	if fc.events == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	if err := m.poller.ctl(op, fd, unix.EPOLLET|uint32(fc.events|ev)); err != nil {
		m.logCtlError(op, fd, fc.events|ev, err)
		return err
	}

	m.pending.Add(1)
	fc.events |= ev
	ec := fc.eventContext(ev)
	assertf(ec.empty(), "AddEvent of %s on fd %d over a live event context", ev, fd)
	ec.scheduler = CurrentScheduler()
	if ec.scheduler == nil {
		ec.scheduler = m.Scheduler
	}
	ec.cb = cb
	ec.fiber = waiter
	return nil
}

// DelEvent removes the registration for ev on fd without firing it. It
// reports whether the event was registered.
func (m *IOManager) DelEvent(fd int, ev Event) bool {
	fc, _ := m.lookup(fd, false)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}
	rest := fc.events &^ ev
	if !m.rearm(fd, rest) {
		return false
	}
	m.pending.Add(-1)
	fc.events = rest
	fc.eventContext(ev).reset()
	return true
}

// CancelEvent removes the registration for ev on fd and fires it once, so
// the waiter is resumed. It reports whether the event was registered.
func (m *IOManager) CancelEvent(fd int, ev Event) bool {
	fc, _ := m.lookup(fd, false)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events&ev == 0 {
		return false
	}
	if !m.rearm(fd, fc.events&^ev) {
		return false
	}
	fc.trigger(ev)
	m.pending.Add(-1)
	return true
}

// CancelAll removes every registration on fd, firing each once. It reports
// whether anything was registered.
func (m *IOManager) CancelAll(fd int) bool {
	fc, _ := m.lookup(fd, false)
	if fc == nil {
		return false
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.events == EventNone {
		return false
	}
	if !m.rearm(fd, EventNone) {
		return false
	}
	if fc.events&EventRead != 0 {
		fc.trigger(EventRead)
		m.pending.Add(-1)
	}
	if fc.events&EventWrite != 0 {
		fc.trigger(EventWrite)
		m.pending.Add(-1)
	}
	assertf(fc.events == EventNone, "fd %d still has %s registered after CancelAll", fd, fc.events)
	return true
}

// rearm sets the epoll interest of fd to rest, removing it if rest is empty.
func (m *IOManager) rearm(fd int, rest Event) bool {
	op := unix.EPOLL_CTL_MOD
	if rest == EventNone {
		op = unix.EPOLL_CTL_DEL
	}
	err := m.poller.ctl(op, fd, unix.EPOLLET|uint32(rest))
	switch err {
	case nil:
	case unix.EBADF, unix.ENOENT:
		// closed behind our back, the kernel already dropped the interest
		m.logger.Debug().
			Err(err).
			Int(`fd`, fd).
			Log(`rearm of closed fd`)
	default:
		m.logCtlError(op, fd, rest, err)
		return false
	}
	return true
}

func (m *IOManager) logCtlError(op, fd int, events Event, err error) {
	if !m.limiter.Allow(fd) {
		return
	}
	m.logger.Err().
		Err(err).
		Str(`op`, ctlOpString(op)).
		Int(`fd`, fd).
		Str(`events`, events.String()).
		Log(`epoll_ctl failed`)
}

func (m *IOManager) tickle() {
	if !m.HasIdleThreads() {
		return
	}
	for {
		_, err := unix.Write(m.wakeW, []byte{'T'})
		if err != unix.EINTR {
			// EAGAIN means the pipe already holds a wake-up
			return
		}
	}
}

// stoppingTimeout returns the time until the next timer, and whether the
// IOManager may stop: no timers, no pending events, and a stopped scheduler.
func (m *IOManager) stoppingTimeout() (time.Duration, bool) {
	next := m.NextTimer()
	return next, next == timer.Infinite && m.pending.Load() == 0 && m.Scheduler.stopping()
}

func (m *IOManager) stopping() bool {
	_, stop := m.stoppingTimeout()
	return stop
}

// idle waits in epoll until an event fires, a timer is due, the thread is
// tickled, or the max idle wait passes, then hands whatever became runnable
// to the scheduler.
func (m *IOManager) idle() {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		next, stop := m.stoppingTimeout()
		if stop {
			m.logger.Debug().
				Str(`scheduler`, m.name).
				Log(`idle stopping`)
			// pass the stop on to another idle thread
			m.tickle()
			return
		}

		timeout := min(next, m.idleWait())
		n, err := m.poller.wait(events, durationToMillis(timeout))
		if err != nil && m.limiter.Allow(`epoll_wait`) {
			m.logger.Err().
				Err(err).
				Str(`scheduler`, m.name).
				Log(`epoll_wait failed`)
		}

		if cbs := m.ListExpiredCb(); len(cbs) != 0 {
			m.ScheduleBatch(cbs...)
		}

		for i := range n {
			m.dispatch(&events[i])
		}

		YieldToHold()
	}
}

func (m *IOManager) dispatch(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == m.wakeR {
		drainWakePipe(fd)
		return
	}
	fc, _ := m.lookup(fd, false)
	if fc == nil {
		return
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	got := Event(ev.Events)
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// errors wake every registered waiter, which then sees the error
		got |= (EventRead | EventWrite) & fc.events
	}
	fired := got & (EventRead | EventWrite) & fc.events
	if fired == EventNone {
		return
	}
	if !m.rearm(fd, fc.events&^fired) {
		return
	}
	if fired&EventRead != 0 {
		fc.trigger(EventRead)
		m.pending.Add(-1)
	}
	if fired&EventWrite != 0 {
		fc.trigger(EventWrite)
		m.pending.Add(-1)
	}
}

// durationToMillis rounds d up to whole milliseconds, so a timer is never
// polled for before it is due.
func durationToMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
