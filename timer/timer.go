// Package timer implements a deadline-ordered set of callbacks, polled by a
// reactor that sleeps until the next deadline.
//
// A [Manager] never runs callbacks itself: [Manager.ListExpiredCb] pops every
// due timer and hands back their callbacks, to be run by the caller (the
// fiber IOManager schedules them). The reactor learns how long it may sleep
// from [Manager.NextTimer], and is interrupted through the front hook (see
// [WithOnFront]) whenever a timer is inserted ahead of all others.
package timer

import (
	"container/heap"
	"math"
	"sync"
	"time"
	"weak"
)

// Infinite is returned by NextTimer when there are no timers.
const Infinite time.Duration = math.MaxInt64

// Guard is the strong half of a condition timer's liveness flag. The timer
// holds it weakly: once every strong reference is dropped, or it is
// cancelled, the timer fires as a no-op.
type Guard struct {
	mu        sync.Mutex
	cancelled bool
	cause     error
}

// NewGuard returns a live, uncancelled guard.
func NewGuard() *Guard { return new(Guard) }

// Cancel marks the guard cancelled, recording cause. It returns false if the
// guard was already cancelled, in which case the original cause is kept.
func (g *Guard) Cancel(cause error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled {
		return false
	}
	g.cancelled = true
	g.cause = cause
	return true
}

// Cancelled reports whether Cancel has been called.
func (g *Guard) Cancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// Cause returns the cause passed to the first Cancel, if any.
func (g *Guard) Cause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

// Timer is a handle to a pending callback.
type Timer struct {
	mgr       *Manager
	deadline  time.Time
	period    time.Duration
	cb        func() // nil once cancelled, or fired and not recurring
	guard     weak.Pointer[Guard]
	seq       uint64
	index     int // position in the heap, -1 if absent
	recurring bool
	condition bool
}

// Deadline returns the time the timer is next due.
func (t *Timer) Deadline() time.Time {
	t.mgr.mu.RLock()
	defer t.mgr.mu.RUnlock()
	return t.deadline
}

// Cancel removes the timer, and marks its guard (if any, and still live)
// cancelled. It returns false if the timer already fired (and is not
// recurring) or was already cancelled.
func (t *Timer) Cancel() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if g := t.guard.Value(); g != nil {
		g.Cancel(nil)
	}
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	return true
}

// Refresh restarts the timer's current period from now.
func (t *Timer) Refresh() bool {
	m := t.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&m.timers, t.index)
	t.deadline = m.now().Add(t.period)
	m.push(t)
	return true
}

// Reset changes the timer's period. If fromNow is true the new period starts
// now, otherwise it starts when the current period started.
func (t *Timer) Reset(period time.Duration, fromNow bool) bool {
	m := t.mgr
	m.mu.Lock()
	if t.cb == nil {
		m.mu.Unlock()
		return false
	}
	if period == t.period && !fromNow {
		m.mu.Unlock()
		return true
	}
	if t.index >= 0 {
		heap.Remove(&m.timers, t.index)
	}
	var start time.Time
	if fromNow {
		start = m.now()
	} else {
		start = t.deadline.Add(-t.period)
	}
	t.period = period
	t.deadline = start.Add(period)
	m.insertAndUnlock(t)
	return true
}

// Manager is a min-heap of timers keyed by deadline, ties broken by
// insertion order. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	timers  timerHeap
	now     func() time.Time
	onFront func()
	seq     uint64
	tickled bool
}

// Option configures a Manager.
type Option interface {
	applyManager(*Manager)
}

type optionFunc func(*Manager)

func (f optionFunc) applyManager(m *Manager) { f(m) }

// WithOnFront sets the hook called, outside the lock, when an insert places
// a timer at the front of the heap. It is called at most once between calls
// to NextTimer.
func WithOnFront(fn func()) Option {
	return optionFunc(func(m *Manager) { m.onFront = fn })
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(m *Manager) { m.now = now })
}

// NewManager returns an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt.applyManager(m)
		}
	}
	return m
}

// AddTimer schedules cb to be returned by ListExpiredCb once d has elapsed,
// and every d thereafter if recurring.
func (m *Manager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	t := &Timer{mgr: m, period: d, cb: cb, recurring: recurring, index: -1}
	m.mu.Lock()
	t.deadline = m.now().Add(d)
	m.insertAndUnlock(t)
	return t
}

// AddConditionTimer is AddTimer gated on guard, which the timer references
// weakly: if guard has been garbage collected or cancelled by the time the
// timer fires, cb is skipped.
func (m *Manager) AddConditionTimer(d time.Duration, cb func(), guard *Guard, recurring bool) *Timer {
	t := &Timer{
		mgr:       m,
		period:    d,
		cb:        cb,
		guard:     weak.Make(guard),
		recurring: recurring,
		condition: true,
		index:     -1,
	}
	m.mu.Lock()
	t.deadline = m.now().Add(d)
	m.insertAndUnlock(t)
	return t
}

// insertAndUnlock pushes t, releases the lock, and then runs the front hook
// if t became the earliest timer.
func (m *Manager) insertAndUnlock(t *Timer) {
	m.push(t)
	front := t.index == 0 && !m.tickled
	if front {
		m.tickled = true
	}
	onFront := m.onFront
	m.mu.Unlock()
	if front && onFront != nil {
		onFront()
	}
}

func (m *Manager) push(t *Timer) {
	t.seq = m.seq
	m.seq++
	heap.Push(&m.timers, t)
}

// NextTimer returns how long until the earliest timer is due (zero if it is
// already due), or Infinite if there are none. It re-arms the front hook.
func (m *Manager) NextTimer() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickled = false
	if len(m.timers) == 0 {
		return Infinite
	}
	d := m.timers[0].deadline.Sub(m.now())
	if d < 0 {
		return 0
	}
	return d
}

// HasTimer reports whether any timer is pending.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) != 0
}

// ListExpiredCb pops every timer due at a single snapshot of the clock, and
// returns their callbacks in deadline order. Recurring timers are re-armed
// one period after that snapshot. Condition timers whose guard is gone or
// cancelled are dropped without returning their callback, and the returned
// callback re-checks the guard when run.
func (m *Manager) ListExpiredCb() []func() {
	m.mu.RLock()
	empty := len(m.timers) == 0
	m.mu.RUnlock()
	if empty {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var (
		expired []*Timer
		cbs     []func()
	)
	for len(m.timers) != 0 && !m.timers[0].deadline.After(now) {
		expired = append(expired, heap.Pop(&m.timers).(*Timer))
	}
	for _, t := range expired {
		cb := t.cb
		if t.condition {
			if g := t.guard.Value(); g == nil || g.Cancelled() {
				// the condition can never hold again
				t.cb = nil
				continue
			}
			cb = guarded(t.guard, cb)
		}
		if t.recurring {
			t.deadline = now.Add(t.period)
			m.push(t)
		} else {
			t.cb = nil
		}
		cbs = append(cbs, cb)
	}
	return cbs
}

func guarded(guard weak.Pointer[Guard], cb func()) func() {
	return func() {
		if g := guard.Value(); g == nil || g.Cancelled() {
			return
		}
		cb()
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
