package fiber

import (
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/go-fiber/internal/coctx"
)

// AnyThread is the thread argument that lets any worker run a scheduled entry.
const AnyThread = -1

// thread is the state a worker carries across the fibers it switches into.
// Fields other than hook are only accessed by whichever goroutine currently
// runs on the thread, and switches order those accesses.
type thread struct {
	root       *Fiber
	schedFiber *Fiber
	scheduler  *Scheduler
	name       string
	id         int
	hook       atomic.Bool
}

// schedulerFiber is the switch target of SwapIn, SwapOut and the yields.
// Threads outside any scheduler use their root fiber.
func (t *thread) schedulerFiber() *Fiber {
	if t.schedFiber != nil {
		return t.schedFiber
	}
	return t.root
}

var (
	threadIDs atomic.Int64

	// goroutines maps goroutine id to either *thread, for a thread's own
	// goroutine, or weak.Pointer[Fiber], for a fiber's goroutine.
	goroutines sync.Map
)

// lookupFiber returns the fiber running on the calling goroutine, or nil if
// the goroutine has never been part of a thread.
func lookupFiber() *Fiber {
	v, ok := goroutines.Load(coctx.GoroutineID())
	if !ok {
		return nil
	}
	switch v := v.(type) {
	case *thread:
		return v.root
	case weak.Pointer[Fiber]:
		return v.Value()
	}
	return nil
}

// lookupThread returns the calling goroutine's thread without creating one.
func lookupThread() *thread {
	if f := lookupFiber(); f != nil {
		return f.thread
	}
	return nil
}

// currentThread returns the calling goroutine's thread, turning the
// goroutine into a new thread if necessary.
func currentThread() *thread {
	return GetThis().thread
}

func newThread() *thread {
	t := &thread{id: int(threadIDs.Add(1))}
	t.root = &Fiber{root: true, ctx: coctx.New(), thread: t}
	t.root.state.Store(int32(Exec))
	fiberCount.Add(1)
	goroutines.Store(coctx.GoroutineID(), t)
	return t
}

// releaseThread forgets the calling goroutine's thread. It must be the last
// thing a worker goroutine does.
func releaseThread() {
	if _, ok := goroutines.LoadAndDelete(coctx.GoroutineID()); ok {
		fiberCount.Add(-1)
	}
}

// GetThreadID returns the id of the calling thread, as accepted by
// [Scheduler.Schedule].
func GetThreadID() int { return currentThread().id }

// HookEnabled reports whether blocking calls made by the calling thread
// should be turned into fiber suspensions. Scheduler worker threads enable
// it, everything else starts disabled.
func HookEnabled() bool {
	t := lookupThread()
	return t != nil && t.hook.Load()
}

// SetHookEnabled sets HookEnabled for the calling thread.
func SetHookEnabled(enabled bool) {
	currentThread().hook.Store(enabled)
}

// CurrentScheduler returns the scheduler the calling thread runs for, or nil.
func CurrentScheduler() *Scheduler {
	if t := lookupThread(); t != nil {
		return t.scheduler
	}
	return nil
}

// CurrentIOManager returns the IOManager the calling thread runs for, or nil.
func CurrentIOManager() *IOManager {
	if s := CurrentScheduler(); s != nil {
		m, _ := s.impl.(*IOManager)
		return m
	}
	return nil
}
