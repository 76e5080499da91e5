package fiber

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/go-fiber/config"
	"github.com/joeycumines/go-fiber/internal/coctx"
	"github.com/joeycumines/go-fiber/internal/logx"
)

var stackSizeVar = config.Lookup("fiber.stack_size", uint32(128*1024), "fiber stack size")

var (
	fiberIDs   atomic.Uint64
	fiberCount atomic.Int64
)

// Fiber is a stackful coroutine. The zero value is not usable; see
// [NewFiber] and [GetThis].
type Fiber struct {
	ctx       *coctx.Context
	cb        func()
	thread    *thread // the thread that last switched into the fiber
	panicked  *PanicInfo
	id        uint64
	state     atomic.Int32
	stackSize uint32
	useCaller bool
	root      bool
	primed    bool // set by NewFiber and Reset, cleared when the callback starts
	dead      bool // the goroutine exited early, via runtime.Goexit
}

// NewFiber returns a fiber in [Init] that will run cb. A zero stackSize
// selects the fiber.stack_size config value. A useCaller fiber is driven by
// [Fiber.Call] from its thread's root flow, and returns there when cb ends;
// otherwise it is driven by [Fiber.SwapIn] and returns to the scheduler fiber.
//
// The fiber's goroutine exits once the fiber becomes unreachable.
func NewFiber(cb func(), stackSize uint32, useCaller bool) *Fiber {
	if stackSize == 0 {
		stackSize = stackSizeVar.Value()
	}
	f := &Fiber{
		id:        fiberIDs.Add(1),
		cb:        cb,
		stackSize: stackSize,
		useCaller: useCaller,
		primed:    true,
	}
	wp := weak.Make(f)
	var ctx *coctx.Context
	ctx = coctx.Make(func() { fiberMain(wp, ctx, stackSize) })
	f.ctx = ctx
	fiberCount.Add(1)
	runtime.AddCleanup(f, releaseContext, ctx)
	return f
}

func releaseContext(ctx *coctx.Context) {
	ctx.Close()
	fiberCount.Add(-1)
}

// ID returns the fiber's id. Root fibers have id 0.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// Panic returns the failure recorded when the fiber entered [Except].
func (f *Fiber) Panic() *PanicInfo { return f.panicked }

func (f *Fiber) String() string {
	return fmt.Sprintf("Fiber(id=%d, state=%s)", f.id, f.State())
}

// Reset re-primes a fiber in [Term], [Init] or [Except] to run cb, reusing
// its goroutine.
func (f *Fiber) Reset(cb func()) {
	assertf(!f.root, "reset of a root fiber")
	assertf(!f.dead, "reset of fiber %d after its goroutine exited", f.id)
	st := f.State()
	assertf(st == Term || st == Init || st == Except, "reset of fiber %d in state %s", f.id, st)
	f.cb = cb
	f.primed = true
	f.panicked = nil
	f.setState(Init)
}

// enter marks f as executing on thr, after checking it may be resumed. A
// fiber left in [Exec] by Back may be re-entered by Call from the same thread.
func (f *Fiber) enter(thr *thread, viaCall bool) {
	assertf(!f.root, "switch into a root fiber")
	assertf(!f.dead, "switch into fiber %d after its goroutine exited", f.id)
	st := f.State()
	assertf(st != Exec || (viaCall && f.thread == thr), "switch into fiber %d which is already executing", f.id)
	assertf(!st.finished() || f.primed, "switch into fiber %d in state %s without reset", f.id, st)
	f.thread = thr
	f.setState(Exec)
}

// SwapIn switches from the calling thread's scheduler fiber into f, returning
// once f switches back out. It must be called from the scheduler fiber.
func (f *Fiber) SwapIn() {
	thr := currentThread()
	from := thr.schedulerFiber()
	assertf(GetThis() == from, "SwapIn of fiber %d from outside the scheduler fiber", f.id)
	f.enter(thr, false)
	if !coctx.Switch(from.ctx, f.ctx) {
		runtime.Goexit()
	}
	runtime.KeepAlive(f)
}

// SwapOut switches from f, which must be the running fiber, back to its
// thread's scheduler fiber. The state is left unchanged.
func (f *Fiber) SwapOut() {
	f.switchOut(f.thread.schedulerFiber())
}

// Call switches from the calling thread's root flow into f, returning once f
// switches back out.
func (f *Fiber) Call() {
	thr := currentThread()
	assertf(GetThis() == thr.root, "Call of fiber %d from outside the thread's root flow", f.id)
	f.enter(thr, true)
	if !coctx.Switch(thr.root.ctx, f.ctx) {
		runtime.Goexit()
	}
	runtime.KeepAlive(f)
}

// Back switches from f, which must be the running fiber, back to its thread's
// root flow.
func (f *Fiber) Back() {
	f.switchOut(f.thread.root)
}

func (f *Fiber) switchOut(to *Fiber) {
	assertf(lookupFiber() == f, "switch out of fiber %d which is not running", f.id)
	ctx, id := f.ctx, f.id
	if !coctx.Switch(ctx, to.ctx) {
		// dropped while suspended, nothing can resume it
		logx.Default().Warning().
			Uint64(`fiber`, id).
			Log(`suspended fiber released`)
		runtime.Goexit()
	}
}

// GetThis returns the fiber running on the calling goroutine. A goroutine
// that is not yet part of a thread becomes one, with a new root fiber.
func GetThis() *Fiber {
	if f := lookupFiber(); f != nil {
		return f
	}
	return newThread().root
}

// GetFiberID returns the id of the running fiber, or 0 outside any fiber.
func GetFiberID() uint64 {
	if f := lookupFiber(); f != nil {
		return f.id
	}
	return 0
}

// TotalFibers returns the number of live fibers, root fibers included.
func TotalFibers() int64 { return fiberCount.Load() }

// YieldToReady marks the running fiber [Ready] and switches out of it, so
// the scheduler queues it to run again.
func YieldToReady() {
	f := GetThis()
	assertf(!f.root, "yield from a root fiber")
	assertf(f.State() == Exec, "yield from fiber %d in state %s", f.id, f.State())
	f.setState(Ready)
	f.SwapOut()
}

// YieldToHold switches out of the running fiber, which stays suspended until
// something schedules it again.
func YieldToHold() {
	f := GetThis()
	assertf(!f.root, "yield from a root fiber")
	assertf(f.State() == Exec, "yield from fiber %d in state %s", f.id, f.State())
	f.SwapOut()
}

// fiberMain is the body of a fiber's goroutine. It holds the fiber weakly, so
// that a parked goroutine never keeps its own fiber reachable.
func fiberMain(wp weak.Pointer[Fiber], ctx *coctx.Context, stackSize uint32) {
	gid := coctx.GoroutineID()
	goroutines.Store(gid, wp)
	defer goroutines.Delete(gid)

	_ = growStack(int(stackSize))

	for {
		to := trampoline(wp, ctx)
		if to == nil {
			return
		}
		if !coctx.Switch(ctx, to) {
			return
		}
		f := wp.Value()
		assertf(f != nil && f.primed, "fiber resumed past the end of its callback")
	}
}

// trampoline runs one priming of the fiber's callback, and returns the
// context to switch back to, or nil if the goroutine must exit.
func trampoline(wp weak.Pointer[Fiber], ctx *coctx.Context) (to *coctx.Context) {
	f := wp.Value()
	cb := f.cb
	f.primed = false
	f = nil

	returned := false
	defer func() {
		r := recover()
		if returned {
			return
		}
		if _, ok := r.(*InvariantError); ok {
			panic(r)
		}
		if ctx.Closed() {
			// abandoned while suspended
			to = nil
			return
		}
		f := wp.Value()
		f.cb = nil
		if r == nil {
			r = errGoexit
			f.dead = true
		}
		f.panicked = &PanicInfo{Value: r, Stack: debug.Stack()}
		f.setState(Except)
		f.logger().Err().
			Uint64(`fiber`, f.id).
			Any(`panic`, r).
			Str(`stack`, string(f.panicked.Stack)).
			Log(`fiber callback panicked`)
		to = f.exitTarget()
		if f.dead {
			// runtime.Goexit is unwinding the goroutine, hand control back
			// without parking
			coctx.Resume(to)
			to = nil
		}
	}()

	if cb != nil {
		cb()
	}
	returned = true

	f = wp.Value()
	f.cb = nil
	f.setState(Term)
	return f.exitTarget()
}

func (f *Fiber) exitTarget() *coctx.Context {
	if f.useCaller {
		return f.thread.root.ctx
	}
	return f.thread.schedulerFiber().ctx
}

func (f *Fiber) logger() *logx.Logger {
	if f.thread != nil && f.thread.scheduler != nil {
		return f.thread.scheduler.logger
	}
	return logx.Default()
}

// growStack extends the calling goroutine's stack to at least n bytes, so a
// callback within the configured size never pays for stack growth.
//
//go:noinline
func growStack(n int) byte {
	var buf [1024]byte
	buf[n%len(buf)] = byte(n)
	if n > len(buf) {
		buf[0] ^= growStack(n - len(buf))
	}
	return buf[(n*7)%len(buf)]
}
