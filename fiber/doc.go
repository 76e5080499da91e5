// Package fiber implements a cooperative runtime: stackful coroutines
// ([Fiber]), a multi-threaded [Scheduler] that runs them on a fixed pool of
// worker threads, and an epoll-backed [IOManager] that parks fibers on
// descriptor readiness and timers instead of blocking threads.
//
// # Fibers
//
// Each fiber owns a dedicated goroutine that serves as its stack, parked
// whenever the fiber is not executing. Control moves between fibers only by
// explicit switches ([Fiber.SwapIn], [YieldToReady], [YieldToHold], ...), so
// at most one fiber runs per thread at any instant, and a fiber runs until it
// yields. A fiber's goroutine is reused across [Fiber.Reset], and exits once
// the fiber becomes unreachable.
//
// # Threads
//
// A thread is a logical worker: a run-loop goroutine, plus the fibers it has
// switched into. It is not tied to an OS thread; fiber bodies run on their
// own goroutines, wherever the Go runtime places them. Each thread lazily gets a root fiber, which represents
// its own flow of control and is only ever a switch anchor. Per-thread state
// (current scheduler, scheduler fiber, whether hooks are enabled) follows the
// thread across fibers.
//
// # Scheduling
//
// The [Scheduler] ready queue holds fibers and plain callbacks, each either
// pinned to a thread or runnable on any. Worker run loops claim eligible
// entries in FIFO order, and park in an idle fiber when there are none. The
// [IOManager] idle fiber blocks in epoll_wait, bounded by the next timer, and
// is woken early through a self-pipe whenever new work or an earlier timer
// appears.
//
// # Errors
//
// API misuse (double registration of an event, resuming a running fiber,
// ...) is reported as an [*InvariantError] panic, logged with a stack trace.
// Inside a fiber it is never recovered, so it aborts the process. A panic
// from any other fiber callback is recovered: the fiber ends in [Except] and
// scheduling continues.
package fiber
