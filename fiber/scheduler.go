package fiber

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/go-fiber/config"
	"github.com/joeycumines/go-fiber/internal/logx"
)

var maxIdleWaitVar = config.Lookup("iomanager.max_idle_wait", 3*time.Second, "upper bound on a single idle wait")

// task is a ready queue entry: a fiber or a callback, optionally pinned.
type task struct {
	fiber  *Fiber
	cb     func()
	thread int
}

// schedulerImpl is overridden by IOManager.
type schedulerImpl interface {
	tickle()
	stopping() bool
	idle()
}

// Scheduler runs fibers and callbacks on a fixed pool of worker threads.
//
// Lifecycle: [NewScheduler] → [Scheduler.Start] → [Scheduler.Stop]. Stop
// drains the ready queue before returning, and a stopped scheduler cannot be
// restarted.
type Scheduler struct {
	logger      *logx.Logger
	impl        schedulerImpl
	rootFiber   *Fiber
	queue       *list.List
	wake        chan struct{}
	name        string
	threadIDs   []int
	wg          sync.WaitGroup
	mu          sync.Mutex
	active      atomic.Int64
	idleCount   atomic.Int64
	maxIdleWait time.Duration
	threadCount int
	rootThread  int
	stopFlag    atomic.Bool
	autoStop    atomic.Bool
	started     bool
	stopped     bool
}

// NewScheduler returns a scheduler with the given number of threads. With
// useCaller, the calling goroutine counts as one of them: it becomes a thread
// whose share of the work is run by Stop. An empty name is replaced by a
// generated one.
func NewScheduler(threads int, useCaller bool, name string, opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newScheduler(threads, useCaller, name, cfg)
}

func newScheduler(threads int, useCaller bool, name string, cfg *schedulerOptions) (*Scheduler, error) {
	if threads <= 0 {
		return nil, ErrInvalidThreads
	}
	if name == "" {
		name = "scheduler-" + uuid.NewString()[:8]
	}

	s := &Scheduler{
		logger:      cfg.logger,
		queue:       list.New(),
		name:        name,
		maxIdleWait: cfg.maxIdleWait,
		rootThread:  AnyThread,
	}
	s.impl = s
	s.stopFlag.Store(true)

	if useCaller {
		thr := currentThread()
		if thr.scheduler != nil || GetThis() != thr.root {
			return nil, ErrThreadInUse
		}
		threads--
		thr.scheduler = s
		thr.name = name
		s.rootFiber = NewFiber(s.run, 0, true)
		thr.schedFiber = s.rootFiber
		s.rootThread = thr.id
		s.threadIDs = append(s.threadIDs, thr.id)
	}

	s.threadCount = threads
	s.wake = make(chan struct{}, threads+1)
	return s, nil
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// ThreadIDs returns the ids of the scheduler's threads, including the caller
// thread in useCaller mode.
func (s *Scheduler) ThreadIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.threadIDs...)
}

// Start spawns the worker threads.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrSchedulerStopped
	case s.started:
		return ErrSchedulerRunning
	}
	s.started = true
	s.stopFlag.Store(false)

	ids := make(chan int)
	for i := range s.threadCount {
		s.wg.Add(1)
		go s.worker(fmt.Sprintf("%s_%d", s.name, i), ids)
		s.threadIDs = append(s.threadIDs, <-ids)
	}

	s.logger.Info().
		Str(`scheduler`, s.name).
		Int(`threads`, s.threadCount).
		Bool(`use_caller`, s.rootFiber != nil).
		Log(`scheduler started`)
	return nil
}

func (s *Scheduler) worker(name string, ids chan<- int) {
	defer s.wg.Done()

	thr := currentThread()
	thr.name = name
	ids <- thr.id
	defer releaseThread()

	s.run()
}

// Stop waits for every queued entry to run, then for the worker threads to
// exit. In useCaller mode it must be called from the creating goroutine, and
// runs the caller thread's share of the work before returning; otherwise it
// must not be called from one of the scheduler's own threads.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	s.autoStop.Store(true)
	if s.rootFiber != nil && s.threadCount == 0 {
		if st := s.rootFiber.State(); st == Term || st == Init {
			s.stopFlag.Store(true)
			if s.impl.stopping() {
				s.finish()
				return
			}
		}
	}

	if s.rootThread != AnyThread {
		assertf(CurrentScheduler() == s, "Stop of %s from outside its caller thread", s.name)
	} else {
		assertf(CurrentScheduler() != s, "Stop of %s from one of its own threads", s.name)
	}

	s.stopFlag.Store(true)
	for range s.threadCount {
		s.impl.tickle()
	}
	if s.rootFiber != nil {
		s.impl.tickle()
	}

	if s.rootFiber != nil && !s.impl.stopping() {
		s.rootFiber.Call()
	}

	s.wg.Wait()
	s.finish()
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.rootFiber != nil {
		if thr := lookupThread(); thr != nil && thr.scheduler == s {
			thr.scheduler = nil
			thr.schedFiber = nil
			thr.hook.Store(false)
		}
	}

	s.logger.Info().
		Str(`scheduler`, s.name).
		Log(`scheduler stopped`)
}

// Schedule queues f to be resumed by the given thread, or by any thread if
// thread is [AnyThread]. A nil f is ignored.
func (s *Scheduler) Schedule(f *Fiber, thread int) {
	if f == nil {
		return
	}
	s.schedule(task{fiber: f, thread: thread})
}

// ScheduleFunc queues cb to run in a fiber on the given thread, or on any
// thread if thread is [AnyThread]. A nil cb is ignored.
func (s *Scheduler) ScheduleFunc(cb func(), thread int) {
	if cb == nil {
		return
	}
	s.schedule(task{cb: cb, thread: thread})
}

// ScheduleBatch queues every callback for any thread, under a single lock
// acquisition and with at most one wake-up.
func (s *Scheduler) ScheduleBatch(cbs ...func()) {
	tasks := make([]task, 0, len(cbs))
	for _, cb := range cbs {
		if cb != nil {
			tasks = append(tasks, task{cb: cb, thread: AnyThread})
		}
	}
	s.schedule(tasks...)
}

func (s *Scheduler) schedule(tasks ...task) {
	if len(tasks) == 0 {
		return
	}
	s.mu.Lock()
	needTickle := s.queue.Len() == 0
	for _, t := range tasks {
		s.queue.PushBack(t)
	}
	s.mu.Unlock()
	if needTickle {
		s.impl.tickle()
	}
}

// Stopping reports whether Stop has been called and every queued entry has
// run. For an IOManager it also requires that no event or timer is pending.
func (s *Scheduler) Stopping() bool { return s.impl.stopping() }

// HasIdleThreads reports whether any worker is parked in its idle fiber.
func (s *Scheduler) HasIdleThreads() bool { return s.idleCount.Load() > 0 }

// String describes the scheduler's configuration and counters.
func (s *Scheduler) String() string {
	s.mu.Lock()
	queued := s.queue.Len()
	ids := make([]string, len(s.threadIDs))
	for i, id := range s.threadIDs {
		ids[i] = fmt.Sprint(id)
	}
	s.mu.Unlock()
	return fmt.Sprintf(
		"Scheduler(name=%s, size=%d, active=%d, idle=%d, stopping=%t, queued=%d, threads=[%s])",
		s.name,
		s.threadCount,
		s.active.Load(),
		s.idleCount.Load(),
		s.stopFlag.Load(),
		queued,
		strings.Join(ids, " "),
	)
}

func (s *Scheduler) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStop.Load() && s.stopFlag.Load() && s.queue.Len() == 0 && s.active.Load() == 0
}

func (s *Scheduler) tickle() {
	s.logger.Trace().
		Str(`scheduler`, s.name).
		Log(`tickle`)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) idleWait() time.Duration {
	if s.maxIdleWait > 0 {
		return s.maxIdleWait
	}
	return maxIdleWaitVar.Value()
}

// idle parks the thread until tickled, re-checking the stop condition every
// idleWait.
func (s *Scheduler) idle() {
	wait := time.NewTimer(s.idleWait())
	defer wait.Stop()
	for !s.impl.stopping() {
		select {
		case <-s.wake:
		case <-wait.C:
		}
		wait.Reset(s.idleWait())
		YieldToHold()
	}
}

// run is the loop of every scheduler thread.
func (s *Scheduler) run() {
	thr := currentThread()
	thr.hook.Store(true)
	thr.scheduler = s
	if thr.id != s.rootThread {
		thr.schedFiber = thr.root
	}

	s.logger.Debug().
		Str(`scheduler`, s.name).
		Int(`thread`, thr.id).
		Log(`run`)

	idle := NewFiber(s.impl.idle, 0, false)
	var cbFiber *Fiber

	for {
		var (
			t        task
			claimed  bool
			tickleMe bool
		)

		s.mu.Lock()
		for e := s.queue.Front(); e != nil; e = e.Next() {
			it := e.Value.(task)
			if it.thread != AnyThread && it.thread != thr.id {
				tickleMe = true
				continue
			}
			if it.fiber != nil && it.fiber.State() == Exec {
				continue
			}
			s.queue.Remove(e)
			t, claimed = it, true
			s.active.Add(1)
			break
		}
		if claimed && s.queue.Len() != 0 {
			tickleMe = true
		}
		if !claimed && !idle.State().finished() {
			// counted under the lock, so a concurrent schedule either sees
			// this thread idle or was seen by the scan
			s.idleCount.Add(1)
		}
		s.mu.Unlock()

		if tickleMe {
			s.impl.tickle()
		}

		switch {
		case claimed && t.fiber != nil && !t.fiber.State().finished():
			t.fiber.SwapIn()
			s.active.Add(-1)
			switch t.fiber.State() {
			case Ready:
				s.Schedule(t.fiber, AnyThread)
			case Term, Except:
			default:
				t.fiber.setState(Hold)
			}

		case claimed && t.cb != nil:
			if cbFiber != nil {
				cbFiber.Reset(t.cb)
			} else {
				cbFiber = NewFiber(t.cb, 0, false)
			}
			cbFiber.SwapIn()
			s.active.Add(-1)
			switch cbFiber.State() {
			case Ready:
				s.Schedule(cbFiber, AnyThread)
				cbFiber = nil
			case Term, Except:
				if cbFiber.dead {
					// its goroutine exited, via runtime.Goexit
					cbFiber = nil
				} else {
					cbFiber.Reset(nil)
				}
			default:
				cbFiber.setState(Hold)
				cbFiber = nil
			}

		case claimed:
			s.active.Add(-1)

		default:
			if idle.State().finished() {
				s.logger.Debug().
					Str(`scheduler`, s.name).
					Int(`thread`, thr.id).
					Log(`idle fiber finished`)
				return
			}
			idle.SwapIn()
			s.idleCount.Add(-1)
			if !idle.State().finished() {
				idle.setState(Hold)
			}
		}
	}
}
