//go:build linux

// Package hook provides cooperative versions of the blocking socket, I/O and
// sleep calls.
//
// Go cannot interpose on the symbols of the calls it makes, so the layer is a
// set of drop-in functions that application code calls instead of their
// golang.org/x/sys/unix counterparts. Each keeps the signature and error
// contract of the function it replaces. When hooking is enabled for the
// calling thread (it is, on every [fiber.Scheduler] thread) and the
// descriptor is a socket the application did not make non-blocking, a call
// that would block instead registers interest with the current
// [fiber.IOManager] and suspends the calling fiber until the descriptor is
// ready, its timeout elapses, or it is closed.
//
// Everywhere else the functions call straight through.
package hook

import (
	"runtime"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiber/config"
	"github.com/joeycumines/go-fiber/fdmgr"
	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/internal/logx"
	"github.com/joeycumines/go-fiber/timer"
)

// primitives are the underlying blocking calls.
type primitives struct {
	sleep             func(d time.Duration)
	nanosleep         func(req, rem *unix.Timespec) error
	socket            func(domain, typ, proto int) (int, error)
	connect           func(fd int, sa unix.Sockaddr) error
	accept            func(fd int) (int, unix.Sockaddr, error)
	read              func(fd int, p []byte) (int, error)
	readv             func(fd int, iovs [][]byte) (int, error)
	recvfrom          func(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	recvmsg           func(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error)
	write             func(fd int, p []byte) (int, error)
	writev            func(fd int, iovs [][]byte) (int, error)
	sendmsg           func(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error)
	close             func(fd int) error
	fcntl             func(fd uintptr, cmd, arg int) (int, error)
	ioctl             func(fd int, req uint, value int) error
	getsockoptInt     func(fd, level, opt int) (int, error)
	setsockoptTimeval func(fd, level, opt int, tv *unix.Timeval) error
}

// sys is resolved once, at package initialisation, before any hooked call.
var sys = primitives{
	sleep:             time.Sleep,
	nanosleep:         unix.Nanosleep,
	socket:            unix.Socket,
	connect:           unix.Connect,
	accept:            unix.Accept,
	read:              unix.Read,
	readv:             unix.Readv,
	recvfrom:          unix.Recvfrom,
	recvmsg:           unix.Recvmsg,
	write:             unix.Write,
	writev:            unix.Writev,
	sendmsg:           unix.SendmsgN,
	close:             unix.Close,
	fcntl:             unix.FcntlInt,
	ioctl:             unix.IoctlSetPointerInt,
	getsockoptInt:     unix.GetsockoptInt,
	setsockoptTimeval: unix.SetsockoptTimeval,
}

var (
	connectTimeoutVar = config.Lookup("tcp.connect.timeout", 5*time.Second, "tcp connect timeout")
	connectTimeout    atomic.Int64

	limiter = logx.NewLimiter()
)

func init() {
	connectTimeout.Store(int64(connectTimeoutVar.Value()))
	connectTimeoutVar.AddListener(func(oldValue, newValue time.Duration) {
		logx.Default().Info().
			Dur(`old`, oldValue).
			Dur(`new`, newValue).
			Log(`tcp connect timeout changed`)
		connectTimeout.Store(int64(newValue))
	})
}

// Enabled reports whether calls made by the calling thread are hooked.
func Enabled() bool { return fiber.HookEnabled() }

// SetEnabled sets Enabled for the calling thread.
func SetEnabled(enabled bool) { fiber.SetHookEnabled(enabled) }

// doIO runs fn, which performs one attempt of a call on fd, suspending the
// calling fiber on ev whenever the attempt would block.
func doIO(fd int, ev fiber.Event, kind fdmgr.TimeoutKind, name string, fn func() error) error {
	if !Enabled() {
		return fn()
	}
	ctx := fdmgr.Default().Get(fd, false)
	if ctx == nil {
		return fn()
	}
	if ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return fn()
	}

	timeout := ctx.Timeout(kind)
	for {
		err := fn()
		for err == unix.EINTR {
			err = fn()
		}
		if err != unix.EAGAIN {
			return err
		}
		iom := fiber.CurrentIOManager()
		if iom == nil {
			return err
		}
		if err := wait(iom, fd, ev, timeout, name); err != nil {
			return err
		}
		if ctx.IsClosed() {
			return unix.EBADF
		}
	}
}

// wait suspends the calling fiber until ev fires on fd, or, if timeout is
// not negative, until it elapses, in which case ETIMEDOUT is returned.
func wait(iom *fiber.IOManager, fd int, ev fiber.Event, timeout time.Duration, name string) error {
	guard := timer.NewGuard()
	var t *timer.Timer
	if timeout >= 0 {
		t = iom.AddConditionTimer(timeout, cancelOnTimeout(iom, guard, fd, ev), guard, false)
	}

	if err := iom.AddEvent(fd, ev, nil); err != nil {
		if t != nil {
			t.Cancel()
		}
		if limiter.Allow(name) {
			logx.Default().Err().
				Err(err).
				Str(`call`, name).
				Int(`fd`, fd).
				Str(`event`, ev.String()).
				Log(`hook add event failed`)
		}
		return err
	}

	if guard.Cancelled() {
		// the timer fired before the event was registered, so nothing will
		// cancel it
		if iom.DelEvent(fd, ev) {
			return guard.Cause()
		}
		// the event fired in between, and has already scheduled this fiber
	}

	fiber.YieldToHold()

	if t != nil {
		t.Cancel()
	}
	guard.Cancel(nil)
	runtime.KeepAlive(guard)
	return guard.Cause()
}

func cancelOnTimeout(iom *fiber.IOManager, guard *timer.Guard, fd int, ev fiber.Event) func() {
	wp := weak.Make(guard)
	return func() {
		g := wp.Value()
		if g == nil || !g.Cancel(unix.ETIMEDOUT) {
			return
		}
		iom.CancelEvent(fd, ev)
	}
}
