//go:build linux

package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiber/fdmgr"
	"github.com/joeycumines/go-fiber/fiber"
)

// Socket is socket(2). A socket created by a hooked thread is tracked, and
// switched to non-blocking mode at the OS level.
func Socket(domain, typ, proto int) (int, error) {
	fd, err := sys.socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if Enabled() {
		ctx := fdmgr.Default().Get(fd, true)
		if typ&unix.SOCK_NONBLOCK != 0 {
			ctx.SetUserNonblock(true)
		}
	}
	return fd, nil
}

// Connect is connect(2), bounded by the tcp.connect.timeout config value.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, time.Duration(connectTimeout.Load()))
}

// ConnectWithTimeout is connect(2), failing with ETIMEDOUT if the connection
// is not established within timeout. A negative timeout waits forever.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	if !Enabled() {
		return sys.connect(fd, sa)
	}
	ctx := fdmgr.Default().Get(fd, false)
	if ctx != nil && ctx.IsClosed() {
		return unix.EBADF
	}
	if ctx == nil || !ctx.IsSocket() || ctx.UserNonblock() {
		return sys.connect(fd, sa)
	}

	err := sys.connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}
	iom := fiber.CurrentIOManager()
	if iom == nil {
		return err
	}

	if err := wait(iom, fd, fiber.EventWrite, timeout, "connect"); err != nil {
		return err
	}
	if ctx.IsClosed() {
		return unix.EBADF
	}
	soErr, err := sys.getsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept is accept(2). The accepted descriptor is tracked.
func Accept(fd int) (nfd int, sa unix.Sockaddr, err error) {
	err = doIO(fd, fiber.EventRead, fdmgr.RecvTimeout, "accept", func() (err error) {
		nfd, sa, err = sys.accept(fd)
		return err
	})
	if err != nil {
		return -1, nil, err
	}
	fdmgr.Default().Get(nfd, true)
	return nfd, sa, nil
}

// Close is close(2). Any fiber waiting on fd is woken, and sees EBADF.
func Close(fd int) error {
	if ctx := fdmgr.Default().Get(fd, false); ctx != nil {
		ctx.SetClosed(true)
		if iom := fiber.CurrentIOManager(); iom != nil {
			iom.CancelAll(fd)
		}
		fdmgr.Default().Del(fd)
	}
	return sys.close(fd)
}

// Fcntl is fcntl(2) with an int argument. On a tracked socket, O_NONBLOCK
// as set and reported through F_SETFL and F_GETFL is the application's
// setting, while the descriptor itself stays in whatever mode the runtime
// needs.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		ctx := fdmgr.Default().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return sys.fcntl(uintptr(fd), cmd, arg)
		}
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return sys.fcntl(uintptr(fd), cmd, arg)

	case unix.F_GETFL:
		flags, err := sys.fcntl(uintptr(fd), cmd, arg)
		if err != nil {
			return flags, err
		}
		ctx := fdmgr.Default().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return flags, nil
		}
		if ctx.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	}
	return sys.fcntl(uintptr(fd), cmd, arg)
}

// Ioctl is ioctl(2) for requests taking a pointer to an int. FIONBIO on a
// tracked socket records the application's setting, as for Fcntl.
func Ioctl(fd int, req uint, value int) error {
	if req == FIONBIO {
		if ctx := fdmgr.Default().Get(fd, false); ctx != nil && !ctx.IsClosed() && ctx.IsSocket() {
			ctx.SetUserNonblock(value != 0)
			if ctx.SysNonblock() {
				value = 1
			}
		}
	}
	return sys.ioctl(fd, req, value)
}

// GetsockoptInt is getsockopt(2) for int options.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return sys.getsockoptInt(fd, level, opt)
}

// SetsockoptTimeval is setsockopt(2) for timeval options. On a hooked
// thread, SO_RCVTIMEO and SO_SNDTIMEO also become the timeouts of hooked
// receives and sends on fd.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if Enabled() && level == unix.SOL_SOCKET && tv != nil && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx := fdmgr.Default().Get(fd, true); ctx != nil {
			d := time.Duration(tv.Nano())
			if d == 0 {
				// a zero timeval disables the timeout
				d = fdmgr.NoTimeout
			}
			ctx.SetTimeout(fdmgr.TimeoutKind(opt), d)
		}
	}
	return sys.setsockoptTimeval(fd, level, opt, tv)
}
