//go:build linux

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiber/config"
	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/hook"
	"github.com/joeycumines/go-fiber/internal/logx"
)

var bufferSizeVar = config.Lookup("tcp.buffer_size", 4096, "echo server read buffer size in bytes")

const listenBacklog = 128

// server accepts connections in one fiber, and serves each client in a
// fiber of its own, all through the hook package.
type server struct {
	logger  *logx.Logger
	limiter *logx.Limiter
	hex     bool

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	lfd     int
	conns   map[int]string
	closing bool
}

func newServer(logger *logx.Logger, out io.Writer, hexMode bool) *server {
	return &server{
		logger:  logger,
		limiter: logx.NewLimiter(),
		hex:     hexMode,
		out:     out,
		lfd:     -1,
		conns:   make(map[int]string),
	}
}

// start binds addr from a fiber on iom, returning the bound port once the
// accept loop is running.
func (s *server) start(iom *fiber.IOManager, addr string) (int, error) {
	sa, err := resolve(addr)
	if err != nil {
		return 0, err
	}
	type bound struct {
		port int
		err  error
	}
	ch := make(chan bound, 1)
	iom.ScheduleFunc(func() {
		lfd, port, err := s.bind(sa)
		ch <- bound{port: port, err: err}
		if err == nil {
			s.acceptLoop(iom, lfd)
		}
	}, fiber.AnyThread)
	b := <-ch
	return b.port, b.err
}

func resolve(addr string) (*unix.SockaddrInet4, error) {
	tcp, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	sa := &unix.SockaddrInet4{Port: tcp.Port}
	if ip := tcp.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	return sa, nil
}

func (s *server) bind(sa *unix.SockaddrInet4) (lfd, port int, err error) {
	lfd, err = hook.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}
	defer func() {
		if err != nil {
			_ = hook.Close(lfd)
		}
	}()
	if err = unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, 0, fmt.Errorf("setsockopt: %w", err)
	}
	if err = unix.Bind(lfd, sa); err != nil {
		return -1, 0, fmt.Errorf("bind: %w", err)
	}
	if err = unix.Listen(lfd, listenBacklog); err != nil {
		return -1, 0, fmt.Errorf("listen: %w", err)
	}
	local, err := unix.Getsockname(lfd)
	if err != nil {
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}

	s.mu.Lock()
	s.lfd = lfd
	s.mu.Unlock()
	return lfd, local.(*unix.SockaddrInet4).Port, nil
}

func (s *server) acceptLoop(iom *fiber.IOManager, lfd int) {
	for {
		nfd, _, err := hook.Accept(lfd)
		if err != nil {
			if errors.Is(err, unix.EBADF) {
				return
			}
			if s.limiter.Allow(`accept`) {
				s.logger.Err().
					Err(err).
					Log(`accept failed`)
			}
			// EMFILE and friends: back off without holding the thread
			_ = hook.Usleep(100000)
			continue
		}

		id := uuid.NewString()
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = hook.Close(nfd)
			return
		}
		s.conns[nfd] = id
		s.mu.Unlock()

		s.logger.Info().
			Str(`conn`, id).
			Int(`fd`, nfd).
			Log(`client connected`)
		iom.ScheduleFunc(func() { s.handle(nfd, id) }, fiber.AnyThread)
	}
}

func (s *server) handle(fd int, id string) {
	defer func() {
		// whoever removes the descriptor from conns closes it
		s.mu.Lock()
		_, ok := s.conns[fd]
		delete(s.conns, fd)
		s.mu.Unlock()
		if ok {
			_ = hook.Close(fd)
		}
	}()

	buf := make([]byte, max(bufferSizeVar.Value(), 1))
	for {
		n, err := hook.Read(fd, buf)
		if err != nil {
			s.logger.Info().
				Str(`conn`, id).
				Err(err).
				Log(`client error`)
			return
		}
		if n == 0 {
			s.logger.Info().
				Str(`conn`, id).
				Log(`client closed`)
			return
		}
		s.logger.Debug().
			Str(`conn`, id).
			Int(`bytes`, n).
			Log(`recv`)
		s.print(buf[:n])
		if err := s.writeAll(fd, buf[:n]); err != nil {
			s.logger.Info().
				Str(`conn`, id).
				Err(err).
				Log(`client error`)
			return
		}
	}
}

func (s *server) writeAll(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := hook.Write(fd, p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *server) print(p []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.hex {
		_, _ = io.WriteString(s.out, hex.Dump(p))
	} else {
		_, _ = s.out.Write(p)
	}
}

// shutdown closes the listener and every client from a fiber on iom, which
// wakes all waiting fibers with EBADF, then returns. The caller still has
// to Close iom to wait for the handlers to exit.
func (s *server) shutdown(iom *fiber.IOManager) {
	done := make(chan struct{})
	iom.ScheduleFunc(func() {
		defer close(done)
		s.mu.Lock()
		s.closing = true
		lfd := s.lfd
		s.lfd = -1
		conns := s.conns
		s.conns = make(map[int]string)
		s.mu.Unlock()

		if lfd >= 0 {
			_ = hook.Close(lfd)
		}
		for fd := range conns {
			_ = hook.Close(fd)
		}
	}, fiber.AnyThread)
	<-done
}

// connections returns the number of open client connections.
func (s *server) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
