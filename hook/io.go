//go:build linux

package hook

import (
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-fiber/fdmgr"
	"github.com/joeycumines/go-fiber/fiber"
)

// Read is read(2).
func Read(fd int, p []byte) (n int, err error) {
	err = doIO(fd, fiber.EventRead, fdmgr.RecvTimeout, "read", func() (err error) {
		n, err = sys.read(fd, p)
		return err
	})
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Readv is readv(2).
func Readv(fd int, iovs [][]byte) (n int, err error) {
	err = doIO(fd, fiber.EventRead, fdmgr.RecvTimeout, "readv", func() (err error) {
		n, err = sys.readv(fd, iovs)
		return err
	})
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Recv is recv(2).
func Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := Recvfrom(fd, p, flags)
	return n, err
}

// Recvfrom is recvfrom(2).
func Recvfrom(fd int, p []byte, flags int) (n int, from unix.Sockaddr, err error) {
	err = doIO(fd, fiber.EventRead, fdmgr.RecvTimeout, "recvfrom", func() (err error) {
		n, from, err = sys.recvfrom(fd, p, flags)
		return err
	})
	if err != nil {
		return -1, nil, err
	}
	return n, from, nil
}

// Recvmsg is recvmsg(2).
func Recvmsg(fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	err = doIO(fd, fiber.EventRead, fdmgr.RecvTimeout, "recvmsg", func() (err error) {
		n, oobn, recvflags, from, err = sys.recvmsg(fd, p, oob, flags)
		return err
	})
	if err != nil {
		return -1, 0, 0, nil, err
	}
	return n, oobn, recvflags, from, nil
}

// Write is write(2).
func Write(fd int, p []byte) (n int, err error) {
	err = doIO(fd, fiber.EventWrite, fdmgr.SendTimeout, "write", func() (err error) {
		n, err = sys.write(fd, p)
		return err
	})
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Writev is writev(2).
func Writev(fd int, iovs [][]byte) (n int, err error) {
	err = doIO(fd, fiber.EventWrite, fdmgr.SendTimeout, "writev", func() (err error) {
		n, err = sys.writev(fd, iovs)
		return err
	})
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Send is send(2).
func Send(fd int, p []byte, flags int) (int, error) {
	return Sendmsg(fd, p, nil, nil, flags)
}

// Sendto is sendto(2). Unlike unix.Sendto, it reports the number of bytes
// sent, which a stream socket may leave short.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return Sendmsg(fd, p, nil, to, flags)
}

// Sendmsg is sendmsg(2), as unix.SendmsgN.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (n int, err error) {
	err = doIO(fd, fiber.EventWrite, fdmgr.SendTimeout, "sendmsg", func() (err error) {
		n, err = sys.sendmsg(fd, p, oob, to, flags)
		return err
	})
	if err != nil {
		return -1, err
	}
	return n, nil
}
