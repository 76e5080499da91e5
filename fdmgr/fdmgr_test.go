//go:build linux

package fdmgr

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestManager_Socket(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	m := NewManager()
	require.Nil(t, m.Get(fd, false))

	c := m.Get(fd, true)
	require.NotNil(t, c)
	assert.Same(t, c, m.Get(fd, false))
	assert.Equal(t, fd, c.Fd())
	assert.True(t, c.IsInit())
	assert.True(t, c.IsSocket())
	assert.True(t, c.SysNonblock())
	assert.False(t, c.UserNonblock())
	assert.False(t, c.IsClosed())

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK, "socket left blocking")

	m.Del(fd)
	assert.Nil(t, m.Get(fd, false))
}

func TestManager_Pipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	before, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)

	c := NewManager().Get(fd, true)
	assert.True(t, c.IsInit())
	assert.False(t, c.IsSocket())
	assert.False(t, c.SysNonblock())

	after, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestManager_ClosedDescriptor(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))

	c := NewManager().Get(fd, true)
	require.NotNil(t, c)
	assert.False(t, c.IsInit())
	assert.False(t, c.IsSocket())
}

func TestManager_Grows(t *testing.T) {
	m := NewManager()
	assert.Nil(t, m.Get(-1, true))
	assert.Nil(t, m.Get(1000, false))

	c := m.Get(1000, true)
	require.NotNil(t, c)
	assert.Same(t, c, m.Get(1000, false))
	assert.GreaterOrEqual(t, len(m.fds), 1001)

	m.Del(1 << 20)
	m.Del(-1)
}

func TestFdCtx_Timeouts(t *testing.T) {
	c := NewManager().Get(1<<16, true)
	assert.Equal(t, NoTimeout, c.Timeout(RecvTimeout))
	assert.Equal(t, NoTimeout, c.Timeout(SendTimeout))

	c.SetTimeout(RecvTimeout, 200*time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, c.Timeout(RecvTimeout))
	assert.Equal(t, NoTimeout, c.Timeout(SendTimeout))

	c.SetTimeout(SendTimeout, time.Second)
	assert.Equal(t, time.Second, c.Timeout(SendTimeout))

	c.SetTimeout(RecvTimeout, -5)
	assert.Equal(t, NoTimeout, c.Timeout(RecvTimeout))
}

func TestFdCtx_Flags(t *testing.T) {
	c := NewManager().Get(1<<16, true)
	c.SetUserNonblock(true)
	assert.True(t, c.UserNonblock())
	c.SetSysNonblock(true)
	assert.True(t, c.SysNonblock())
	c.SetClosed(true)
	assert.True(t, c.IsClosed())
}

func TestDefault(t *testing.T) {
	assert.Same(t, Default(), Default())
}
