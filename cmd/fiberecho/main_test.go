//go:build linux

package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-fiber/fiber"
	"github.com/joeycumines/go-fiber/internal/logx"
)

func TestMain(m *testing.M) {
	logx.SetDefault(logx.New(io.Discard, logiface.LevelDebug))
	os.Exit(m.Run())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func startServer(t *testing.T, hexMode bool) (*server, *fiber.IOManager, *syncBuffer, string) {
	t.Helper()
	iom, err := fiber.NewIOManager(2, false, t.Name(), fiber.WithMaxIdleWait(100*time.Millisecond))
	require.NoError(t, err)
	out := new(syncBuffer)
	s := newServer(logx.Default(), out, hexMode)
	port, err := s.start(iom, "127.0.0.1:0")
	if err != nil {
		_ = iom.Close()
		t.Fatal(err)
	}
	require.NotZero(t, port)
	return s, iom, out, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func echo(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestServer_Echo(t *testing.T) {
	s, iom, out, addr := startServer(t, false)

	var conns []net.Conn
	for range 3 {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for i, conn := range conns {
		echo(t, conn, "hello "+strconv.Itoa(i))
	}
	require.Eventually(t, func() bool { return s.connections() == 3 }, 5*time.Second, time.Millisecond)

	require.NoError(t, conns[0].Close())
	require.Eventually(t, func() bool { return s.connections() == 2 }, 5*time.Second, time.Millisecond)

	// the remaining clients are disconnected by shutdown
	s.shutdown(iom)
	require.NoError(t, iom.Close())
	assert.Zero(t, s.connections())
	for _, conn := range conns[1:] {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err := conn.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
		_ = conn.Close()
	}

	for i := range conns {
		assert.Contains(t, out.String(), "hello "+strconv.Itoa(i))
	}
}

func TestServer_HexMode(t *testing.T) {
	s, iom, out, addr := startServer(t, true)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	echo(t, conn, "hello")
	s.shutdown(iom)
	require.NoError(t, iom.Close())
	assert.Contains(t, out.String(), "68 65 6c 6c 6f")
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	iom, err := fiber.NewIOManager(1, false, t.Name())
	require.NoError(t, err)
	defer iom.Close()

	s := newServer(logx.Default(), io.Discard, false)
	// no SO_REUSEPORT, so a port with an active listener is taken
	_, err = s.start(iom, ln.Addr().String())
	assert.Error(t, err)

	_, err = s.start(iom, "not an address")
	assert.Error(t, err)
}

func TestRootCmd_InvalidMode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--mode", "binary"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --mode")
}

func TestRootCmd_Config(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "fiberecho-*.toml")
	require.NoError(t, err)
	_, err = f.WriteString("[tcp]\nbuffer_size = 512\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	prev := bufferSizeVar.Value()
	t.Cleanup(func() { bufferSizeVar.SetValue(prev) })

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"config", "--config", f.Name()})
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	assert.Equal(t, 512, bufferSizeVar.Value())
	assert.Contains(t, out.String(), "buffer_size = 512")
	assert.Contains(t, out.String(), "[iomanager]")
	assert.Contains(t, out.String(), "[fiber]")
}
