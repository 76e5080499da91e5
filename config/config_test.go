package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_defaultsAndIdentity(t *testing.T) {
	r := NewRegistry(nil)
	a := LookupIn(r, "fiber.stack_size", uint32(1024), "stack")
	b := LookupIn(r, "FIBER.STACK_SIZE", uint32(4096), "ignored")

	require.Same(t, a, b)
	assert.Equal(t, uint32(1024), b.Value())
	assert.Equal(t, "fiber.stack_size", a.Name())
	assert.Equal(t, "stack", a.Description())
}

func TestLookup_invalid(t *testing.T) {
	r := NewRegistry(nil)
	LookupIn(r, "tcp.connect.timeout", 5*time.Second, "")

	tests := []struct {
		name string
		fn   func()
		want error
	}{
		{"bad name", func() { LookupIn(r, "bad name!", 1, "") }, ErrInvalidName},
		{"type mismatch", func() { LookupIn(r, "tcp.connect.timeout", 1, "") }, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				err, _ := recover().(error)
				if !errors.Is(err, tt.want) {
					t.Errorf("recovered %v, want %v", err, tt.want)
				}
			}()
			tt.fn()
		})
	}
}

func TestVar_listeners(t *testing.T) {
	r := NewRegistry(nil)
	v := LookupIn(r, "tcp.connect.timeout", 5*time.Second, "")

	var calls []string
	id := v.AddListener(func(oldValue, newValue time.Duration) {
		calls = append(calls, oldValue.String()+"->"+newValue.String())
	})
	v.AddListener(func(oldValue, newValue time.Duration) {
		calls = append(calls, "second")
	})

	v.SetValue(time.Second)
	v.SetValue(time.Second) // unchanged, no notification
	v.DelListener(id)
	v.SetValue(2 * time.Second)
	v.ClearListeners()
	v.SetValue(3 * time.Second)

	assert.Equal(t, []string{"5s->1s", "second", "second"}, calls)
	assert.Equal(t, 3*time.Second, v.Value())
}

func TestRegistry_LoadReader(t *testing.T) {
	r := NewRegistry(nil)
	stack := LookupIn(r, "fiber.stack_size", uint32(131072), "")
	timeout := LookupIn(r, "tcp.connect.timeout", 5*time.Second, "")
	buf := LookupIn(r, "tcp.buffer_size", 4096, "")

	var seen atomic.Int64
	timeout.AddListener(func(oldValue, newValue time.Duration) {
		seen.Store(int64(newValue))
	})

	err := r.LoadReader("toml", strings.NewReader(`
[fiber]
stack_size = 65536

[tcp.connect]
timeout = "200ms"
`))
	require.NoError(t, err)

	assert.Equal(t, uint32(65536), stack.Value())
	assert.Equal(t, 200*time.Millisecond, timeout.Value())
	assert.Equal(t, int64(200*time.Millisecond), seen.Load())
	assert.Equal(t, 4096, buf.Value(), "values absent from the file keep their defaults")
}

func TestRegistry_Dump(t *testing.T) {
	r := NewRegistry(nil)
	LookupIn(r, "fiber.stack_size", uint32(131072), "")
	LookupIn(r, "tcp.connect.timeout", 5*time.Second, "")

	var b bytes.Buffer
	require.NoError(t, r.Dump(&b))
	out := b.String()
	assert.Contains(t, out, "stack_size = 131072")
	assert.Contains(t, out, "5s")

	var names []string
	r.Visit(func(name, _ string, _ any) { names = append(names, name) })
	assert.Equal(t, []string{"fiber.stack_size", "tcp.connect.timeout"}, names)
}

func TestRegistry_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.toml")
	require.NoError(t, os.WriteFile(path, []byte("[tcp]\nbuffer_size = 1024\n"), 0o644))

	r := NewRegistry(nil)
	buf := LookupIn(r, "tcp.buffer_size", 4096, "")
	require.NoError(t, r.Load(path))
	require.Equal(t, 1024, buf.Value())

	changed := make(chan [2]int, 4)
	buf.AddListener(func(oldValue, newValue int) { changed <- [2]int{oldValue, newValue} })
	r.Watch()

	require.NoError(t, os.WriteFile(path, []byte("[tcp]\nbuffer_size = 8192\n"), 0o644))

	select {
	case c := <-changed:
		assert.Equal(t, [2]int{1024, 8192}, c)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoad_missingFile(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
