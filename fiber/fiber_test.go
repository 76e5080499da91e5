package fiber

import (
	"errors"
	"io"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-fiber/internal/coctx"
	"github.com/joeycumines/go-fiber/internal/logx"
)

func TestMain(m *testing.M) {
	logx.SetDefault(logx.New(io.Discard, logiface.LevelDebug))
	os.Exit(m.Run())
}

// catchInvariant runs fn, returning the InvariantError it panicked with.
func catchInvariant(fn func()) (ie *InvariantError) {
	defer func() {
		ie, _ = recover().(*InvariantError)
	}()
	fn()
	return nil
}

// onThread runs fn on a fresh goroutine, which becomes a new thread, and waits.
func onThread(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func TestFiber_StateTransitions(t *testing.T) {
	var (
		sawState State
		sawID    uint64
		sawThis  *Fiber
	)
	f := NewFiber(func() {
		sawThis = GetThis()
		sawState = sawThis.State()
		sawID = GetFiberID()
	}, 0, true)

	require.Equal(t, Init, f.State())
	require.NotZero(t, f.ID())

	f.Call()

	assert.Equal(t, Term, f.State())
	assert.Equal(t, Exec, sawState)
	assert.Equal(t, f.ID(), sawID)
	assert.Same(t, f, sawThis)
	assert.Nil(t, f.Panic())
	assert.True(t, GetThis().root)
}

func TestFiber_CallBack(t *testing.T) {
	var steps []int
	f := NewFiber(func() {
		steps = append(steps, 1)
		GetThis().Back()
		steps = append(steps, 2)
		GetThis().Back()
		steps = append(steps, 3)
	}, 0, true)

	f.Call()
	require.Equal(t, []int{1}, steps)
	require.Equal(t, Exec, f.State())

	f.Call()
	require.Equal(t, []int{1, 2}, steps)

	f.Call()
	require.Equal(t, []int{1, 2, 3}, steps)
	require.Equal(t, Term, f.State())
}

func TestFiber_ResetReusesStack(t *testing.T) {
	var runs []string
	f := NewFiber(func() { runs = append(runs, "first") }, 0, true)
	f.Call()
	require.Equal(t, Term, f.State())

	before := coctx.Stacks()
	for _, name := range []string{"second", "third"} {
		f.Reset(func() { runs = append(runs, name) })
		require.Equal(t, Init, f.State())
		f.Call()
		require.Equal(t, Term, f.State())
	}
	assert.Equal(t, before, coctx.Stacks())
	assert.Equal(t, []string{"first", "second", "third"}, runs)
}

func TestFiber_PanicRecorded(t *testing.T) {
	f := NewFiber(func() { panic("boom") }, 0, true)
	f.Call()
	require.Equal(t, Except, f.State())
	require.NotNil(t, f.Panic())
	assert.Equal(t, "boom", f.Panic().Value)
	assert.NotEmpty(t, f.Panic().Stack)
	assert.Contains(t, f.Panic().Error(), "boom")

	ran := false
	f.Reset(func() { ran = true })
	assert.Nil(t, f.Panic())
	f.Call()
	assert.True(t, ran)
	assert.Equal(t, Term, f.State())
}

func TestFiber_PanicUnwrap(t *testing.T) {
	f := NewFiber(func() { panic(io.ErrUnexpectedEOF) }, 0, true)
	f.Call()
	require.Equal(t, Except, f.State())
	assert.True(t, errors.Is(f.Panic(), io.ErrUnexpectedEOF))
}

func TestFiber_Goexit(t *testing.T) {
	f := NewFiber(func() { runtime.Goexit() }, 0, true)
	f.Call()
	require.Equal(t, Except, f.State())
	assert.ErrorIs(t, f.Panic(), errGoexit)

	ie := catchInvariant(func() { f.Reset(nil) })
	require.NotNil(t, ie)
	assert.Contains(t, ie.Message, "goroutine exited")
}

func TestFiber_YieldToReady(t *testing.T) {
	count := 0
	f := NewFiber(func() {
		for range 3 {
			count++
			YieldToReady()
		}
	}, 0, false)

	for i := 1; i <= 3; i++ {
		f.SwapIn()
		require.Equal(t, Ready, f.State())
		require.Equal(t, i, count)
	}
	f.SwapIn()
	assert.Equal(t, Term, f.State())
}

func TestFiber_InvariantViolations(t *testing.T) {
	t.Run(`reset root`, func(t *testing.T) {
		require.NotNil(t, catchInvariant(func() { GetThis().Reset(nil) }))
	})

	t.Run(`yield from root`, func(t *testing.T) {
		require.NotNil(t, catchInvariant(YieldToHold))
		require.NotNil(t, catchInvariant(YieldToReady))
	})

	t.Run(`call finished without reset`, func(t *testing.T) {
		f := NewFiber(func() {}, 0, true)
		f.Call()
		ie := catchInvariant(f.Call)
		require.NotNil(t, ie)
		assert.Contains(t, ie.Message, "without reset")
		assert.Equal(t, Term, f.State())
	})

	t.Run(`reset while executing`, func(t *testing.T) {
		f := NewFiber(func() { GetThis().Back() }, 0, true)
		f.Call()
		require.NotNil(t, catchInvariant(func() { f.Reset(nil) }))
		f.Call()
		assert.Equal(t, Term, f.State())
	})

	t.Run(`swap in executing`, func(t *testing.T) {
		f := NewFiber(func() { GetThis().Back() }, 0, true)
		f.Call()
		require.NotNil(t, catchInvariant(f.SwapIn))
		f.Call()
		assert.Equal(t, Term, f.State())
	})
}

func TestFiber_DroppedWhileSuspended(t *testing.T) {
	done := make(chan struct{})
	func() {
		f := NewFiber(func() {
			defer close(done)
			GetThis().Back()
			t.Error("resumed after release")
		}, 0, true)
		f.Call()
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetFiberID_OutsideFiber(t *testing.T) {
	onThread(t, func() {
		assert.Zero(t, GetFiberID())
		assert.False(t, HookEnabled())
		assert.Nil(t, CurrentScheduler())
		assert.Nil(t, CurrentIOManager())
	})
}

func TestSetHookEnabled(t *testing.T) {
	onThread(t, func() {
		SetHookEnabled(true)
		assert.True(t, HookEnabled())
		SetHookEnabled(false)
		assert.False(t, HookEnabled())
	})
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{
		Init:      "INIT",
		Hold:      "HOLD",
		Exec:      "EXEC",
		Term:      "TERM",
		Ready:     "READY",
		Except:    "EXCEPT",
		State(42): "UNKNOWN",
	} {
		assert.Equal(t, want, st.String())
	}
}
