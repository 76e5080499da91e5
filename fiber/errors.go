package fiber

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/joeycumines/go-fiber/internal/logx"
)

// Standard errors.
var (
	ErrInvalidThreads   = errors.New("fiber: thread count must be positive")
	ErrSchedulerRunning = errors.New("fiber: scheduler already started")
	ErrSchedulerStopped = errors.New("fiber: scheduler stopped")
	ErrThreadInUse      = errors.New("fiber: calling thread already belongs to a scheduler")
	ErrFDOutOfRange     = errors.New("fiber: fd out of range")
	ErrIOManagerClosed  = errors.New("fiber: iomanager closed")
	ErrInvalidOption    = errors.New("fiber: invalid option")
)

// errGoexit is recorded as the panic value of a fiber whose callback called
// runtime.Goexit.
var errGoexit = errors.New("fiber: callback called runtime.Goexit")

// InvariantError reports misuse of the runtime's API. It is raised as a
// panic, and is never recovered by the fiber trampoline.
type InvariantError struct {
	Message string
	Stack   []byte
}

func (e *InvariantError) Error() string {
	return "fiber: invariant violated: " + e.Message
}

// PanicInfo is the failure recorded by a fiber whose callback panicked.
type PanicInfo struct {
	Value any
	Stack []byte
}

func (p *PanicInfo) Error() string {
	return fmt.Sprintf("fiber: callback panicked: %v", p.Value)
}

// Unwrap returns the panic value if it is an error.
func (p *PanicInfo) Unwrap() error {
	if err, ok := p.Value.(error); ok {
		return err
	}
	return nil
}

func assertf(cond bool, format string, args ...any) {
	if !cond {
		fail(fmt.Sprintf(format, args...))
	}
}

func fail(msg string) {
	err := &InvariantError{Message: msg, Stack: debug.Stack()}
	logx.Default().Crit().
		Str(`stack`, string(err.Stack)).
		Log(err.Error())
	panic(err)
}
