// Package logx holds the logging defaults shared by the runtime packages.
package logx

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the logger type accepted throughout the module.
type Logger = logiface.Logger[logiface.Event]

var def atomic.Pointer[Logger]

func init() {
	def.Store(New(os.Stderr, logiface.LevelInformational))
}

// New returns a JSON logger writing to w, filtering events below level.
func New(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Default returns the process-wide logger used when a component was not
// given one explicitly. It may be nil, which disables logging.
func Default() *Logger { return def.Load() }

// SetDefault replaces the process-wide logger, returning the previous one.
func SetDefault(l *Logger) *Logger { return def.Swap(l) }

// Limiter gates repeated log lines per category, so a descriptor stuck in an
// error loop cannot flood the output.
type Limiter struct {
	limiter *catrate.Limiter
}

// NewLimiter allows at most 5 lines per second and 60 per minute per category.
func NewLimiter() *Limiter {
	return &Limiter{limiter: catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	})}
}

// Allow reports whether a line in the given category may be logged now.
func (x *Limiter) Allow(category any) bool {
	if x == nil {
		return true
	}
	_, ok := x.limiter.Allow(category)
	return ok
}
