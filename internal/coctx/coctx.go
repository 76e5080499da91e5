// Package coctx implements the execution contexts that fibers switch between.
//
// A [Context] is a parking spot for exactly one goroutine. [Switch] wakes the
// goroutine parked on one context and parks the caller on another, so that of
// the goroutines participating in a chain of switches, at most one is runnable
// at any instant. This is the only place that transfers control between
// fibers; everything above it works with the opaque *Context handle.
package coctx

import (
	"runtime"
	"sync/atomic"
)

// Context is an opaque saved execution context.
type Context struct {
	ch     chan struct{}
	closed atomic.Bool
}

// stacks counts goroutines started by Make.
var stacks atomic.Uint64

// New returns a context for the calling goroutine, which has no goroutine of
// its own to start. It is the anchor for a thread's root flow.
func New() *Context {
	return &Context{ch: make(chan struct{})}
}

// Make starts a goroutine that stays parked until the first switch to the
// returned context, then calls entry. If the context is closed first, entry
// is never called and the goroutine exits.
func Make(entry func()) *Context {
	c := New()
	stacks.Add(1)
	go func() {
		if !c.Wait() {
			return
		}
		entry()
	}()
	return c
}

// Switch wakes the goroutine parked on to, then parks the calling goroutine on
// from. It returns false if from was closed instead of being switched to.
func Switch(from, to *Context) bool {
	to.ch <- struct{}{}
	return from.Wait()
}

// Resume wakes the goroutine parked on to without parking the caller, for a
// goroutine that is about to exit.
func Resume(to *Context) {
	to.ch <- struct{}{}
}

// Wait parks the calling goroutine on c until it is switched to (true) or
// closed (false).
func (c *Context) Wait() bool {
	_, ok := <-c.ch
	return ok
}

// Close releases whatever goroutine is, or will be, parked on c. Switching to
// a closed context panics.
func (c *Context) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool { return c.closed.Load() }

// Stacks returns the number of goroutines ever started by Make.
func Stacks() uint64 { return stacks.Load() }

// GoroutineID returns the current goroutine's ID.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
