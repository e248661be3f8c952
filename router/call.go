package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// call scopes everything started for one confirmed unit. Closing it cancels
// in-flight setup and runs the registered cleanups, so nothing from an old
// call can act on a newer one.
type call struct {
	id     string
	unit   string
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the Run goroutine
	exiting      bool
	watchdog     *time.Timer
	conversation *time.Timer

	// bumped on every chunk of AI audio
	audioGen atomic.Uint64

	mu       sync.Mutex
	cleanups []func()
	closed   bool
}

func newCall(parent context.Context, unit string) *call {
	ctx, cancel := context.WithCancel(parent)
	return &call{id: uuid.NewString(), unit: unit, ctx: ctx, cancel: cancel}
}

// onEnd registers fn to run when the call closes. On a closed call fn runs
// immediately and onEnd returns false.
func (c *call) onEnd(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return false
	}
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
	return true
}

// close cancels the call and runs cleanups newest first. Safe to repeat.
func (c *call) close() {
	c.cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fns := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
