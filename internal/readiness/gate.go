// Package readiness provides a gate that holds callers back until a component is ready.
package readiness

import (
	"context"
	"errors"
	"sync"
)

// ErrNotReady is returned to waiters released by Reset without a cause.
var ErrNotReady = errors.New("readiness: not ready")

// Gate is closed until Open is called. Reset closes it again and fails current waiters fast. A
// gate reset with a cause keeps failing new waiters until it is opened again.
type Gate struct {
	mu       sync.Mutex
	open     bool
	ready    chan struct{}
	reset    chan struct{}
	cause    error
	released error
}

func New() *Gate {
	return &Gate{ready: make(chan struct{}), reset: make(chan struct{})}
}

// Open releases every waiter.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return
	}
	g.open = true
	g.cause = nil
	close(g.ready)
}

// Reset closes the gate. Callers blocked in Wait return cause, or ErrNotReady when cause is nil.
func (g *Gate) Reset(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = cause
	if g.released == nil {
		g.released = ErrNotReady
	}
	g.cause = cause
	close(g.reset)
	g.reset = make(chan struct{})
	if g.open {
		g.open = false
		g.ready = make(chan struct{})
	}
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate opens, the gate is reset or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}
	if g.cause != nil {
		err := g.cause
		g.mu.Unlock()
		return err
	}
	ready, reset := g.ready, g.reset
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-reset:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.released
	case <-ctx.Done():
		return ctx.Err()
	}
}
