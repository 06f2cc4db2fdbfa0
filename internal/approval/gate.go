// Package approval provides the human-in-the-loop gate for sensitive tool
// calls.
package approval

import (
	"context"
	"errors"
	"sync"
)

// ErrOutstanding is returned when a second approval request is made while
// one is already pending. The loop creates the wait before flipping status,
// so a second request is a programming error, not a race.
var ErrOutstanding = errors.New("approval request already outstanding")

// Gate is a single-slot approval rendezvous: at most one tool call can be
// awaiting approval at a time.
type Gate struct {
	mu      sync.Mutex
	pending chan bool
}

// NewGate creates an approval gate with no outstanding request.
func NewGate() *Gate {
	return &Gate{}
}

// Request registers the approval wait. It must be called before the status
// transition to waiting_approval so that a resolver firing immediately after
// the status change always finds the wait registered.
func (g *Gate) Request() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return ErrOutstanding
	}
	g.pending = make(chan bool, 1)
	return nil
}

// Wait blocks until the request is resolved or the context is cancelled.
// The slot is cleared on return. Cancellation counts as rejection alongside
// the context error.
func (g *Gate) Wait(ctx context.Context) (bool, error) {
	g.mu.Lock()
	ch := g.pending
	g.mu.Unlock()
	if ch == nil {
		return false, errors.New("no approval request outstanding")
	}

	defer func() {
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
	}()

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers the approval decision. Returns false as a no-op when no
// request is outstanding or the decision was already delivered.
func (g *Gate) Resolve(approved bool) bool {
	g.mu.Lock()
	ch := g.pending
	g.mu.Unlock()
	if ch == nil {
		return false
	}

	// Non-blocking send (channel is buffered with size 1)
	select {
	case ch <- approved:
		return true
	default:
		return false
	}
}

// Pending reports whether an approval request is outstanding.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}
