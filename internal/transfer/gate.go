package transfer

import (
	"context"
	"sync"
)

// Gate is a cooperative pause point. The engine waits on it before each
// file; pausing never interrupts a file already in flight.
type Gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{open: ch}
}

// Pause closes the gate. It reports false when already paused.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.open = make(chan struct{})
	return true
}

// Resume opens the gate. It reports false when not paused.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.open)
	return true
}

// Toggle flips the gate and returns the new paused state.
func (g *Gate) Toggle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.open)
		return false
	}
	g.paused = true
	g.open = make(chan struct{})
	return true
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is closed. It returns ctx.Err() if the context
// ends first, so cancellation always releases a paused session.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
