package ratelimit

import (
	"context"
	"sync/atomic"
)

// DefaultConcurrency keeps remote generation calls under upstream rate limits
const DefaultConcurrency = 3

// Gate admits at most K concurrent task runs.
//
// It is a counting semaphore over a buffered channel: waiters are served roughly in
// arrival order, but no strict FIFO queue is kept.
type Gate struct {
	slots    chan struct{}
	inFlight atomic.Int64
}

// NewGate creates a gate with k slots. Non-positive k falls back to DefaultConcurrency.
func NewGate(k int) *Gate {
	if k <= 0 {
		k = DefaultConcurrency
	}
	return &Gate{slots: make(chan struct{}, k)}
}

// Acquire blocks until a slot is free or ctx is done
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		g.inFlight.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire
func (g *Gate) Release() {
	select {
	case <-g.slots:
		g.inFlight.Add(-1)
	default:
		panic("ratelimit: Release without matching Acquire")
	}
}

// InFlight returns the number of held slots
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Capacity returns K
func (g *Gate) Capacity() int {
	return cap(g.slots)
}
