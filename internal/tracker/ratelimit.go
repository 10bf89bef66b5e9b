package tracker

import (
	"context"
	"sync"
	"time"
)

// maxGateDelay caps the doubling escalation on repeated 429s.
const maxGateDelay = 10 * time.Second

// Gate enforces a minimum delay between outbound requests. It is shared by
// all workers of a run, so the aggregate request rate stays bounded
// regardless of worker count.
type Gate struct {
	mu    sync.Mutex
	delay time.Duration
	next  time.Time
}

// NewGate creates a gate with the given minimum inter-request delay.
func NewGate(delay time.Duration) *Gate {
	return &Gate{delay: delay}
}

// Wait blocks until the caller may issue a request, or until ctx is done.
// Each caller reserves a slot, so concurrent waiters queue up at delay
// intervals.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	at := g.next
	if at.Before(now) {
		at = now
	}
	g.next = at.Add(g.delay)
	g.mu.Unlock()

	d := time.Until(at)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Slow doubles the inter-request delay for the remainder of the run, up to
// a cap. Called after repeated 429 responses.
func (g *Gate) Slow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay *= 2
	if g.delay > maxGateDelay {
		g.delay = maxGateDelay
	}
}

// Delay returns the current inter-request delay.
func (g *Gate) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delay
}
