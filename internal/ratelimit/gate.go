// Package ratelimit provides a minimum-interval gate serializing access to
// the private upstream.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Gate admits callers one at a time and guarantees a minimum interval
// between consecutive admissions. Waiters are served in arrival order.
type Gate struct {
	lane chan struct{}
	gap  time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewGate returns a gate with the given minimum interval between
// admissions. A zero or negative gap still serializes admissions but adds
// no delay.
func NewGate(gap time.Duration) *Gate {
	return &Gate{
		lane: make(chan struct{}, 1),
		gap:  gap,
	}
}

// Wait blocks until the caller may proceed. It returns early with the
// context error if ctx is cancelled first; in that case no admission slot is
// consumed. A caller whose request later fails does not affect subsequent
// waiters.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case g.lane <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.lane }()

	g.mu.Lock()
	wait := g.gap - time.Since(g.last)
	g.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	g.last = time.Now()
	g.mu.Unlock()
	return nil
}
