package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrent = 2
	DefaultMinSpacing    = 1500 * time.Millisecond
)

// Guard caps simultaneous provider calls and spaces out their starts.
// The semaphore admits waiters in FIFO order; the spacing gate hands out start
// slots in the order callers reach it, so starts are serialized globally even
// when several calls are in flight.
type Guard struct {
	sem     *semaphore.Weighted
	spacing time.Duration
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	mu        sync.Mutex
	lastStart time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock replaces the clock and sleeper, for tests.
func WithGuardClock(now func() time.Time, sleep func(context.Context, time.Duration) error) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

func NewGuard(maxConcurrent int, minSpacing time.Duration, opts ...GuardOption) *Guard {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if minSpacing < 0 {
		minSpacing = 0
	}
	g := &Guard{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		spacing: minSpacing,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn once a slot is free and the spacing floor since the previous
// start has passed. It returns ctx's error without calling fn when the wait is
// cancelled.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("cancelled while waiting for provider slot: %w", err)
	}
	defer g.sem.Release(1)

	if wait := g.reserveStart(); wait > 0 {
		if err := g.sleep(ctx, wait); err != nil {
			return fmt.Errorf("cancelled while spacing provider calls: %w", err)
		}
	}

	return fn(ctx)
}

// reserveStart books the next start slot and returns how long to wait for it.
func (g *Guard) reserveStart() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	start := now
	if !g.lastStart.IsZero() {
		if earliest := g.lastStart.Add(g.spacing); earliest.After(now) {
			start = earliest
		}
	}
	g.lastStart = start
	return start.Sub(now)
}
