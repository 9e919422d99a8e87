package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

var (
	DefaultPredictBackoff = []time.Duration{10 * time.Second, 30 * time.Second}
	DefaultFetchBackoff   = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}
)

// Backoff is an increasing delay sequence. A call governed by a Backoff gets
// len(Steps)+1 attempts; the wait before retry k is Steps[min(k, len-1)]
// plus jitter in [0, base/2).
type Backoff struct {
	Steps  []time.Duration
	Jitter func() float64 // returns [0,1); nil means math/rand/v2
}

func NewBackoff(steps []time.Duration) Backoff {
	return Backoff{Steps: steps}
}

// Attempts is the total number of dispatches allowed, first try included.
func (b Backoff) Attempts() int {
	return len(b.Steps) + 1
}

// Base returns the un-jittered delay for retry k.
func (b Backoff) Base(k int) time.Duration {
	if len(b.Steps) == 0 {
		return 0
	}
	if k < 0 {
		k = 0
	}
	if k >= len(b.Steps) {
		k = len(b.Steps) - 1
	}
	return b.Steps[k]
}

// Delay returns the jittered delay for retry k.
func (b Backoff) Delay(k int) time.Duration {
	base := b.Base(k)
	if base <= 0 {
		return 0
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	return base + time.Duration(jitter()*float64(base)/2)
}

// Validate rejects sequences that shrink.
func (b Backoff) Validate() error {
	for i := 1; i < len(b.Steps); i++ {
		if b.Steps[i] < b.Steps[i-1] {
			return fmt.Errorf("backoff step %d (%v) is shorter than step %d (%v)", i, b.Steps[i], i-1, b.Steps[i-1])
		}
	}
	return nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
