package services_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/reelworks/internal/services"
)

func TestGuard_NeverExceedsMaxConcurrency(t *testing.T) {
	g := services.NewGuard(2, 0)

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&current, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int32(0), atomic.LoadInt32(&current))
}

func TestGuard_SpacesDispatchStarts(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var slept []time.Duration
	g := services.NewGuard(4, 1500*time.Millisecond, services.WithGuardClock(
		func() time.Time { return start },
		func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	))

	calls := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Do(context.Background(), func(context.Context) error {
			calls++
			return nil
		}))
	}

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 3 * time.Second}, slept)
}

func TestGuard_NoWaitOnceSpacingElapsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var slept []time.Duration
	g := services.NewGuard(1, time.Second, services.WithGuardClock(
		func() time.Time { return now },
		func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	))

	require.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))
	now = now.Add(2 * time.Second)
	require.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))

	assert.Empty(t, slept)
}

func TestGuard_CancelledWaitSkipsCall(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := services.NewGuard(1, time.Minute, services.WithGuardClock(
		func() time.Time { return now },
		func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	))
	require.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := g.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
