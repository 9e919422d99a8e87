package quota_test

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/reelworks/internal/quota"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMeter_WindowPrunesOldAttempts(t *testing.T) {
	clock := newClock()
	m := quota.NewMeter(quota.WithWindow(time.Minute), quota.WithClock(clock.Now))

	m.NoteAttempt()
	clock.Advance(30 * time.Second)
	m.NoteAttempt()
	m.NoteSuccess()
	m.NoteSuccess()

	assert.Equal(t, 2, m.Snapshot().RequestsInWindow)

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, m.Snapshot().RequestsInWindow, "first attempt is older than the window")

	clock.Advance(time.Minute)
	assert.Equal(t, 0, m.Snapshot().RequestsInWindow)
}

func TestMeter_NearLimit(t *testing.T) {
	clock := newClock()
	m := quota.NewMeter(quota.WithSoftLimit(3), quota.WithClock(clock.Now))

	assert.False(t, m.NoteAttempt().IsNearLimit)
	assert.False(t, m.NoteAttempt().IsNearLimit)
	snap := m.NoteAttempt()
	assert.True(t, snap.IsNearLimit)
	assert.Equal(t, 3, snap.SoftLimit)
	assert.Equal(t, 3, snap.InFlight)
}

func TestMeter_RateLimitedStampsTime(t *testing.T) {
	clock := newClock()
	m := quota.NewMeter(quota.WithClock(clock.Now))

	assert.Nil(t, m.Snapshot().LastRateLimitAt)

	m.NoteAttempt()
	clock.Advance(5 * time.Second)
	m.NoteRateLimited()

	snap := m.Snapshot()
	require.NotNil(t, snap.LastRateLimitAt)
	assert.Equal(t, clock.Now(), *snap.LastRateLimitAt)
	assert.Equal(t, 0, snap.InFlight)
}

func TestMeter_InFlightNeverNegative(t *testing.T) {
	m := quota.NewMeter()

	m.NoteSuccess()
	m.NoteFailure()
	m.NoteRateLimited()
	assert.Equal(t, 0, m.Snapshot().InFlight)

	m.NoteAttempt()
	m.NoteFailure()
	m.NoteFailure()
	assert.Equal(t, 0, m.Snapshot().InFlight)
}

func TestMeter_InFlightNeverNegativeConcurrent(t *testing.T) {
	m := quota.NewMeter()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, seed+1))
			for j := 0; j < 500; j++ {
				switch r.IntN(4) {
				case 0:
					m.NoteAttempt()
				case 1:
					m.NoteSuccess()
				case 2:
					m.NoteFailure()
				default:
					m.NoteRateLimited()
				}
				if m.Snapshot().InFlight < 0 {
					t.Errorf("inFlight went negative")
					return
				}
			}
		}(uint64(i))
	}
	wg.Wait()

	assert.GreaterOrEqual(t, m.Snapshot().InFlight, 0)
}
