// Package quota tracks provider load for the render client: a sliding window of
// dispatch attempts, the number of calls in flight, and the last throttle seen.
// It performs no I/O and is safe for concurrent use.
package quota

import (
	"sync"
	"time"
)

const (
	DefaultWindow    = 60 * time.Second
	DefaultSoftLimit = 8
)

// Snapshot is a point-in-time view of the meter.
type Snapshot struct {
	RequestsInWindow int        `json:"requestsInWindow"`
	InFlight         int        `json:"inFlight"`
	LastRateLimitAt  *time.Time `json:"lastRateLimitAt"`
	SoftLimit        int        `json:"softLimit"`
	IsNearLimit      bool       `json:"isNearLimit"`
}

// Meter is shared by every render attempt in the process.
type Meter struct {
	mu              sync.Mutex
	window          time.Duration
	softLimit       int
	now             func() time.Time
	attempts        []time.Time
	inFlight        int
	lastRateLimitAt time.Time
}

// Option configures a Meter.
type Option func(*Meter)

// WithWindow sets the sliding window length.
func WithWindow(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithSoftLimit sets the attempt count at which IsNearLimit flips.
func WithSoftLimit(n int) Option {
	return func(m *Meter) {
		if n > 0 {
			m.softLimit = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMeter(opts ...Option) *Meter {
	m := &Meter{
		window:    DefaultWindow,
		softLimit: DefaultSoftLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NoteAttempt records a dispatch and returns the resulting snapshot.
func (m *Meter) NoteAttempt() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.attempts = append(m.attempts, now)
	m.pruneLocked(now)
	m.inFlight++
	return m.snapshotLocked()
}

func (m *Meter) NoteSuccess() {
	m.release(false)
}

func (m *Meter) NoteFailure() {
	m.release(false)
}

// NoteRateLimited releases the in-flight slot and remembers when the throttle happened.
func (m *Meter) NoteRateLimited() {
	m.release(true)
}

// Snapshot prunes expired attempts and returns the current counts.
func (m *Meter) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())
	return m.snapshotLocked()
}

func (m *Meter) release(rateLimited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight > 0 {
		m.inFlight--
	}
	if rateLimited {
		m.lastRateLimitAt = m.now()
	}
}

// pruneLocked drops attempts older than the window. Attempts are appended in
// clock order so the expired ones always form a prefix.
func (m *Meter) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.attempts) && !m.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		m.attempts = append(m.attempts[:0], m.attempts[i:]...)
	}
}

func (m *Meter) snapshotLocked() Snapshot {
	s := Snapshot{
		RequestsInWindow: len(m.attempts),
		InFlight:         m.inFlight,
		SoftLimit:        m.softLimit,
		IsNearLimit:      len(m.attempts) >= m.softLimit,
	}
	if !m.lastRateLimitAt.IsZero() {
		t := m.lastRateLimitAt
		s.LastRateLimitAt = &t
	}
	return s
}
