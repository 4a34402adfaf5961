package clock

import (
	"sync"
	"time"
)

// Clock provides evaluation time for the engine, lifecycle manager, and window queries.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for deterministic evaluation tests.
// Params: start time passed to NewManual.
// Returns: clock that only moves when Set/Advance is called.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock pinned to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns pinned time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set pins clock to value.
func (m *Manual) Set(value time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = value.UTC()
}

// Advance moves clock forward by delta and returns new time.
func (m *Manual) Advance(delta time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(delta)
	return m.now
}
