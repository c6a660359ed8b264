// Package clock abstracts the monotonic time source used for deadline
// arithmetic so that tests can run on a controlled timeline.
package clock

import (
	"sync"
	"time"
)

// Clock provides monotonic timestamps for deadline comparisons and an
// optional UTC reading for frame timestamping.
type Clock interface {
	// Monotonic returns the time elapsed since an arbitrary fixed origin.
	// It never goes backwards.
	Monotonic() time.Duration

	// UTC returns wall-clock time; may be zero when unavailable.
	UTC() time.Time
}

type systemClock struct {
	origin time.Time
}

// System returns a Clock backed by the runtime monotonic clock.
func System() Clock { return &systemClock{origin: time.Now()} }

func (c *systemClock) Monotonic() time.Duration { return time.Since(c.origin) }
func (c *systemClock) UTC() time.Time           { return time.Now().UTC() }

// Mock is a manually advanced clock for tests.
type Mock struct {
	mu   sync.Mutex
	mono time.Duration
	utc  time.Time
}

func (m *Mock) Monotonic() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mono
}

func (m *Mock) UTC() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utc
}

// Set moves the monotonic reading to t.
func (m *Mock) Set(t time.Duration) {
	m.mu.Lock()
	m.mono = t
	m.mu.Unlock()
}

// Advance moves the monotonic reading forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.mono += d
	m.mu.Unlock()
}

// SetUTC sets the wall-clock reading.
func (m *Mock) SetUTC(t time.Time) {
	m.mu.Lock()
	m.utc = t
	m.mu.Unlock()
}
