// Package clock provides wall-clock access that tests can control.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Manual is a clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock set to t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// NewManualMillis creates a Manual clock set to ms milliseconds since epoch.
func NewManualMillis(ms int64) *Manual {
	return NewManual(time.UnixMilli(ms))
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Millis is a strictly increasing millisecond timestamp source.
// Two calls within the same millisecond return distinct values, so
// lastModified and change-log timestamps never tie on one device.
type Millis struct {
	clock Clock
	last  atomic.Int64
}

// NewMillis wraps c. A nil c uses the system clock.
func NewMillis(c Clock) *Millis {
	if c == nil {
		c = System{}
	}
	return &Millis{clock: c}
}

// Next returns max(now, previous+1) in milliseconds since epoch.
func (m *Millis) Next() int64 {
	for {
		prev := m.last.Load()
		next := m.clock.Now().UnixMilli()
		if next <= prev {
			next = prev + 1
		}
		if m.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// After returns a timestamp strictly greater than floor and never earlier
// than now.
func (m *Millis) After(floor int64) int64 {
	for {
		next := m.Next()
		if next > floor {
			return next
		}
		m.last.CompareAndSwap(next, floor)
	}
}
