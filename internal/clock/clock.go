// Package clock provides an injectable time source.
// This package is internal and should not be imported by external projects.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts the time source so TTL and expiry behavior can be tested
// deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NowMS returns the current time as epoch milliseconds.
	NowMS() int64
}

// Real returns a Clock backed by the system time.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NowMS() int64 { return time.Now().UnixMilli() }

// Manual is a Clock whose time only moves when told to. It is safe for
// concurrent use.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) NowMS() int64 {
	return m.Now().UnixMilli()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set moves the clock to an absolute time.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
