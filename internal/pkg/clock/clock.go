// Package clock abstracts wall-clock time so replay can substitute bar time
// for time.Now without touching the code paths that read it.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type wall struct{}

func (wall) Now() time.Time { return time.Now().UTC() }

// Wall returns the process wall clock in UTC.
func Wall() Clock { return wall{} }

// Manual is a settable clock. Replay advances it to each bar's close time.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock. Moving backwards is ignored so that readers never
// observe time running in reverse.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t = t.UTC()
	if t.After(m.now) {
		m.now = t
	}
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
