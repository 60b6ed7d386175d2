// Package scheduler provides the delayed re-invocation primitive the
// orchestrator is built on. The control plane cannot hold a goroutine
// parked for the length of an agent run, so every long wait is expressed
// as "run this callback after N" and re-enters the system as fresh work.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Scheduler schedules a callback to run once after a delay.
type Scheduler interface {
	RunAfter(delay time.Duration, fn func())
}

// Timer is the production Scheduler backed by time.AfterFunc.
type Timer struct{}

// NewTimer returns the production scheduler.
func NewTimer() *Timer {
	return &Timer{}
}

// RunAfter schedules fn after delay.
func (t *Timer) RunAfter(delay time.Duration, fn func()) {
	time.AfterFunc(delay, fn)
}

// Manual is a deterministic Scheduler for tests: callbacks run only when
// the clock is advanced explicitly.
type Manual struct {
	mu    sync.Mutex
	now   time.Duration
	queue []manualEntry
}

type manualEntry struct {
	at time.Duration
	fn func()
}

// NewManual returns a Manual scheduler starting at time zero.
func NewManual() *Manual {
	return &Manual{}
}

// RunAfter records fn to run once the clock passes now+delay.
func (m *Manual) RunAfter(delay time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, manualEntry{at: m.now + delay, fn: fn})
}

// Advance moves the clock forward and runs every due callback in schedule
// order. Callbacks may schedule further work; anything falling due within
// the same advance runs too.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()

	for {
		fn := m.popDue()
		if fn == nil {
			return
		}
		fn()
	}
}

// Pending reports how many callbacks are still queued.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manual) popDue() func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.queue, func(i, j int) bool { return m.queue[i].at < m.queue[j].at })
	if len(m.queue) == 0 || m.queue[0].at > m.now {
		return nil
	}
	fn := m.queue[0].fn
	m.queue = m.queue[1:]
	return fn
}
