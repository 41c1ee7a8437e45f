// Package clock abstracts time for the session engine so renewal, connect
// timeout, reconnect backoff, and silence timers are deterministic in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a single-shot scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback had not yet
	// fired. Safe to call more than once.
	Stop() bool
}

// Clock supplies current time and single-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// Manual is a test clock. Timers fire synchronously from Advance in deadline
// order; callbacks may schedule further timers.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers []*manualTimer
}

// NewManual returns a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	clock    *Manual
	id       int
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{clock: m, id: m.nextID, deadline: m.now.Add(d), fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward, firing due timers one at a time in
// deadline order (ties break by scheduling order).
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}

// popDue removes and returns the earliest unfired timer with a deadline at
// or before target, advancing Now to that deadline, or nil if none remain.
func (m *Manual) popDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].deadline.Equal(m.timers[j].deadline) {
			return m.timers[i].id < m.timers[j].id
		}
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})

	for _, t := range m.timers {
		if t.deadline.After(target) {
			return nil
		}
		t.fired = true
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		return t
	}
	return nil
}

// PendingTimers reports how many unfired, unstopped timers are scheduled.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
