package schedule

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Scheduler and clock for tests. Time only moves
// when Advance is called; due callbacks fire synchronously in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64
	timers map[int64]*fakeTimer
}

type fakeTimer struct {
	owner *Fake
	id    int64
	at    time.Time
	fn    func()
}

// NewFake returns a Fake positioned at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, timers: make(map[int64]*fakeTimer)}
}

// Now returns the fake wall clock reading.
func (fake *Fake) Now() time.Time {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.now
}

// Schedule arms a callback at now+delay.
func (fake *Fake) Schedule(delay time.Duration, fn func()) Timer {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.nextID++
	timer := &fakeTimer{owner: fake, id: fake.nextID, at: fake.now.Add(delay), fn: fn}
	fake.timers[timer.id] = timer
	return timer
}

// Advance moves the clock forward and fires callbacks that came due, in
// deadline order. Callbacks run without the scheduler lock held, so they
// may arm new timers; timers armed inside a callback fire on a later
// Advance call even if already due.
func (fake *Fake) Advance(delta time.Duration) {
	fake.mu.Lock()
	fake.now = fake.now.Add(delta)
	due := make([]*fakeTimer, 0, len(fake.timers))
	for _, timer := range fake.timers {
		if !timer.at.After(fake.now) {
			due = append(due, timer)
		}
	}
	for _, timer := range due {
		delete(fake.timers, timer.id)
	}
	fake.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, timer := range due {
		timer.fn()
	}
}

// Pending returns the number of armed timers.
func (fake *Fake) Pending() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return len(fake.timers)
}

func (timer *fakeTimer) Stop() bool {
	timer.owner.mu.Lock()
	defer timer.owner.mu.Unlock()
	if _, armed := timer.owner.timers[timer.id]; !armed {
		return false
	}
	delete(timer.owner.timers, timer.id)
	return true
}
