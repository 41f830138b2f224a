// Package schedule provides the single-shot deferred callback primitive the
// room actor uses for debounce, retry backoff and TTL wake-ups. Timers are
// always replaced, never stacked.
package schedule

import "time"

// Timer is an armed single-shot callback.
type Timer interface {
	// Stop cancels the callback if it has not fired yet.
	Stop() bool
}

// Scheduler arms single-shot deferred callbacks.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Timer
}

type wallScheduler struct{}

// NewWallScheduler returns a Scheduler backed by real timers.
func NewWallScheduler() Scheduler {
	return wallScheduler{}
}

func (wallScheduler) Schedule(delay time.Duration, fn func()) Timer {
	return wallTimer{timer: time.AfterFunc(delay, fn)}
}

type wallTimer struct {
	timer *time.Timer
}

func (t wallTimer) Stop() bool {
	return t.timer.Stop()
}
