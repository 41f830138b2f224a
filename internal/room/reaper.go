package room

import (
	"time"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
)

// Reaper arms the deferred wake-up that garbage-collects abandoned anonymous
// rooms. It is owned by a single room actor; the wake callback re-enters the
// actor's processing loop via post. At most one wake-up is armed at a time.
type Reaper struct {
	sched schedule.Scheduler
	post  func(func())
	wake  func()
	timer schedule.Timer
}

// NewReaper returns a disarmed reaper.
func NewReaper(sched schedule.Scheduler, post func(func()), wake func()) *Reaper {
	return &Reaper{sched: sched, post: post, wake: wake}
}

// Arm schedules the wake-up after delay, replacing any armed one.
func (reaper *Reaper) Arm(delay time.Duration) {
	reaper.Disarm()
	if delay < 0 {
		delay = 0
	}
	reaper.timer = reaper.sched.Schedule(delay, func() {
		reaper.post(reaper.wake)
	})
}

// Disarm cancels a pending wake-up if one is armed.
func (reaper *Reaper) Disarm() {
	if reaper.timer != nil {
		reaper.timer.Stop()
		reaper.timer = nil
	}
}

// Armed reports whether a wake-up is pending.
func (reaper *Reaper) Armed() bool {
	return reaper.timer != nil
}
