package schedule

import (
	"testing"
	"time"
)

func TestFakeFiresDueTimersInOrder(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	var fired []string
	fake.Schedule(2*time.Second, func() { fired = append(fired, "second") })
	fake.Schedule(1*time.Second, func() { fired = append(fired, "first") })
	fake.Schedule(10*time.Second, func() { fired = append(fired, "late") })

	fake.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "first" || fired[1] != "second" {
		t.Fatalf("unexpected firing order %v", fired)
	}
	if fake.Pending() != 1 {
		t.Fatalf("expected one armed timer, got %d", fake.Pending())
	}
}

func TestFakeStopPreventsFiring(t *testing.T) {
	fake := NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	fired := false
	timer := fake.Schedule(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected stop to succeed on armed timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report already stopped")
	}

	fake.Advance(time.Minute)
	if fired {
		t.Fatalf("expected stopped timer not to fire")
	}
}

func TestFakeAdvanceMovesClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)
	fake.Advance(90 * time.Minute)
	if !fake.Now().Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("unexpected clock reading %v", fake.Now())
	}
}
