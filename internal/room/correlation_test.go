package room

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
)

// runInline stands in for the actor mailbox in table-level tests.
func runInline(fn func()) { fn() }

func TestCorrelationResolveCancelsDeadline(t *testing.T) {
	fake := schedule.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	table := NewCorrelationTable(fake, runInline)

	var gotText string
	var gotOK bool
	table.Register("req-1", 5*time.Second, func(markdown string, ok bool) {
		gotText, gotOK = markdown, ok
	})

	if !table.Resolve("req-1", "# text") {
		t.Fatalf("expected resolve to find pending entry")
	}
	if !gotOK || gotText != "# text" {
		t.Fatalf("unexpected resolution %q ok=%v", gotText, gotOK)
	}

	fake.Advance(time.Minute)
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got %d entries", table.Len())
	}
}

func TestCorrelationDeadlineResolvesWithNoText(t *testing.T) {
	fake := schedule.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	table := NewCorrelationTable(fake, runInline)

	resolved := false
	var resolvedOK bool
	table.Register("req-1", 5*time.Second, func(markdown string, ok bool) {
		resolved = true
		resolvedOK = ok
	})

	fake.Advance(5 * time.Second)

	if !resolved {
		t.Fatalf("expected deadline to resolve the request")
	}
	if resolvedOK {
		t.Fatalf("expected deadline resolution to carry ok=false")
	}
	if table.Len() != 0 {
		t.Fatalf("expected entry to be removed on expiry")
	}
}

func TestCorrelationLateResponseIgnored(t *testing.T) {
	fake := schedule.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	table := NewCorrelationTable(fake, runInline)

	calls := 0
	table.Register("req-1", 5*time.Second, func(string, bool) { calls++ })

	fake.Advance(10 * time.Second)
	if table.Resolve("req-1", "late") {
		t.Fatalf("expected late response to be ignored")
	}
	if table.Resolve("req-unknown", "text") {
		t.Fatalf("expected unknown id to be ignored")
	}
	if calls != 1 {
		t.Fatalf("expected resolver to run exactly once, ran %d times", calls)
	}
}

func TestCorrelationClearDropsWithoutResolving(t *testing.T) {
	fake := schedule.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	table := NewCorrelationTable(fake, runInline)

	calls := 0
	table.Register("req-1", 5*time.Second, func(string, bool) { calls++ })
	table.Register("req-2", 5*time.Second, func(string, bool) { calls++ })

	table.Clear()

	fake.Advance(time.Minute)
	if calls != 0 {
		t.Fatalf("expected no resolver calls after clear, got %d", calls)
	}
	if table.Len() != 0 {
		t.Fatalf("expected cleared table")
	}
}
