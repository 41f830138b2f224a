package room

import (
	"time"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
)

// pendingRequest tracks one in-flight request/response pair.
type pendingRequest struct {
	resolve func(markdown string, ok bool)
	timer   schedule.Timer
}

// CorrelationTable tracks in-flight request/response pairs with deadlines.
// It is owned by a single room actor: every method must be called from the
// actor's processing loop. Deadline expiry re-enters the loop via post.
type CorrelationTable struct {
	sched   schedule.Scheduler
	post    func(func())
	pending map[string]*pendingRequest
}

// NewCorrelationTable returns an empty table.
func NewCorrelationTable(sched schedule.Scheduler, post func(func())) *CorrelationTable {
	return &CorrelationTable{
		sched:   sched,
		post:    post,
		pending: make(map[string]*pendingRequest),
	}
}

// Register records a pending request and arms its deadline. On expiry the
// entry is removed and the resolver is invoked with ok=false.
func (table *CorrelationTable) Register(correlationID string, deadline time.Duration, resolve func(markdown string, ok bool)) {
	entry := &pendingRequest{resolve: resolve}
	entry.timer = table.sched.Schedule(deadline, func() {
		table.post(func() { table.expire(correlationID) })
	})
	table.pending[correlationID] = entry
}

// Resolve completes a pending request. Unknown or already-expired ids are
// ignored so duplicate and late responses are harmless.
func (table *CorrelationTable) Resolve(correlationID string, markdown string) bool {
	entry, found := table.pending[correlationID]
	if !found {
		return false
	}
	delete(table.pending, correlationID)
	entry.timer.Stop()
	entry.resolve(markdown, true)
	return true
}

// Clear drops every pending entry without resolving, stopping their deadlines.
// Used when the actor reloads: pending requests are never persisted.
func (table *CorrelationTable) Clear() {
	for id, entry := range table.pending {
		entry.timer.Stop()
		delete(table.pending, id)
	}
}

// Len returns the number of in-flight requests.
func (table *CorrelationTable) Len() int {
	return len(table.pending)
}

func (table *CorrelationTable) expire(correlationID string) {
	entry, found := table.pending[correlationID]
	if !found {
		return
	}
	delete(table.pending, correlationID)
	entry.resolve("", false)
}
