package remotesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/remote"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
)

type fakeRemote struct {
	readContent remote.Content
	readErr     error
	writeETag   string
	writeErrs   []error
	writes      []string
	writtenTags []string
}

func (f *fakeRemote) Read(context.Context, string, string) (remote.Content, error) {
	return f.readContent, f.readErr
}

func (f *fakeRemote) Write(_ context.Context, _ string, _ string, text string, etag string) (string, error) {
	f.writes = append(f.writes, text)
	f.writtenTags = append(f.writtenTags, etag)
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.writeETag, nil
}

type fakeHost struct {
	link           *storage.RemoteLink
	ownerConnected bool
	canonicalText  string
	canonicalOK    bool

	statuses      []Status
	retries       []int
	remoteChanges []string
	conflicts     [][2]string
	reloads       []string
}

func (f *fakeHost) Link() (storage.RemoteLink, bool) {
	if f.link == nil {
		return storage.RemoteLink{}, false
	}
	return *f.link, true
}

func (f *fakeHost) SetETag(etag string) {
	if f.link != nil {
		f.link.ETag = etag
	}
}

func (f *fakeHost) OwnerConnected() bool { return f.ownerConnected }

func (f *fakeHost) RequestCanonicalText(done func(string, bool)) {
	done(f.canonicalText, f.canonicalOK)
}

func (f *fakeHost) NotifyStatus(status Status) { f.statuses = append(f.statuses, status) }
func (f *fakeHost) NotifyRetry(attempt int, _ time.Time) {
	f.retries = append(f.retries, attempt)
}
func (f *fakeHost) NotifyRemoteChanged(text string) {
	f.remoteChanges = append(f.remoteChanges, text)
}
func (f *fakeHost) NotifyConflict(local string, remoteText string) {
	f.conflicts = append(f.conflicts, [2]string{local, remoteText})
}
func (f *fakeHost) NotifyReload(text string) { f.reloads = append(f.reloads, text) }
func (f *fakeHost) Post(fn func())           { fn() }

func mustEngine(t *testing.T, store RemoteStore, host Host, fake *schedule.Fake) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Store:     store,
		Host:      host,
		Scheduler: fake,
		Clock:     fake.Now,
	})
	if err != nil {
		t.Fatalf("unexpected engine constructor error: %v", err)
	}
	return engine
}

func testClock() *schedule.Fake {
	return schedule.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
}

func TestSaveCycleNoopWithoutLink(t *testing.T) {
	store := &fakeRemote{}
	host := &fakeHost{ownerConnected: true, canonicalText: "# t", canonicalOK: true}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()

	if len(store.writes) != 0 {
		t.Fatalf("expected no writes without a remote link")
	}
	if engine.State() != StateSaved {
		t.Fatalf("expected state saved, got %s", engine.State())
	}
}

func TestSaveCycleDefersWhenOwnerAbsent(t *testing.T) {
	store := &fakeRemote{}
	host := &fakeHost{
		link:          &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`},
		canonicalText: "# t", canonicalOK: true,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()

	if engine.State() != StatePendingSync {
		t.Fatalf("expected pending-sync, got %s", engine.State())
	}
	if len(store.writes) != 0 {
		t.Fatalf("expected no write while owner absent")
	}
	if engine.Status().PendingSince == nil {
		t.Fatalf("expected pendingSince to be recorded")
	}
}

func TestSaveCycleWritesWithStoredTag(t *testing.T) {
	store := &fakeRemote{writeETag: `"v2"`}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`},
		ownerConnected: true,
		canonicalText:  "# hello", canonicalOK: true,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()

	if engine.State() != StateSaved {
		t.Fatalf("expected saved, got %s", engine.State())
	}
	if len(store.writes) != 1 || store.writes[0] != "# hello" {
		t.Fatalf("unexpected writes %v", store.writes)
	}
	if store.writtenTags[0] != `"v1"` {
		t.Fatalf("expected write under stored tag, got %q", store.writtenTags[0])
	}
	if host.link.ETag != `"v2"` {
		t.Fatalf("expected new tag to be stored, got %q", host.link.ETag)
	}
}

func TestExtractionTimeoutSkipsCycleWithoutStateChange(t *testing.T) {
	store := &fakeRemote{}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md"},
		ownerConnected: true,
		canonicalOK:    false,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()

	if engine.State() != StateSaved {
		t.Fatalf("expected state to remain saved, got %s", engine.State())
	}
	if len(store.writes) != 0 {
		t.Fatalf("expected no write when extraction fails")
	}
}

func TestPreconditionFailureEntersConflict(t *testing.T) {
	store := &fakeRemote{
		writeErrs:   []error{remote.ErrPreconditionFailed},
		readContent: remote.Content{Text: "# remote version", ETag: `"v9"`},
	}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`},
		ownerConnected: true,
		canonicalText:  "# local version", canonicalOK: true,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()

	if engine.State() != StateConflict {
		t.Fatalf("expected conflict, got %s", engine.State())
	}
	if len(host.conflicts) != 1 {
		t.Fatalf("expected one conflict notification, got %d", len(host.conflicts))
	}
	if host.conflicts[0][0] != "# local version" || host.conflicts[0][1] != "# remote version" {
		t.Fatalf("unexpected conflict payload %v", host.conflicts[0])
	}
	local, remoteText := engine.ConflictTexts()
	if local == "" || remoteText == "" {
		t.Fatalf("expected both conflict snapshots attached")
	}
	if len(host.remoteChanges) != 0 {
		t.Fatalf("expected no remote-drift notification for a direct conflict, got %v", host.remoteChanges)
	}
}

func TestSaveCycleIgnoredWhileConflictUnresolved(t *testing.T) {
	store := &fakeRemote{
		writeErrs:   []error{remote.ErrPreconditionFailed},
		readContent: remote.Content{Text: "# remote", ETag: `"v9"`},
	}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`},
		ownerConnected: true,
		canonicalText:  "# local", canonicalOK: true,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()
	if engine.State() != StateConflict {
		t.Fatalf("expected conflict, got %s", engine.State())
	}

	// Further edits keep flushing snapshots, but the remote write waits for
	// an explicit resolution command.
	engine.RunSaveCycle()

	if engine.State() != StateConflict {
		t.Fatalf("expected conflict to hold, got %s", engine.State())
	}
	if len(store.writes) != 1 {
		t.Fatalf("expected no additional write attempt, got %d", len(store.writes))
	}
	if len(host.conflicts) != 1 {
		t.Fatalf("expected a single conflict notification, got %d", len(host.conflicts))
	}
}

func TestDeferredWriteConflictReportsRemoteDrift(t *testing.T) {
	store := &fakeRemote{
		writeErrs:   []error{remote.ErrPreconditionFailed},
		readContent: remote.Content{Text: "# drifted", ETag: `"v9"`},
	}
	host := &fakeHost{
		link:          &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`},
		canonicalText: "# local", canonicalOK: true,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()
	if engine.State() != StatePendingSync {
		t.Fatalf("expected pending-sync while owner absent, got %s", engine.State())
	}

	host.ownerConnected = true
	engine.OwnerReconnected()

	if engine.State() != StateConflict {
		t.Fatalf("expected conflict from the resumed write, got %s", engine.State())
	}
	if len(host.remoteChanges) != 1 || host.remoteChanges[0] != "# drifted" {
		t.Fatalf("expected remote-drift notification with remote text, got %v", host.remoteChanges)
	}
	if len(host.conflicts) != 1 {
		t.Fatalf("expected one conflict notification, got %d", len(host.conflicts))
	}
}

func TestRetryableFailureFollowsBackoffSchedule(t *testing.T) {
	store := &fakeRemote{writeErrs: []error{
		remote.ErrRateLimited, remote.ErrRateLimited, remote.ErrRateLimited,
		remote.ErrRateLimited, remote.ErrRateLimited, remote.ErrRateLimited,
	}}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md"},
		ownerConnected: true,
		canonicalText:  "# t", canonicalOK: true,
	}
	fake := testClock()
	engine := mustEngine(t, store, host, fake)

	engine.RunSaveCycle()
	if engine.State() != StateErrorRetrying {
		t.Fatalf("expected error-retrying, got %s", engine.State())
	}

	expectedDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, delay := range expectedDelays[:4] {
		if fake.Pending() != 1 {
			t.Fatalf("attempt %d: expected one armed retry timer, got %d", i+1, fake.Pending())
		}
		fake.Advance(delay)
	}
	fake.Advance(expectedDelays[4])

	if len(host.retries) != len(expectedDelays) {
		t.Fatalf("expected %d retry notifications, got %d (%v)", len(expectedDelays), len(host.retries), host.retries)
	}
	for i, attempt := range host.retries {
		if attempt != i+1 {
			t.Fatalf("unexpected attempt numbering %v", host.retries)
		}
	}

	// Sixth consecutive failure: no further automatic rescheduling.
	if fake.Pending() != 0 {
		t.Fatalf("expected automatic retries to stop after the budget, %d timers armed", fake.Pending())
	}
	if engine.State() != StateErrorRetrying {
		t.Fatalf("expected error-retrying after budget exhaustion, got %s", engine.State())
	}
}

func TestSuccessfulWriteDropsArmedRetryTimer(t *testing.T) {
	store := &fakeRemote{writeErrs: []error{remote.ErrRateLimited}, writeETag: `"v2"`}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md"},
		ownerConnected: true,
		canonicalText:  "# t", canonicalOK: true,
	}
	fake := testClock()
	engine := mustEngine(t, store, host, fake)

	engine.RunSaveCycle()
	if engine.State() != StateErrorRetrying || fake.Pending() != 1 {
		t.Fatalf("expected armed retry after rate limit, state %s, %d timers", engine.State(), fake.Pending())
	}

	// A flush-triggered cycle succeeds before the backoff timer fires.
	engine.RunSaveCycle()
	if engine.State() != StateSaved {
		t.Fatalf("expected saved, got %s", engine.State())
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected the stale retry timer to be dropped, %d armed", fake.Pending())
	}

	fake.Advance(2 * time.Second)
	if len(store.writes) != 2 {
		t.Fatalf("expected no redundant write from a stale timer, got %d writes", len(store.writes))
	}
}

func TestManualRetryResumesAfterExhaustion(t *testing.T) {
	store := &fakeRemote{writeErrs: []error{remote.ErrPermissionDenied}, writeETag: `"v2"`}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md"},
		ownerConnected: true,
		canonicalText:  "# t", canonicalOK: true,
	}
	fake := testClock()
	engine := mustEngine(t, store, host, fake)

	engine.RunSaveCycle()
	if engine.State() != StateErrorRetrying {
		t.Fatalf("expected error-retrying after permission denial, got %s", engine.State())
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected no automatic retry for non-retryable failure")
	}

	engine.ManualRetry()
	if engine.State() != StateSaved {
		t.Fatalf("expected saved after manual retry, got %s", engine.State())
	}
}

func TestManualRetryIgnoredOutsideErrorRetrying(t *testing.T) {
	store := &fakeRemote{}
	host := &fakeHost{link: &storage.RemoteLink{RemoteID: "g", FileName: "n.md"}, ownerConnected: true, canonicalText: "# t", canonicalOK: true}
	engine := mustEngine(t, store, host, testClock())

	engine.ManualRetry()
	if engine.State() != StateSaved {
		t.Fatalf("expected manual retry to be ignored in saved state")
	}
}

func TestOwnerDisconnectDuringSavingEntersPendingSync(t *testing.T) {
	store := &fakeRemote{writeErrs: []error{remote.ErrRateLimited}}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md"},
		ownerConnected: true,
		canonicalText:  "# t", canonicalOK: true,
	}
	fake := testClock()
	engine := mustEngine(t, store, host, fake)

	engine.RunSaveCycle()
	host.ownerConnected = false
	engine.OwnerDisconnected()

	if engine.State() != StatePendingSync {
		t.Fatalf("expected pending-sync, got %s", engine.State())
	}

	// Reconnect resumes the deferred save.
	store.writeETag = `"v2"`
	host.ownerConnected = true
	engine.OwnerReconnected()
	if engine.State() != StateSaved {
		t.Fatalf("expected saved after reconnect, got %s", engine.State())
	}
}

func TestPushLocalForcesUnconditionalWrite(t *testing.T) {
	store := &fakeRemote{
		writeErrs:   []error{remote.ErrPreconditionFailed},
		readContent: remote.Content{Text: "# remote", ETag: `"v9"`},
		writeETag:   `"v10"`,
	}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`},
		ownerConnected: true,
		canonicalText:  "# local", canonicalOK: true,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()
	if engine.State() != StateConflict {
		t.Fatalf("expected conflict, got %s", engine.State())
	}

	engine.PushLocal()

	if engine.State() != StateSaved {
		t.Fatalf("expected saved after push-local, got %s", engine.State())
	}
	last := len(store.writtenTags) - 1
	if store.writtenTags[last] != "" {
		t.Fatalf("expected forced write without precondition, got tag %q", store.writtenTags[last])
	}
	if host.link.ETag != `"v10"` {
		t.Fatalf("expected refreshed tag after forced write, got %q", host.link.ETag)
	}
}

func TestPushLocalIgnoredOutsideConflict(t *testing.T) {
	store := &fakeRemote{}
	host := &fakeHost{link: &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`}, ownerConnected: true, canonicalText: "# t", canonicalOK: true}
	engine := mustEngine(t, store, host, testClock())

	engine.PushLocal()

	if host.link.ETag != `"v1"` {
		t.Fatalf("expected stored tag to be untouched outside conflict")
	}
	if len(store.writes) != 0 {
		t.Fatalf("expected no write outside conflict")
	}
}

func TestDiscardLocalReseedsFromRemote(t *testing.T) {
	store := &fakeRemote{
		writeErrs:   []error{remote.ErrPreconditionFailed},
		readContent: remote.Content{Text: "# remote", ETag: `"v9"`},
		writeETag:   `"v10"`,
	}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md", ETag: `"v1"`},
		ownerConnected: true,
		canonicalText:  "# local", canonicalOK: true,
	}
	engine := mustEngine(t, store, host, testClock())

	engine.RunSaveCycle()
	engine.DiscardLocal()

	if len(host.reloads) != 1 || host.reloads[0] != "# remote" {
		t.Fatalf("expected reload broadcast with remote text, got %v", host.reloads)
	}
	if engine.State() != StateSaved {
		t.Fatalf("expected saved after discard-local settles, got %s", engine.State())
	}
}

func TestResetReturnsToSaved(t *testing.T) {
	store := &fakeRemote{writeErrs: []error{remote.ErrRateLimited}}
	host := &fakeHost{
		link:           &storage.RemoteLink{RemoteID: "g", FileName: "n.md"},
		ownerConnected: true,
		canonicalText:  "# t", canonicalOK: true,
	}
	fake := testClock()
	engine := mustEngine(t, store, host, fake)

	engine.RunSaveCycle()
	engine.Reset()

	if engine.State() != StateSaved {
		t.Fatalf("expected saved after reset, got %s", engine.State())
	}
	if fake.Pending() != 0 {
		t.Fatalf("expected retry timer to be dropped on reset")
	}
}

func TestNewEngineValidatesDependencies(t *testing.T) {
	fake := testClock()
	if _, err := NewEngine(EngineConfig{Host: &fakeHost{}, Scheduler: fake}); !errors.Is(err, ErrMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
	if _, err := NewEngine(EngineConfig{Store: &fakeRemote{}, Scheduler: fake}); !errors.Is(err, ErrMissingHost) {
		t.Fatalf("expected missing host error, got %v", err)
	}
	if _, err := NewEngine(EngineConfig{Store: &fakeRemote{}, Host: &fakeHost{}}); !errors.Is(err, ErrMissingScheduler) {
		t.Fatalf("expected missing scheduler error, got %v", err)
	}
}
