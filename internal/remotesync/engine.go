// Package remotesync drives the conflict-aware writer that keeps a room's
// canonical markdown synchronized to its remote single-file store.
package remotesync

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/remote"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
	"go.uber.org/zap"
)

// State is the sync status of a room. It is process-local and resets to
// StateSaved whenever the room actor is recreated.
type State string

const (
	StateSaved         State = "saved"
	StateSaving        State = "saving"
	StateErrorRetrying State = "error-retrying"
	StatePendingSync   State = "pending-sync"
	StateConflict      State = "conflict"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	remoteCallTimeout  = 30 * time.Second
)

var (
	// ErrMissingStore indicates the engine was built without a remote store.
	ErrMissingStore = errors.New("remotesync: remote store required")
	// ErrMissingHost indicates the engine was built without a host.
	ErrMissingHost = errors.New("remotesync: host required")
	// ErrMissingScheduler indicates the engine was built without a scheduler.
	ErrMissingScheduler = errors.New("remotesync: scheduler required")
)

// RemoteStore is the slice of the remote client the engine depends on.
type RemoteStore interface {
	Read(ctx context.Context, remoteID string, fileName string) (remote.Content, error)
	Write(ctx context.Context, remoteID string, fileName string, text string, etag string) (string, error)
}

// Status is the externally visible sync state broadcast to clients.
type Status struct {
	State        State
	Detail       string
	PendingSince *time.Time
	NextRetryAt  *time.Time
}

// Host is the room actor surface the engine calls back into. Every method
// is invoked on the room's sequential processing loop; Post re-enters that
// loop from timer callbacks.
type Host interface {
	Link() (storage.RemoteLink, bool)
	SetETag(etag string)
	OwnerConnected() bool
	RequestCanonicalText(done func(markdown string, ok bool))
	NotifyStatus(status Status)
	NotifyRetry(attempt int, nextRetryAt time.Time)
	NotifyRemoteChanged(remoteMarkdown string)
	NotifyConflict(localMarkdown string, remoteMarkdown string)
	NotifyReload(remoteMarkdown string)
	Post(fn func())
}

// EngineConfig bundles the dependencies of an Engine.
type EngineConfig struct {
	Store       RemoteStore
	Host        Host
	Scheduler   schedule.Scheduler
	Logger      *zap.Logger
	Clock       func() time.Time
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Engine is the per-room remote sync state machine. It is owned by one room
// actor and must only be touched from that actor's processing loop.
type Engine struct {
	store       RemoteStore
	host        Host
	sched       schedule.Scheduler
	logger      *zap.Logger
	clock       func() time.Time
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	state          State
	detail         string
	attempts       int
	retryTimer     schedule.Timer
	pendingSince   *time.Time
	nextRetryAt    *time.Time
	conflictLocal  string
	conflictRemote string
	// resumingDeferred marks the first write after a pending-sync deferral,
	// so a precondition failure there is reported as remote drift.
	resumingDeferred bool
}

// NewEngine validates the configuration and returns an Engine in StateSaved.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Host == nil {
		return nil, ErrMissingHost
	}
	if cfg.Scheduler == nil {
		return nil, ErrMissingScheduler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Engine{
		store:       cfg.Store,
		host:        cfg.Host,
		sched:       cfg.Scheduler,
		logger:      logger,
		clock:       clock,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		state:       StateSaved,
	}, nil
}

// State returns the current sync state.
func (engine *Engine) State() State {
	return engine.state
}

// Status returns the externally visible status view.
func (engine *Engine) Status() Status {
	return Status{
		State:        engine.state,
		Detail:       engine.detail,
		PendingSince: engine.pendingSince,
		NextRetryAt:  engine.nextRetryAt,
	}
}

// ConflictTexts returns the local and remote snapshots attached while in
// StateConflict.
func (engine *Engine) ConflictTexts() (string, string) {
	return engine.conflictLocal, engine.conflictRemote
}

// Reset returns the engine to StateSaved, dropping timers and counters.
// Called when the owning actor is recreated: sync state is never persisted.
func (engine *Engine) Reset() {
	engine.stopRetryTimer()
	engine.state = StateSaved
	engine.detail = ""
	engine.attempts = 0
	engine.pendingSince = nil
	engine.nextRetryAt = nil
	engine.conflictLocal = ""
	engine.conflictRemote = ""
	engine.resumingDeferred = false
}

// RunSaveCycle executes one save cycle: no-op without a remote link, defers
// while the owner is absent, otherwise extracts canonical text and writes it
// under the stored version tag.
func (engine *Engine) RunSaveCycle() {
	if engine.state == StateConflict {
		// A conflict holds until the owner resolves it; further local edits
		// must not race either side onto the remote store.
		return
	}
	if _, linked := engine.host.Link(); !linked {
		return
	}
	if !engine.host.OwnerConnected() {
		engine.enterPendingSync()
		return
	}
	engine.host.RequestCanonicalText(func(markdown string, ok bool) {
		if !ok {
			// Extraction timed out; the snapshot is already persisted, so
			// skip the remote write this cycle rather than block.
			engine.logger.Debug("canonical text unavailable, skipping remote write")
			return
		}
		engine.writeRemote(markdown)
	})
}

// OwnerDisconnected records the owner leaving mid-save.
func (engine *Engine) OwnerDisconnected() {
	if engine.state == StateSaving || engine.state == StateErrorRetrying {
		engine.stopRetryTimer()
		engine.enterPendingSync()
	}
}

// OwnerReconnected resumes a deferred save.
func (engine *Engine) OwnerReconnected() {
	if engine.state != StatePendingSync {
		return
	}
	engine.pendingSince = nil
	engine.resumingDeferred = true
	engine.setState(StateSaving, "")
	engine.RunSaveCycle()
}

// ManualRetry resumes sync after automatic retries stopped. Ignored unless
// the engine is in StateErrorRetrying.
func (engine *Engine) ManualRetry() {
	if engine.state != StateErrorRetrying {
		return
	}
	engine.stopRetryTimer()
	engine.setState(StateSaving, "")
	engine.RunSaveCycle()
}

// PushLocal resolves a conflict by forcing an unconditional overwrite with
// the local text. Ignored outside StateConflict.
func (engine *Engine) PushLocal() {
	if engine.state != StateConflict {
		return
	}
	engine.host.SetETag("")
	engine.clearConflict()
	engine.setState(StateSaving, "")
	engine.RunSaveCycle()
}

// DiscardLocal resolves a conflict by adopting the remote text: clients are
// told to reseed from it and the stored version tag is refreshed. Ignored
// outside StateConflict.
func (engine *Engine) DiscardLocal() {
	if engine.state != StateConflict {
		return
	}
	link, linked := engine.host.Link()
	if !linked {
		engine.clearConflict()
		engine.setState(StateSaved, "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	content, err := engine.store.Read(ctx, link.RemoteID, link.FileName)
	if err != nil {
		engine.logger.Warn("conflict discard failed to fetch remote content", zap.Error(err))
		engine.setState(StateConflict, err.Error())
		return
	}

	engine.host.SetETag(content.ETag)
	engine.host.NotifyReload(content.Text)
	engine.clearConflict()
	engine.setState(StateSaving, "")
	engine.RunSaveCycle()
}

func (engine *Engine) writeRemote(markdown string) {
	link, linked := engine.host.Link()
	if !linked {
		return
	}
	if !engine.host.OwnerConnected() {
		engine.enterPendingSync()
		return
	}
	resumed := engine.resumingDeferred
	engine.resumingDeferred = false

	// Automatic retries stay visible as error-retrying until one succeeds;
	// every other entry point shows saving while the write runs.
	if engine.state != StateErrorRetrying {
		engine.setState(StateSaving, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	newETag, err := engine.store.Write(ctx, link.RemoteID, link.FileName, markdown, link.ETag)
	if err == nil {
		engine.stopRetryTimer()
		engine.attempts = 0
		engine.nextRetryAt = nil
		engine.host.SetETag(newETag)
		engine.setState(StateSaved, "")
		return
	}

	switch {
	case errors.Is(err, remote.ErrPreconditionFailed):
		engine.enterConflict(link, markdown, resumed)
	case remote.Retryable(err):
		engine.scheduleRetry(err)
	default:
		engine.stopRetryTimer()
		engine.logger.Warn("remote write failed permanently, awaiting manual retry", zap.Error(err))
		engine.setState(StateErrorRetrying, err.Error())
	}
}

func (engine *Engine) enterConflict(link storage.RemoteLink, localMarkdown string, remoteDrifted bool) {
	remoteText := ""
	ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
	defer cancel()
	content, err := engine.store.Read(ctx, link.RemoteID, link.FileName)
	if err != nil {
		engine.logger.Warn("failed to fetch remote content for conflict report", zap.Error(err))
	} else {
		remoteText = content.Text
	}

	engine.conflictLocal = localMarkdown
	engine.conflictRemote = remoteText
	engine.setState(StateConflict, "")
	if remoteDrifted {
		// The remote store moved while the save was deferred.
		engine.host.NotifyRemoteChanged(remoteText)
	}
	engine.host.NotifyConflict(localMarkdown, remoteText)
}

func (engine *Engine) scheduleRetry(cause error) {
	engine.attempts++
	if engine.attempts > engine.maxAttempts {
		engine.stopRetryTimer()
		engine.nextRetryAt = nil
		engine.logger.Warn("retry budget exhausted, awaiting manual retry",
			zap.Int("attempts", engine.attempts),
			zap.Error(cause))
		engine.setState(StateErrorRetrying, cause.Error())
		return
	}

	delay := engine.backoffDelay(engine.attempts)
	nextRetryAt := engine.clock().UTC().Add(delay)
	engine.nextRetryAt = &nextRetryAt

	engine.stopRetryTimer()
	engine.retryTimer = engine.sched.Schedule(delay, func() {
		engine.host.Post(func() {
			engine.retryTimer = nil
			engine.RunSaveCycle()
		})
	})

	engine.host.NotifyRetry(engine.attempts, nextRetryAt)
	engine.setState(StateErrorRetrying, cause.Error())
}

func (engine *Engine) backoffDelay(attempt int) time.Duration {
	delay := engine.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= engine.maxDelay {
			return engine.maxDelay
		}
	}
	return delay
}

func (engine *Engine) enterPendingSync() {
	if engine.state == StatePendingSync {
		return
	}
	now := engine.clock().UTC()
	engine.pendingSince = &now
	engine.setState(StatePendingSync, "")
}

func (engine *Engine) clearConflict() {
	engine.conflictLocal = ""
	engine.conflictRemote = ""
}

func (engine *Engine) stopRetryTimer() {
	if engine.retryTimer != nil {
		engine.retryTimer.Stop()
		engine.retryTimer = nil
	}
}

func (engine *Engine) setState(next State, detail string) {
	if engine.state == next && engine.detail == detail {
		return
	}
	engine.state = next
	engine.detail = detail
	if next != StatePendingSync {
		engine.pendingSince = nil
	}
	if next != StateErrorRetrying {
		engine.nextRetryAt = nil
	}
	engine.host.NotifyStatus(engine.Status())
}
