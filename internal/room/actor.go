// Package room implements the per-document session coordinator: connection
// lifecycle, authorization gating, debounced persistence and remote sync,
// composed around the collaborative document.
package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/capability"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/remotesync"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
)

const (
	opRestore     = "room.restore"
	opConnect     = "room.connect"
	opFlush       = "room.flush"
	opReap        = "room.reap"
	opInitialize  = "room.initialize"
	opUpdateMeta  = "room.update_meta"
	opApplyUpdate = "room.apply_update"
	opShutdown    = "room.shutdown"

	fieldDocID      = "doc_id"
	mailboxCapacity = 256
)

var (
	// ErrMissingDocID indicates the actor was built without a document id.
	ErrMissingDocID = errors.New("room: doc id required")
	// ErrMissingStore indicates the actor was built without a store.
	ErrMissingStore = errors.New("room: store required")
	// ErrMissingVerifier indicates the actor was built without a capability verifier.
	ErrMissingVerifier = errors.New("room: capability verifier required")
	// ErrMissingRemote indicates the actor was built without a remote store client.
	ErrMissingRemote = errors.New("room: remote store required")
	// ErrMissingScheduler indicates the actor was built without a scheduler.
	ErrMissingScheduler = errors.New("room: scheduler required")
	// ErrRoomFull indicates the room is at its connection ceiling.
	ErrRoomFull = errors.New("room: connection ceiling reached")
	// ErrRoomNotInitialized indicates the room has no usable metadata.
	ErrRoomNotInitialized = errors.New("room: not initialized")
	// ErrRoomAlreadyInitialized indicates a repeated initialize call.
	ErrRoomAlreadyInitialized = errors.New("room: already initialized")
	// ErrActorStopped indicates the actor's processing loop has exited.
	ErrActorStopped = errors.New("room: actor stopped")
)

// CloseReason tells a connection why the actor is closing it.
type CloseReason int

const (
	// CloseOversizeMessage closes a connection that sent an oversize message.
	CloseOversizeMessage CloseReason = iota + 1
	// CloseShutdown closes connections during actor shutdown or destruction.
	CloseShutdown
)

// Conn is the transport surface of one connected client. Send must not
// block the caller; Close must be idempotent.
type Conn interface {
	Send(payload []byte)
	Close(reason CloseReason)
}

// Capability is the authorization derived for one connection at connect
// time. It is cached for the connection's lifetime and never persisted.
type Capability struct {
	CanEdit bool
	IsOwner bool
}

// ConnectAuth carries the credentials presented by a connecting client.
type ConnectAuth struct {
	// UserID is the authenticated session user, empty when anonymous.
	UserID string
	// EditCookie is the signed edit-capability cookie value, empty when absent.
	EditCookie string
}

// ActorConfig bundles the dependencies of an Actor.
type ActorConfig struct {
	DocID     string
	Store     *storage.Store
	Verifier  *capability.Verifier
	Remote    remotesync.RemoteStore
	Scheduler schedule.Scheduler
	Logger    *zap.Logger
	Clock     func() time.Time
	Config    Config
	// OnEvict is called from the actor's loop right before the actor stops
	// itself after destroying the room.
	OnEvict func(docID string)
}

// Actor is the single logical owner of one document's runtime state. All
// state below the mailbox is owned by the processing loop; external callers
// reach it only through posted closures.
type Actor struct {
	docID    string
	cfg      Config
	store    *storage.Store
	verifier *capability.Verifier
	sched    schedule.Scheduler
	logger   *zap.Logger
	clock    func() time.Time
	onEvict  func(string)

	mailbox chan func()
	done    chan struct{}

	// Loop-owned state.
	meta      storage.RoomMeta
	hasMeta   bool
	document  *crdt.Document
	needsSeed bool
	conns     map[Conn]Capability
	table     *CorrelationTable
	markdown  *MarkdownHandler
	engine    *remotesync.Engine
	reaper    *Reaper

	dirty         bool
	debounceQuiet schedule.Timer
	debounceMax   schedule.Timer
}

// NewActor validates the configuration and returns an Actor. Start must be
// called before any other method.
func NewActor(cfg ActorConfig) (*Actor, error) {
	if cfg.DocID == "" {
		return nil, ErrMissingDocID
	}
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Verifier == nil {
		return nil, ErrMissingVerifier
	}
	if cfg.Remote == nil {
		return nil, ErrMissingRemote
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
	onEvict := cfg.OnEvict
	if onEvict == nil {
		onEvict = func(string) {}
	}

	actor := &Actor{
		docID:    cfg.DocID,
		cfg:      cfg.Config.withDefaults(),
		store:    cfg.Store,
		verifier: cfg.Verifier,
		sched:    cfg.Scheduler,
		logger:   logger.With(zap.String(fieldDocID, cfg.DocID)),
		clock:    clock,
		onEvict:  onEvict,
		mailbox:  make(chan func(), mailboxCapacity),
		done:     make(chan struct{}),
		conns:    make(map[Conn]Capability),
		document: crdt.NewDocument(),
	}
	actor.table = NewCorrelationTable(actor.sched, actor.post)
	actor.markdown = NewMarkdownHandler(MarkdownHandlerConfig{
		DocID:        actor.docID,
		Table:        actor.table,
		Store:        actor.store,
		Logger:       actor.logger,
		Deadline:     actor.cfg.ExtractTimeout,
		SelectTarget: actor.selectExtractionTarget,
	})
	actor.reaper = NewReaper(actor.sched, actor.post, actor.reap)

	engine, err := remotesync.NewEngine(remotesync.EngineConfig{
		Store:     cfg.Remote,
		Host:      (*actorHost)(actor),
		Scheduler: actor.sched,
		Logger:    actor.logger,
		Clock:     actor.clock,
	})
	if err != nil {
		return nil, err
	}
	actor.engine = engine
	return actor, nil
}

// DocID returns the actor's document id.
func (actor *Actor) DocID() string {
	return actor.docID
}

// Start restores persisted state and begins the processing loop.
func (actor *Actor) Start() {
	go func() {
		actor.restore()
		for {
			select {
			case fn := <-actor.mailbox:
				fn()
			case <-actor.done:
				return
			}
		}
	}()
}

// Shutdown persists a final snapshot, closes every connection and stops the
// processing loop. Callers should bound ctx; later calls return ErrActorStopped.
func (actor *Actor) Shutdown(ctx context.Context) error {
	completed := make(chan struct{})
	stop := func() {
		if actor.dirty {
			actor.persistSnapshot(opShutdown)
		}
		actor.stopTimers()
		actor.table.Clear()
		actor.reaper.Disarm()
		for conn := range actor.conns {
			conn.Close(CloseShutdown)
			delete(actor.conns, conn)
		}
		close(completed)
		close(actor.done)
	}
	select {
	case actor.mailbox <- stop:
	case <-actor.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-completed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post enqueues fn for the processing loop, dropping it if the actor stopped.
func (actor *Actor) post(fn func()) {
	select {
	case actor.mailbox <- fn:
	case <-actor.done:
	}
}

// call posts fn and waits for it to complete.
func (actor *Actor) call(ctx context.Context, fn func()) error {
	completed := make(chan struct{})
	select {
	case actor.mailbox <- func() {
		fn()
		close(completed)
	}:
	case <-actor.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-completed:
		return nil
	case <-actor.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect authorizes a connection and registers it with the room.
func (actor *Actor) Connect(ctx context.Context, conn Conn, auth ConnectAuth) (Capability, error) {
	var granted Capability
	var connectErr error
	err := actor.call(ctx, func() {
		granted, connectErr = actor.handleConnect(conn, auth)
	})
	if err != nil {
		return Capability{}, err
	}
	return granted, connectErr
}

// Disconnect discards a connection's capability record.
func (actor *Actor) Disconnect(conn Conn) {
	actor.post(func() { actor.handleDisconnect(conn) })
}

// HandleMessage routes one raw protocol message from a connection.
func (actor *Actor) HandleMessage(conn Conn, raw []byte) {
	actor.post(func() { actor.handleMessage(conn, raw) })
}

func (actor *Actor) restore() {
	ctx := context.Background()
	actor.table.Clear()
	actor.engine.Reset()
	actor.needsSeed = false

	meta, found, err := actor.store.LoadMeta(ctx, actor.docID)
	if err != nil {
		actor.logError(opRestore, err)
	}
	actor.meta = meta
	actor.hasMeta = found

	snapshot, haveSnapshot, err := actor.store.LoadSnapshot(ctx, actor.docID)
	if err != nil {
		actor.logError(opRestore, err)
	}
	if haveSnapshot {
		document, loadErr := crdt.LoadDocument(snapshot)
		if loadErr != nil {
			actor.logError(opRestore, loadErr)
			actor.document = crdt.NewDocument()
		} else {
			actor.document = document
		}
	} else {
		actor.document = crdt.NewDocument()
		if found && meta.Initialized {
			// The next editor-capable connector supplies seed content.
			actor.needsSeed = true
		}
	}

	if found && meta.Anonymous() && len(actor.conns) == 0 {
		actor.armReaper()
	}
}

func (actor *Actor) handleConnect(conn Conn, auth ConnectAuth) (Capability, error) {
	if len(actor.conns) >= actor.cfg.MaxConnections {
		return Capability{}, ErrRoomFull
	}
	if !actor.hasMeta || !actor.meta.Initialized {
		return Capability{}, ErrRoomNotInitialized
	}

	granted := actor.deriveCapability(auth)
	ownerWasConnected := actor.ownerConnected()
	actor.conns[conn] = granted
	actor.reaper.Disarm()

	if granted.CanEdit {
		actor.touchActivity()
	}
	if actor.needsSeed && granted.CanEdit {
		// First editor-capable connector wins the seed request; a viewer
		// could never answer it, so the flag survives until an editor shows up.
		actor.needsSeed = false
		conn.Send(EncodeNeedsInit(actor.docID))
	}
	conn.Send(actor.encodeStatus(actor.engine.Status()))

	if granted.IsOwner && !ownerWasConnected {
		actor.engine.OwnerReconnected()
	}
	actor.logger.Debug("connection accepted",
		zap.String("operation", opConnect),
		zap.Bool("can_edit", granted.CanEdit),
		zap.Bool("is_owner", granted.IsOwner),
		zap.Int("connections", len(actor.conns)))
	return granted, nil
}

func (actor *Actor) deriveCapability(auth ConnectAuth) Capability {
	isOwner := auth.UserID != "" && auth.UserID == actor.meta.OwnerUserID
	canEdit := isOwner
	if !canEdit && auth.EditCookie != "" {
		if err := actor.verifier.VerifyCookie(actor.docID, auth.EditCookie); err == nil {
			canEdit = true
		} else {
			actor.logger.Debug("edit cookie rejected", zap.Error(err))
		}
	}
	return Capability{CanEdit: canEdit, IsOwner: isOwner}
}

func (actor *Actor) handleDisconnect(conn Conn) {
	granted, found := actor.conns[conn]
	if !found {
		return
	}
	delete(actor.conns, conn)

	if granted.IsOwner && !actor.ownerConnected() {
		actor.engine.OwnerDisconnected()
	}
	if actor.hasMeta && actor.meta.Anonymous() && len(actor.conns) == 0 {
		actor.armReaper()
	}
}

func (actor *Actor) handleMessage(conn Conn, raw []byte) {
	granted, found := actor.conns[conn]
	if !found {
		return
	}
	if int64(len(raw)) > actor.cfg.MaxMessageBytes {
		actor.logger.Warn("oversize message, closing connection",
			zap.Int("bytes", len(raw)))
		conn.Close(CloseOversizeMessage)
		actor.handleDisconnect(conn)
		return
	}
	if !granted.CanEdit {
		return
	}

	decoded, err := DecodeClientMessage(raw)
	if err != nil {
		// One bad client must not corrupt the session for others.
		actor.logger.Debug("dropping undecodable message", zap.Error(err))
		return
	}

	switch message := decoded.(type) {
	case CrdtUpdateMessage:
		actor.applyUpdate(conn, message.Update)
	case CanonicalMarkdownMessage:
		actor.markdown.Resolve(message.RequestID, message.Markdown)
	case PushLocalMessage:
		if granted.IsOwner {
			actor.engine.PushLocal()
		}
	case DiscardLocalMessage:
		if granted.IsOwner {
			actor.engine.DiscardLocal()
		}
	case ManualRetryMessage:
		actor.engine.ManualRetry()
	}
}

func (actor *Actor) applyUpdate(origin Conn, update []byte) {
	if err := actor.document.ApplyUpdate(update); err != nil {
		actor.logger.Debug("rejected update fragment",
			zap.String("operation", opApplyUpdate),
			zap.Error(err))
		return
	}
	payload := EncodeCrdtUpdate(update)
	for conn := range actor.conns {
		if conn != origin {
			conn.Send(payload)
		}
	}
	actor.touchActivity()
	actor.dirty = true
	actor.scheduleFlush()
}

// scheduleFlush refreshes the quiet timer and, for the first unflushed edit,
// arms the ceiling timer so a busy room still saves.
func (actor *Actor) scheduleFlush() {
	if actor.debounceQuiet != nil {
		actor.debounceQuiet.Stop()
	}
	actor.debounceQuiet = actor.sched.Schedule(actor.cfg.DebounceQuiet, func() {
		actor.post(actor.flush)
	})
	if actor.debounceMax == nil {
		actor.debounceMax = actor.sched.Schedule(actor.cfg.DebounceMax, func() {
			actor.post(actor.flush)
		})
	}
}

func (actor *Actor) flush() {
	actor.stopTimers()
	if !actor.dirty {
		return
	}
	actor.dirty = false
	actor.persistSnapshot(opFlush)

	if actor.meta.RemoteLink != nil {
		actor.engine.RunSaveCycle()
		return
	}
	// Unlinked rooms still refresh canonical text so it can be served
	// read-only; persistence happens inside the handler.
	actor.markdown.Extract(func(string, bool) {})
}

func (actor *Actor) persistSnapshot(operation string) {
	if err := actor.store.SaveSnapshot(context.Background(), actor.docID, actor.document.EncodeFullState()); err != nil {
		// Best effort: the next successful write makes progress.
		actor.logError(operation, err)
	}
}

func (actor *Actor) stopTimers() {
	if actor.debounceQuiet != nil {
		actor.debounceQuiet.Stop()
		actor.debounceQuiet = nil
	}
	if actor.debounceMax != nil {
		actor.debounceMax.Stop()
		actor.debounceMax = nil
	}
}

func (actor *Actor) touchActivity() {
	if !actor.hasMeta {
		return
	}
	actor.meta.LastActivityAt = actor.clock().UTC()
	actor.persistMeta(opUpdateMeta)
}

func (actor *Actor) persistMeta(operation string) {
	if err := actor.store.SaveMeta(context.Background(), actor.meta); err != nil {
		actor.logError(operation, err)
	}
}

func (actor *Actor) armReaper() {
	remaining := actor.cfg.IdleTTL - actor.clock().UTC().Sub(actor.meta.LastActivityAt)
	actor.reaper.Arm(remaining)
}

// reap runs when the TTL wake-up fires.
func (actor *Actor) reap() {
	if len(actor.conns) > 0 {
		// Never destroy a live room.
		actor.reaper.Arm(actor.cfg.IdleTTL)
		return
	}
	if !actor.hasMeta {
		actor.destroy()
		return
	}
	if !actor.meta.Anonymous() {
		return
	}
	elapsed := actor.clock().UTC().Sub(actor.meta.LastActivityAt)
	if elapsed >= actor.cfg.IdleTTL {
		actor.destroy()
		return
	}
	actor.reaper.Arm(actor.cfg.IdleTTL - elapsed)
}

// destroy removes all persisted state for the room and stops the actor.
func (actor *Actor) destroy() {
	if err := actor.store.DestroyRoom(context.Background(), actor.docID); err != nil {
		actor.logError(opReap, err)
		// Retry on the next full interval rather than leak the room.
		actor.reaper.Arm(actor.cfg.IdleTTL)
		return
	}
	actor.logger.Info("destroyed idle anonymous room", zap.String("operation", opReap))
	actor.hasMeta = false
	actor.meta = storage.RoomMeta{}
	actor.table.Clear()
	actor.stopTimers()
	for conn := range actor.conns {
		conn.Close(CloseShutdown)
		delete(actor.conns, conn)
	}
	actor.onEvict(actor.docID)
	close(actor.done)
}

func (actor *Actor) ownerConnected() bool {
	for _, granted := range actor.conns {
		if granted.IsOwner {
			return true
		}
	}
	return false
}

// selectExtractionTarget prefers the owner's connection; rooms without a
// remote link may fall back to any editor-capable connection.
func (actor *Actor) selectExtractionTarget() (Conn, bool) {
	for conn, granted := range actor.conns {
		if granted.IsOwner {
			return conn, true
		}
	}
	if actor.meta.RemoteLink != nil {
		return nil, false
	}
	for conn, granted := range actor.conns {
		if granted.CanEdit {
			return conn, true
		}
	}
	return nil, false
}

func (actor *Actor) broadcast(payload []byte) {
	for conn := range actor.conns {
		conn.Send(payload)
	}
}

func (actor *Actor) encodeStatus(status remotesync.Status) []byte {
	var expiresAt *time.Time
	if status.State == remotesync.StatePendingSync && actor.hasMeta && actor.meta.Anonymous() {
		expiry := actor.meta.LastActivityAt.Add(actor.cfg.IdleTTL)
		expiresAt = &expiry
	}
	return EncodeSyncStatus(string(status.State), status.Detail, status.PendingSince, expiresAt)
}

func (actor *Actor) logError(operation string, err error) {
	actor.logger.Error("room operation failed",
		zap.String("operation", operation),
		zap.Error(err))
}

// actorHost adapts the actor to the sync engine's host surface. Every method
// runs on the actor's processing loop because the engine itself only runs
// there.
type actorHost Actor

func (host *actorHost) actor() *Actor { return (*Actor)(host) }

func (host *actorHost) Link() (storage.RemoteLink, bool) {
	actor := host.actor()
	if actor.meta.RemoteLink == nil {
		return storage.RemoteLink{}, false
	}
	return *actor.meta.RemoteLink, true
}

func (host *actorHost) SetETag(etag string) {
	actor := host.actor()
	if actor.meta.RemoteLink == nil {
		return
	}
	actor.meta.RemoteLink.ETag = etag
	actor.persistMeta(opUpdateMeta)
}

func (host *actorHost) OwnerConnected() bool {
	return host.actor().ownerConnected()
}

func (host *actorHost) RequestCanonicalText(done func(markdown string, ok bool)) {
	host.actor().markdown.Extract(done)
}

func (host *actorHost) NotifyStatus(status remotesync.Status) {
	actor := host.actor()
	actor.broadcast(actor.encodeStatus(status))
}

func (host *actorHost) NotifyRetry(attempt int, nextRetryAt time.Time) {
	host.actor().broadcast(EncodeErrorRetrying(attempt, nextRetryAt))
}

func (host *actorHost) NotifyRemoteChanged(remoteMarkdown string) {
	host.actor().broadcast(EncodeRemoteChanged(remoteMarkdown))
}

func (host *actorHost) NotifyConflict(localMarkdown string, remoteMarkdown string) {
	host.actor().broadcast(EncodeConflict(localMarkdown, remoteMarkdown))
}

func (host *actorHost) NotifyReload(remoteMarkdown string) {
	host.actor().broadcast(EncodeReloadRemote(remoteMarkdown))
}

func (host *actorHost) Post(fn func()) {
	host.actor().post(fn)
}
