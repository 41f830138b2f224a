package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/capability"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/remotesync"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
)

// RegistryConfig bundles the shared dependencies handed to every actor.
type RegistryConfig struct {
	Store     *storage.Store
	Verifier  *capability.Verifier
	Remote    remotesync.RemoteStore
	Scheduler schedule.Scheduler
	Logger    *zap.Logger
	Clock     func() time.Time
	Room      Config
}

// Registry owns the live actors, one per document id. Actors are created
// lazily on first access and removed when they destroy their room.
type Registry struct {
	cfg RegistryConfig

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewRegistry validates the configuration and returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
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
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Room = cfg.Room.withDefaults()
	return &Registry{cfg: cfg, actors: make(map[string]*Actor)}, nil
}

// Get returns the actor for a document id, starting one if necessary.
func (registry *Registry) Get(docID string) (*Actor, error) {
	if docID == "" {
		return nil, ErrMissingDocID
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.closed {
		return nil, ErrActorStopped
	}
	if actor, found := registry.actors[docID]; found {
		return actor, nil
	}

	actor, err := NewActor(ActorConfig{
		DocID:     docID,
		Store:     registry.cfg.Store,
		Verifier:  registry.cfg.Verifier,
		Remote:    registry.cfg.Remote,
		Scheduler: registry.cfg.Scheduler,
		Logger:    registry.cfg.Logger,
		Clock:     registry.cfg.Clock,
		Config:    registry.cfg.Room,
		OnEvict:   registry.evict,
	})
	if err != nil {
		return nil, err
	}
	registry.actors[docID] = actor
	actor.Start()
	return actor, nil
}

// Shutdown stops every actor, persisting pending snapshots. Individual
// failures are joined so one slow room does not hide the others.
func (registry *Registry) Shutdown(ctx context.Context) error {
	registry.mu.Lock()
	registry.closed = true
	actors := make([]*Actor, 0, len(registry.actors))
	for _, actor := range registry.actors {
		actors = append(actors, actor)
	}
	registry.actors = make(map[string]*Actor)
	registry.mu.Unlock()

	var shutdownErr error
	for _, actor := range actors {
		if err := actor.Shutdown(ctx); err != nil && !errors.Is(err, ErrActorStopped) {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	return shutdownErr
}

func (registry *Registry) evict(docID string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.actors, docID)
}
