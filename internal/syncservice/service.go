// Package syncservice is the server side of workspace sync: it issues
// sessions, authorizes scopes, assigns epochs to pushed changes and notifies
// listeners about accepted batches and divergence conflicts.
package syncservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/presence"
	"github.com/example/workspace-sync/internal/session"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

const (
	// DefaultDivergenceThreshold is the accumulated clock difference above
	// which a push batch is rejected.
	DefaultDivergenceThreshold = 100
	// DefaultPageLimit caps the number of changes returned by one pull.
	DefaultPageLimit = 500
)

// ChangeLog is the transactional append-only change store.
type ChangeLog interface {
	Append(ctx context.Context, req storage.AppendRequest) (storage.AppendResult, error)
	ChangesSince(ctx context.Context, scope types.Scope, since int64, limit int) ([]types.ChangeEnvelope, bool, error)
	MaxEpoch(ctx context.Context) (int64, error)
	ScopeClock(ctx context.Context, scope types.Scope) (types.VectorClock, error)
}

// SnapshotReader returns the latest compacted state of a scope.
type SnapshotReader interface {
	LatestSnapshot(ctx context.Context, scope types.Scope) (types.SnapshotEnvelope, bool, error)
}

// Directory answers membership, scope ownership and device questions.
type Directory interface {
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
	ParentOf(ctx context.Context, scope types.Scope) (types.Scope, error)
	RegisterScope(ctx context.Context, scope, parent types.Scope) error
	Device(ctx context.Context, id types.DeviceID) (types.Device, error)
	DeviceByFingerprint(ctx context.Context, workspaceID, userID, fingerprint string) (types.Device, error)
	SaveDevice(ctx context.Context, device types.Device) error
}

// ClockCache remembers the vector clock last reported to each device per
// scope. Misses disable the divergence check.
type ClockCache interface {
	Get(ctx context.Context, scope types.Scope, device types.DeviceID) (types.VectorClock, bool, error)
	Set(ctx context.Context, scope types.Scope, device types.DeviceID, clock types.VectorClock) error
}

// ChangeListener receives every committed batch with at least one new change.
type ChangeListener func(ctx context.Context, event types.ChangeBroadcast)

// ConflictListener receives every rejected batch.
type ConflictListener func(ctx context.Context, event types.ConflictBroadcast)

// Config wires the collaborators and limits of a Service.
type Config struct {
	ChangeLog ChangeLog
	Snapshots SnapshotReader
	Directory Directory
	Sessions  session.Store
	Clocks    ClockCache
	Presence  presence.Store

	DivergenceThreshold uint64
	PageLimit           int
	SessionTTL          time.Duration

	// AutoRegisterScopes attaches scopes without a known parent directly to
	// the caller's workspace. Only meant for development servers.
	AutoRegisterScopes bool
}

// Service implements handshake, pull, push and presence.
type Service struct {
	log       ChangeLog
	snapshots SnapshotReader
	directory Directory
	sessions  session.Store
	clocks    ClockCache
	presence  presence.Store

	threshold    uint64
	pageLimit    int
	sessionTTL   time.Duration
	autoRegister bool

	logger zerolog.Logger
	now    func() time.Time

	listenersMu sync.RWMutex
	nextID      int
	onChanges   map[int]ChangeListener
	onConflict  map[int]ConflictListener
}

// New validates cfg and constructs a Service.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	switch {
	case cfg.ChangeLog == nil:
		return nil, errors.New("change log is required")
	case cfg.Directory == nil:
		return nil, errors.New("directory is required")
	case cfg.Sessions == nil:
		return nil, errors.New("session store is required")
	case cfg.Clocks == nil:
		return nil, errors.New("clock cache is required")
	case cfg.Presence == nil:
		return nil, errors.New("presence store is required")
	}
	if cfg.DivergenceThreshold == 0 {
		cfg.DivergenceThreshold = DefaultDivergenceThreshold
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}

	return &Service{
		log:          cfg.ChangeLog,
		snapshots:    cfg.Snapshots,
		directory:    cfg.Directory,
		sessions:     cfg.Sessions,
		clocks:       cfg.Clocks,
		presence:     cfg.Presence,
		threshold:    cfg.DivergenceThreshold,
		pageLimit:    cfg.PageLimit,
		sessionTTL:   cfg.SessionTTL,
		autoRegister: cfg.AutoRegisterScopes,
		logger:       logger.With().Str("component", "sync_service").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		onChanges:    make(map[int]ChangeListener),
		onConflict:   make(map[int]ConflictListener),
	}, nil
}

// OnChanges registers fn and returns a function that removes it.
func (s *Service) OnChanges(fn ChangeListener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onChanges[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.onChanges, id)
		s.listenersMu.Unlock()
	}
}

// OnConflict registers fn and returns a function that removes it.
func (s *Service) OnConflict(fn ConflictListener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.onConflict[id] = fn
	return func() {
		s.listenersMu.Lock()
		delete(s.onConflict, id)
		s.listenersMu.Unlock()
	}
}

func (s *Service) emitChanges(ctx context.Context, event types.ChangeBroadcast) {
	s.listenersMu.RLock()
	listeners := make([]ChangeListener, 0, len(s.onChanges))
	for _, fn := range s.onChanges {
		listeners = append(listeners, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, event)
	}
}

func (s *Service) emitConflict(ctx context.Context, event types.ConflictBroadcast) {
	s.listenersMu.RLock()
	listeners := make([]ConflictListener, 0, len(s.onConflict))
	for _, fn := range s.onConflict {
		listeners = append(listeners, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ctx, event)
	}
}
