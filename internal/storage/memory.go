package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// MemoryStore implements the same contracts as PostgresStore in process. It
// backs single-instance development servers and tests.
type MemoryStore struct {
	mu sync.RWMutex

	lastEpoch int64
	changes   []types.ChangeEnvelope
	byID      map[types.ChangeID]int64
	byScope   map[string][]int

	states    map[string]types.SyncStateRecord
	snapshots map[string][]types.SnapshotEnvelope

	members map[string]map[string]struct{}
	parents map[string]types.Scope
	devices map[types.DeviceID]types.Device

	now func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[types.ChangeID]int64),
		byScope:   make(map[string][]int),
		states:    make(map[string]types.SyncStateRecord),
		snapshots: make(map[string][]types.SnapshotEnvelope),
		members:   make(map[string]map[string]struct{}),
		parents:   make(map[string]types.Scope),
		devices:   make(map[types.DeviceID]types.Device),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Append(_ context.Context, req AppendRequest) (AppendResult, error) {
	started := time.Now()
	defer func() {
		changeAppendLatency.WithLabelValues("memory").Observe(time.Since(started).Seconds())
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	var result AppendResult
	now := m.now()
	for _, change := range req.Changes {
		if epoch, ok := m.byID[change.ID]; ok {
			result.Acked = append(result.Acked, types.AckedChange{ID: change.ID, ServerEpoch: epoch, Duplicate: true})
			continue
		}
		m.lastEpoch++
		change.ServerEpoch = m.lastEpoch
		defaultCreatedAt(&change, now)

		m.byID[change.ID] = change.ServerEpoch
		key := change.Scope().Key()
		m.byScope[key] = append(m.byScope[key], len(m.changes))
		m.changes = append(m.changes, change)

		result.Acked = append(result.Acked, types.AckedChange{ID: change.ID, ServerEpoch: change.ServerEpoch})
		result.Accepted = append(result.Accepted, change)
	}
	result.summarize()

	key := stateKey(req.Scope, req.DeviceID)
	record := m.states[key]
	record.ScopeType = req.Scope.Type
	record.ScopeID = req.Scope.ID
	record.DeviceID = req.DeviceID
	record.VectorClock = record.VectorClock.Merge(req.VectorClock)
	if result.MaxEpoch > record.ServerEpoch {
		record.ServerEpoch = result.MaxEpoch
	}
	record.UpdatedAt = now
	m.states[key] = record

	changesAppended.WithLabelValues("memory").Add(float64(len(result.Accepted)))
	duplicateChanges.WithLabelValues("memory").Add(float64(len(result.Acked) - len(result.Accepted)))
	return result, nil
}

func (m *MemoryStore) ChangesSince(_ context.Context, scope types.Scope, since int64, limit int) ([]types.ChangeEnvelope, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indexes := m.byScope[scope.Key()]
	start := sort.Search(len(indexes), func(i int) bool {
		return m.changes[indexes[i]].ServerEpoch > since
	})
	remaining := indexes[start:]

	hasMore := false
	if limit > 0 && len(remaining) > limit {
		remaining = remaining[:limit]
		hasMore = true
	}
	out := make([]types.ChangeEnvelope, 0, len(remaining))
	for _, idx := range remaining {
		out = append(out, m.changes[idx])
	}
	return out, hasMore, nil
}

func (m *MemoryStore) MaxEpoch(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEpoch, nil
}

// AllChanges returns the whole log in epoch order.
func (m *MemoryStore) AllChanges() []types.ChangeEnvelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.ChangeEnvelope(nil), m.changes...)
}

func (m *MemoryStore) ScopeClock(_ context.Context, scope types.Scope) (types.VectorClock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	merged := types.NewVectorClock(nil)
	for _, record := range m.states {
		if record.Scope() == scope {
			merged = merged.Merge(record.VectorClock)
		}
	}
	return merged, nil
}

func (m *MemoryStore) SyncState(_ context.Context, scope types.Scope, device types.DeviceID) (types.SyncStateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.states[stateKey(scope, device)]
	if !ok {
		return types.SyncStateRecord{}, syncerr.ErrNotFound
	}
	record.VectorClock = record.VectorClock.Clone()
	return record, nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context, scope types.Scope) (types.SnapshotEnvelope, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.snapshots[scope.Key()]
	if len(list) == 0 {
		return types.SnapshotEnvelope{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snapshot types.SnapshotEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = m.now()
	}
	key := snapshot.Scope().Key()
	list := m.snapshots[key]
	if n := len(list); n > 0 && list[n-1].Version >= snapshot.Version {
		return nil
	}
	m.snapshots[key] = append(list, snapshot)
	return nil
}

func (m *MemoryStore) ScopesNeedingSnapshot(_ context.Context, threshold int) ([]ScopeBacklog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var backlog []ScopeBacklog
	for key, indexes := range m.byScope {
		var version int64
		if list := m.snapshots[key]; len(list) > 0 {
			version = list[len(list)-1].Version
		}
		var pending int64
		for _, idx := range indexes {
			if m.changes[idx].ServerEpoch > version {
				pending++
			}
		}
		if pending >= int64(threshold) && pending > 0 {
			backlog = append(backlog, ScopeBacklog{
				Scope:           m.changes[indexes[0]].Scope(),
				SnapshotVersion: version,
				Pending:         pending,
			})
		}
	}
	sort.Slice(backlog, func(i, j int) bool {
		return backlog[i].Scope.Key() < backlog[j].Scope.Key()
	})
	return backlog, nil
}

func (m *MemoryStore) IsMember(_ context.Context, workspaceID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[workspaceID][userID]
	return ok, nil
}

func (m *MemoryStore) AddMember(_ context.Context, workspaceID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.members[workspaceID]
	if !ok {
		users = make(map[string]struct{})
		m.members[workspaceID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (m *MemoryStore) ParentOf(_ context.Context, scope types.Scope) (types.Scope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parent, ok := m.parents[scope.Key()]
	if !ok {
		return types.Scope{}, syncerr.ErrNotFound
	}
	return parent, nil
}

func (m *MemoryStore) RegisterScope(_ context.Context, scope, parent types.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[scope.Key()] = parent
	return nil
}

func (m *MemoryStore) Device(_ context.Context, id types.DeviceID) (types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[id]
	if !ok {
		return types.Device{}, syncerr.ErrNotFound
	}
	return device, nil
}

func (m *MemoryStore) DeviceByFingerprint(_ context.Context, workspaceID, userID, fingerprint string) (types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, device := range m.devices {
		if device.WorkspaceID == workspaceID && device.UserID == userID && device.Fingerprint == fingerprint {
			return device, nil
		}
	}
	return types.Device{}, syncerr.ErrNotFound
}

func (m *MemoryStore) SaveDevice(_ context.Context, device types.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.ID] = device
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func stateKey(scope types.Scope, device types.DeviceID) string {
	return scope.Key() + "|" + string(device)
}
