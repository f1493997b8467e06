package clientstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/workspace-sync/internal/types"
)

// outboxState is the in-memory model shared by the memory and file backends.
type outboxState struct {
	queue  map[types.ChangeID]queuedEntry
	seq    uint64
	states map[string]types.SyncStateRecord
}

type queuedEntry struct {
	change types.DurableChange
	seq    uint64
}

func newOutboxState() *outboxState {
	return &outboxState{
		queue:  make(map[types.ChangeID]queuedEntry),
		states: make(map[string]types.SyncStateRecord),
	}
}

func (s *outboxState) enqueue(change types.DurableChange) {
	s.seq++
	s.queue[change.ID] = queuedEntry{change: change, seq: s.seq}
}

func (s *outboxState) remove(ids []types.ChangeID) {
	for _, id := range ids {
		delete(s.queue, id)
	}
}

func (s *outboxState) list() []types.DurableChange {
	entries := make([]queuedEntry, 0, len(s.queue))
	for _, entry := range s.queue {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].change.EnqueuedAt, entries[j].change.EnqueuedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]types.DurableChange, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.change)
	}
	return out
}

func (s *outboxState) live() int {
	return len(s.queue) + len(s.states)
}

func (s *outboxState) setState(record types.SyncStateRecord) {
	s.states[record.Scope().Key()] = record
}

func (s *outboxState) clearState(scope types.Scope) {
	delete(s.states, scope.Key())
}

func (s *outboxState) state(scope types.Scope) (types.SyncStateRecord, bool) {
	record, ok := s.states[scope.Key()]
	if ok {
		record.VectorClock = record.VectorClock.Clone()
	}
	return record, ok
}

func stateRecord(scope types.Scope, clock types.VectorClock, serverEpoch int64) types.SyncStateRecord {
	return types.SyncStateRecord{
		ScopeType:   scope.Type,
		ScopeID:     scope.ID,
		VectorClock: clock.Clone(),
		ServerEpoch: serverEpoch,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Memory is the ephemeral backend used by tests and short-lived clients.
type Memory struct {
	mu     sync.Mutex
	state  *outboxState
	closed bool
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newOutboxState()}
}

func (m *Memory) GetVectorClock(ctx context.Context, scope types.Scope) (types.VectorClock, error) {
	record, ok, err := m.GetState(ctx, scope)
	if err != nil || !ok {
		return types.NewVectorClock(nil), err
	}
	return record.VectorClock, nil
}

func (m *Memory) SetVectorClock(_ context.Context, scope types.Scope, clock types.VectorClock, serverEpoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state.setState(stateRecord(scope, clock, serverEpoch))
	return nil
}

func (m *Memory) GetState(_ context.Context, scope types.Scope) (types.SyncStateRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.SyncStateRecord{}, false, ErrClosed
	}
	record, ok := m.state.state(scope)
	return record, ok, nil
}

func (m *Memory) ClearState(_ context.Context, scope types.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state.clearState(scope)
	return nil
}

func (m *Memory) Enqueue(_ context.Context, change types.DurableChange) error {
	if change.ID == "" {
		return ErrInvalidChange
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state.enqueue(change)
	return nil
}

func (m *Memory) ListQueued(_ context.Context) ([]types.DurableChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.state.list(), nil
}

func (m *Memory) RemoveQueued(_ context.Context, ids []types.ChangeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state.remove(ids)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
