package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/example/workspace-sync/internal/types"
)

// DefaultTTL is how long a device stays listed after its last event.
const DefaultTTL = 30 * time.Second

// Tracker keeps ephemeral presence for the devices of one workspace. Each
// device holds at most one event per event type; the latest wins.
type Tracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	states map[types.DeviceID]*types.PresenceState
}

// NewTracker constructs a tracker. A non-positive ttl selects DefaultTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:    ttl,
		now:    time.Now,
		states: make(map[types.DeviceID]*types.PresenceState),
	}
}

// WithClock replaces the time source, mainly for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// Observe records an event for its device and refreshes lastSeenAt.
func (t *Tracker) Observe(event types.PresenceEvent) {
	if event.DeviceID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if event.At.IsZero() {
		event.At = now
	}
	state, ok := t.states[event.DeviceID]
	if !ok {
		state = &types.PresenceState{DeviceID: event.DeviceID}
		t.states[event.DeviceID] = state
	}
	applyEvent(state, event, now)
}

// Remove forgets a device immediately.
func (t *Tracker) Remove(device types.DeviceID) {
	t.mu.Lock()
	delete(t.states, device)
	t.mu.Unlock()
}

// List evicts devices silent for longer than the TTL and returns the rest
// sorted by device id.
func (t *Tracker) List() []types.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	out := make([]types.PresenceState, 0, len(t.states))
	for device, state := range t.states {
		if state.LastSeenAt.Before(cutoff) {
			delete(t.states, device)
			continue
		}
		out = append(out, cloneState(*state))
	}
	sortStates(out)
	return out
}

// applyEvent replaces the slot for the event type and refreshes lastSeenAt.
func applyEvent(state *types.PresenceState, event types.PresenceEvent, now time.Time) {
	replaced := false
	for i := range state.Events {
		if state.Events[i].Type == event.Type {
			state.Events[i] = event
			replaced = true
			break
		}
	}
	if !replaced {
		state.Events = append(state.Events, event)
		sort.SliceStable(state.Events, func(i, j int) bool {
			return state.Events[i].Type < state.Events[j].Type
		})
	}
	state.LastSeenAt = now
}

func cloneState(state types.PresenceState) types.PresenceState {
	state.Events = append([]types.PresenceEvent(nil), state.Events...)
	return state
}

func sortStates(states []types.PresenceState) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].DeviceID < states[j].DeviceID
	})
}
