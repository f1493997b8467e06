package syncstate

import (
	"context"
	"sync"
	"time"

	"github.com/example/workspace-sync/internal/types"
)

// ClockTracker keeps the last vector clock the server reported per scope and
// device. Entries expire after the configured TTL so a device that has been
// away long enough is treated as unknown rather than divergent.
type ClockTracker struct {
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	clocks map[string]trackedClock
}

type trackedClock struct {
	clock     types.VectorClock
	expiresAt time.Time
}

// NewClockTracker constructs an empty tracker. A zero ttl keeps entries
// forever.
func NewClockTracker(ttl time.Duration) *ClockTracker {
	return &ClockTracker{
		ttl:    ttl,
		now:    time.Now,
		clocks: make(map[string]trackedClock),
	}
}

// Get returns a copy of the tracked clock.
func (t *ClockTracker) Get(_ context.Context, scope types.Scope, device types.DeviceID) (types.VectorClock, bool, error) {
	key := trackerKey(scope, device)

	t.mu.RLock()
	entry, ok := t.clocks[key]
	t.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && t.now().After(entry.expiresAt) {
		t.mu.Lock()
		delete(t.clocks, key)
		t.mu.Unlock()
		return nil, false, nil
	}
	return entry.clock.Clone(), true, nil
}

// Set replaces the tracked clock and refreshes its expiry.
func (t *ClockTracker) Set(_ context.Context, scope types.Scope, device types.DeviceID, clock types.VectorClock) error {
	entry := trackedClock{clock: clock.Clone()}
	if t.ttl > 0 {
		entry.expiresAt = t.now().Add(t.ttl)
	}

	t.mu.Lock()
	t.clocks[trackerKey(scope, device)] = entry
	t.mu.Unlock()
	return nil
}

func trackerKey(scope types.Scope, device types.DeviceID) string {
	return scope.Key() + "|" + string(device)
}
