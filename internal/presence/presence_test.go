package presence

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workspace-sync/internal/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func TestTrackerEvictsAfterTTL(t *testing.T) {
	clock := newClock()
	tracker := NewTracker(0).WithClock(clock.Now)

	tracker.Observe(types.PresenceEvent{Type: "typing", DeviceID: "d1", Active: true})
	require.Len(t, tracker.List(), 1)

	clock.Advance(31 * time.Second)
	assert.Empty(t, tracker.List())
}

func TestTrackerOneSlotPerType(t *testing.T) {
	clock := newClock()
	tracker := NewTracker(time.Minute).WithClock(clock.Now)

	tracker.Observe(types.PresenceEvent{Type: "cursor", DeviceID: "d1", Data: json.RawMessage(`{"line":1}`)})
	tracker.Observe(types.PresenceEvent{Type: "typing", DeviceID: "d1", Active: true})
	clock.Advance(time.Second)
	tracker.Observe(types.PresenceEvent{Type: "cursor", DeviceID: "d1", Data: json.RawMessage(`{"line":9}`)})

	states := tracker.List()
	require.Len(t, states, 1)
	require.Len(t, states[0].Events, 2)
	assert.Equal(t, "cursor", states[0].Events[0].Type)
	assert.JSONEq(t, `{"line":9}`, string(states[0].Events[0].Data))
	assert.Equal(t, clock.now, states[0].LastSeenAt)
}

func TestTrackerListSortedByDevice(t *testing.T) {
	tracker := NewTracker(time.Minute)
	for _, device := range []types.DeviceID{"d3", "d1", "d2"} {
		tracker.Observe(types.PresenceEvent{Type: "typing", DeviceID: device})
	}
	tracker.Observe(types.PresenceEvent{Type: "typing"})

	states := tracker.List()
	require.Len(t, states, 3)
	assert.Equal(t, types.DeviceID("d1"), states[0].DeviceID)
	assert.Equal(t, types.DeviceID("d3"), states[2].DeviceID)
}

func TestTrackerRefreshKeepsDevice(t *testing.T) {
	clock := newClock()
	tracker := NewTracker(0).WithClock(clock.Now)

	tracker.Observe(types.PresenceEvent{Type: "typing", DeviceID: "d1"})
	clock.Advance(20 * time.Second)
	tracker.Observe(types.PresenceEvent{Type: "selection", DeviceID: "d1"})
	clock.Advance(20 * time.Second)

	assert.Len(t, tracker.List(), 1)
}

func TestMemoryStoreIsolatesWorkspaces(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute)

	list, err := store.Observe(ctx, "ws-1", types.PresenceEvent{Type: "typing", DeviceID: "d1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	other, err := store.List(ctx, "ws-2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, store.Remove(ctx, "ws-1", "d1"))
	list, err = store.List(ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func newRedisStore(t *testing.T) (*RedisStore, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newClock()
	return NewRedisStore(client, 0, zerolog.New(io.Discard)).WithClock(clock.Now), clock
}

func TestRedisStoreSharedPresence(t *testing.T) {
	ctx := context.Background()
	store, clock := newRedisStore(t)

	_, err := store.Observe(ctx, "ws-1", types.PresenceEvent{Type: "typing", DeviceID: "d2", Active: true})
	require.NoError(t, err)
	_, err = store.Observe(ctx, "ws-1", types.PresenceEvent{Type: "cursor", DeviceID: "d1"})
	require.NoError(t, err)
	list, err := store.Observe(ctx, "ws-1", types.PresenceEvent{Type: "typing", DeviceID: "d2", Active: false})
	require.NoError(t, err)

	require.Len(t, list, 2)
	assert.Equal(t, types.DeviceID("d1"), list[0].DeviceID)
	require.Len(t, list[1].Events, 1)
	assert.False(t, list[1].Events[0].Active)

	clock.Advance(31 * time.Second)
	list, err = store.List(ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisStoreRemove(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)

	_, err := store.Observe(ctx, "ws-1", types.PresenceEvent{Type: "typing", DeviceID: "d1"})
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, "ws-1", "d1"))

	list, err := store.List(ctx, "ws-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
