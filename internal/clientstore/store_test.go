package clientstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workspace-sync/internal/types"
)

type backendFactory struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backendFactory {
	return []backendFactory{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"file", func(t *testing.T) Store {
			store, err := OpenFile(filepath.Join(t.TempDir(), "outbox.log"), FileOptions{CompactThreshold: 4})
			require.NoError(t, err)
			return store
		}},
		{"bolt", func(t *testing.T) Store {
			store, err := OpenBolt(filepath.Join(t.TempDir(), "outbox.db"))
			require.NoError(t, err)
			return store
		}},
	}
}

var (
	scopeR1 = types.Scope{Type: types.ScopeRequest, ID: "r1"}
	scopeR2 = types.Scope{Type: types.ScopeRequest, ID: "r2"}
	epoch0  = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func durable(id string, at time.Time, name string) types.DurableChange {
	return types.DurableChange{
		ID: types.ChangeID(id),
		Change: types.ChangeEnvelope{
			ID:        types.ChangeID(id),
			ScopeType: scopeR1.Type,
			ScopeID:   scopeR1.ID,
			DeviceID:  "d1",
			OpType:    types.OpUpdate,
			Payload:   json.RawMessage(`{"name":"` + name + `"}`),
			Lamport:   1,
			CreatedAt: at,
		},
		EnqueuedAt: at,
	}
}

func ids(changes []types.DurableChange) []types.ChangeID {
	out := make([]types.ChangeID, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.ID)
	}
	return out
}

func TestStoreContract(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("fifo by enqueuedAt", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				require.NoError(t, store.Enqueue(ctx, durable("c3", epoch0.Add(3*time.Second), "c")))
				require.NoError(t, store.Enqueue(ctx, durable("c1", epoch0.Add(1*time.Second), "a")))
				require.NoError(t, store.Enqueue(ctx, durable("c2", epoch0.Add(2*time.Second), "b")))
				require.NoError(t, store.Enqueue(ctx, durable("c2b", epoch0.Add(2*time.Second), "b2")))

				queued, err := store.ListQueued(ctx)
				require.NoError(t, err)
				assert.Equal(t, []types.ChangeID{"c1", "c2", "c2b", "c3"}, ids(queued))
			})

			t.Run("re-enqueue replaces", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				require.NoError(t, store.Enqueue(ctx, durable("c1", epoch0, "first")))
				require.NoError(t, store.Enqueue(ctx, durable("c1", epoch0, "second")))

				queued, err := store.ListQueued(ctx)
				require.NoError(t, err)
				require.Len(t, queued, 1)
				assert.JSONEq(t, `{"name":"second"}`, string(queued[0].Change.Payload))
			})

			t.Run("remove acknowledged only", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				for i, id := range []string{"c1", "c2", "c3"} {
					require.NoError(t, store.Enqueue(ctx, durable(id, epoch0.Add(time.Duration(i)*time.Second), id)))
				}
				require.NoError(t, store.RemoveQueued(ctx, []types.ChangeID{"c1", "c3", "missing"}))

				queued, err := store.ListQueued(ctx)
				require.NoError(t, err)
				assert.Equal(t, []types.ChangeID{"c2"}, ids(queued))
			})

			t.Run("vector clock per scope", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				clock, err := store.GetVectorClock(ctx, scopeR1)
				require.NoError(t, err)
				assert.Empty(t, clock)
				_, ok, err := store.GetState(ctx, scopeR1)
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, store.SetVectorClock(ctx, scopeR1, types.VectorClock{"d1": 2}, 7))
				require.NoError(t, store.SetVectorClock(ctx, scopeR2, types.VectorClock{"d2": 1}, 3))

				clock, err = store.GetVectorClock(ctx, scopeR1)
				require.NoError(t, err)
				assert.Equal(t, types.VectorClock{"d1": 2}, clock)

				state, ok, err := store.GetState(ctx, scopeR1)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, int64(7), state.ServerEpoch)
				assert.Equal(t, scopeR1, state.Scope())

				require.NoError(t, store.ClearState(ctx, scopeR1))
				_, ok, err = store.GetState(ctx, scopeR1)
				require.NoError(t, err)
				assert.False(t, ok)
				_, ok, _ = store.GetState(ctx, scopeR2)
				assert.True(t, ok)
			})

			t.Run("closed", func(t *testing.T) {
				store := backend.open(t)
				require.NoError(t, store.Close())
				assert.ErrorIs(t, store.Enqueue(ctx, durable("c1", epoch0, "x")), ErrClosed)
			})

			t.Run("rejects missing id", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()
				assert.ErrorIs(t, store.Enqueue(ctx, types.DurableChange{}), ErrInvalidChange)
			})
		})
	}
}

func TestFileStoreSurvivesReopenAndCompaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.log")

	store, err := OpenFile(path, FileOptions{CompactThreshold: 3})
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		require.NoError(t, store.Enqueue(ctx, durable(id, epoch0.Add(time.Duration(i)*time.Second), id)))
	}
	require.NoError(t, store.RemoveQueued(ctx, []types.ChangeID{"a", "b"}))
	require.NoError(t, store.SetVectorClock(ctx, scopeR1, types.VectorClock{"d1": 6}, 12))
	require.NoError(t, store.Close())

	reopened, err := OpenFile(path, FileOptions{CompactThreshold: 3})
	require.NoError(t, err)
	defer reopened.Close()

	queued, err := reopened.ListQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ChangeID{"c", "d", "e", "f"}, ids(queued))

	clock, err := reopened.GetVectorClock(ctx, scopeR1)
	require.NoError(t, err)
	assert.Equal(t, types.VectorClock{"d1": 6}, clock)
}

func TestFileStoreDropsTornRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.log")

	store, err := OpenFile(path, FileOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, durable("c1", epoch0, "a")))
	require.NoError(t, store.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"enqueue","change":{"id":"c2"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenFile(path, FileOptions{})
	require.NoError(t, err)
	require.NoError(t, reopened.Enqueue(ctx, durable("c3", epoch0.Add(time.Second), "c")))
	require.NoError(t, reopened.Close())

	again, err := OpenFile(path, FileOptions{})
	require.NoError(t, err)
	defer again.Close()
	queued, err := again.ListQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ChangeID{"c1", "c3"}, ids(queued))
}

func TestFileStoreWatchReloadsExternalAppends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "outbox.log")

	daemon, err := OpenFile(path, FileOptions{})
	require.NoError(t, err)
	defer daemon.Close()

	reloaded := make(chan struct{}, 8)
	go func() { _ = daemon.Watch(ctx, func() { reloaded <- struct{}{} }) }()
	time.Sleep(50 * time.Millisecond)

	cli, err := OpenFile(path, FileOptions{})
	require.NoError(t, err)
	require.NoError(t, cli.Enqueue(ctx, durable("offline-1", epoch0, "x")))
	require.NoError(t, cli.Close())

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not reload the outbox")
	}
	queued, err := daemon.ListQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ChangeID{"offline-1"}, ids(queued))
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	mem, err := Open("memory:")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, mem)

	file, err := Open("file://" + filepath.Join(dir, "q.log"))
	require.NoError(t, err)
	assert.IsType(t, &File{}, file)
	require.NoError(t, file.Close())

	bare, err := Open(filepath.Join(dir, "bare.log"))
	require.NoError(t, err)
	assert.IsType(t, &File{}, bare)
	require.NoError(t, bare.Close())

	bolt, err := Open("bolt://" + filepath.Join(dir, "q.db"))
	require.NoError(t, err)
	assert.IsType(t, &Bolt{}, bolt)
	require.NoError(t, bolt.Close())

	_, err = Open("s3://bucket/q")
	assert.Error(t, err)
	_, err = Open("")
	assert.Error(t, err)
}
