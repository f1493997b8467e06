package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// changeLog is the subset both stores share; the contract tests run against it.
type changeLog interface {
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)
	ChangesSince(ctx context.Context, scope types.Scope, since int64, limit int) ([]types.ChangeEnvelope, bool, error)
	MaxEpoch(ctx context.Context) (int64, error)
	ScopeClock(ctx context.Context, scope types.Scope) (types.VectorClock, error)
	LatestSnapshot(ctx context.Context, scope types.Scope) (types.SnapshotEnvelope, bool, error)
	SaveSnapshot(ctx context.Context, snapshot types.SnapshotEnvelope) error
	ScopesNeedingSnapshot(ctx context.Context, threshold int) ([]ScopeBacklog, error)
	ParentOf(ctx context.Context, scope types.Scope) (types.Scope, error)
	RegisterScope(ctx context.Context, scope, parent types.Scope) error
}

func change(id string, scope types.Scope, device types.DeviceID) types.ChangeEnvelope {
	return types.ChangeEnvelope{
		ID:        types.ChangeID(id),
		ScopeType: scope.Type,
		ScopeID:   scope.ID,
		DeviceID:  device,
		OpType:    types.OpUpdate,
		Payload:   json.RawMessage(`{"name":"Get"}`),
		Lamport:   1,
	}
}

func runChangeLogContract(t *testing.T, newStore func(t *testing.T) changeLog) {
	ctx := context.Background()
	r1 := types.Scope{Type: types.ScopeRequest, ID: "r1"}
	r2 := types.Scope{Type: types.ScopeRequest, ID: "r2"}

	t.Run("sequential epochs", func(t *testing.T) {
		store := newStore(t)
		res, err := store.Append(ctx, AppendRequest{Scope: r1, DeviceID: "d1", Changes: []types.ChangeEnvelope{
			change("c1", r1, "d1"), change("c2", r1, "d1"),
		}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.MinEpoch)
		assert.Equal(t, int64(2), res.MaxEpoch)
		require.Len(t, res.Accepted, 2)

		res, err = store.Append(ctx, AppendRequest{Scope: r2, DeviceID: "d2", Changes: []types.ChangeEnvelope{change("c3", r2, "d2")}})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.MinEpoch)

		max, err := store.MaxEpoch(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), max)
	})

	t.Run("duplicate ids keep their epoch", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Append(ctx, AppendRequest{Scope: r1, DeviceID: "d1", Changes: []types.ChangeEnvelope{change("c1", r1, "d1")}})
		require.NoError(t, err)

		res, err := store.Append(ctx, AppendRequest{Scope: r1, DeviceID: "d1", Changes: []types.ChangeEnvelope{
			change("c1", r1, "d1"), change("c2", r1, "d1"),
		}})
		require.NoError(t, err)
		require.Len(t, res.Acked, 2)
		assert.True(t, res.Acked[0].Duplicate)
		assert.Equal(t, int64(1), res.Acked[0].ServerEpoch)
		assert.Equal(t, int64(2), res.Acked[1].ServerEpoch)
		assert.Len(t, res.Accepted, 1)

		changes, _, err := store.ChangesSince(ctx, r1, 0, 10)
		require.NoError(t, err)
		assert.Len(t, changes, 2)
	})

	t.Run("concurrent pushes stay gap free", func(t *testing.T) {
		store := newStore(t)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				scope := types.Scope{Type: types.ScopeRequest, ID: fmt.Sprintf("r%d", w%3)}
				for i := 0; i < 5; i++ {
					_, err := store.Append(ctx, AppendRequest{Scope: scope, DeviceID: "d", Changes: []types.ChangeEnvelope{
						change(fmt.Sprintf("w%d-%d", w, i), scope, "d"),
					}})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		var epochs []int64
		for i := 0; i < 3; i++ {
			changes, _, err := store.ChangesSince(ctx, types.Scope{Type: types.ScopeRequest, ID: fmt.Sprintf("r%d", i)}, 0, 100)
			require.NoError(t, err)
			for j, c := range changes {
				if j > 0 {
					assert.Greater(t, c.ServerEpoch, changes[j-1].ServerEpoch)
				}
				epochs = append(epochs, c.ServerEpoch)
			}
		}
		require.Len(t, epochs, 40)
		seen := make(map[int64]bool)
		for _, e := range epochs {
			assert.False(t, seen[e], "epoch %d repeated", e)
			seen[e] = true
		}
		for e := int64(1); e <= 40; e++ {
			assert.True(t, seen[e], "epoch %d missing", e)
		}
	})

	t.Run("paging", func(t *testing.T) {
		store := newStore(t)
		batch := make([]types.ChangeEnvelope, 0, 5)
		for i := 0; i < 5; i++ {
			batch = append(batch, change(fmt.Sprintf("p%d", i), r1, "d1"))
		}
		_, err := store.Append(ctx, AppendRequest{Scope: r1, DeviceID: "d1", Changes: batch})
		require.NoError(t, err)

		page, more, err := store.ChangesSince(ctx, r1, 0, 2)
		require.NoError(t, err)
		assert.True(t, more)
		require.Len(t, page, 2)
		assert.Equal(t, types.ChangeID("p0"), page[0].ID)

		page, more, err = store.ChangesSince(ctx, r1, page[1].ServerEpoch, 10)
		require.NoError(t, err)
		assert.False(t, more)
		assert.Len(t, page, 3)
	})

	t.Run("scope clock merges devices", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Append(ctx, AppendRequest{Scope: r1, DeviceID: "d1", VectorClock: types.VectorClock{"d1": 3}, Changes: []types.ChangeEnvelope{change("a", r1, "d1")}})
		require.NoError(t, err)
		_, err = store.Append(ctx, AppendRequest{Scope: r1, DeviceID: "d2", VectorClock: types.VectorClock{"d1": 1, "d2": 2}, Changes: []types.ChangeEnvelope{change("b", r1, "d2")}})
		require.NoError(t, err)

		clock, err := store.ScopeClock(ctx, r1)
		require.NoError(t, err)
		assert.Equal(t, types.VectorClock{"d1": 3, "d2": 2}, clock)
	})

	t.Run("snapshots", func(t *testing.T) {
		store := newStore(t)
		_, ok, err := store.LatestSnapshot(ctx, r1)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.Append(ctx, AppendRequest{Scope: r1, DeviceID: "d1", Changes: []types.ChangeEnvelope{
			change("s1", r1, "d1"), change("s2", r1, "d1"), change("s3", r1, "d1"),
		}})
		require.NoError(t, err)

		backlog, err := store.ScopesNeedingSnapshot(ctx, 3)
		require.NoError(t, err)
		require.Len(t, backlog, 1)
		assert.Equal(t, r1, backlog[0].Scope)
		assert.Equal(t, int64(3), backlog[0].Pending)

		require.NoError(t, store.SaveSnapshot(ctx, types.SnapshotEnvelope{
			ScopeType: r1.Type, ScopeID: r1.ID, Version: 3, PayloadCompressed: []byte("blob"),
		}))
		snapshot, ok, err := store.LatestSnapshot(ctx, r1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3), snapshot.Version)
		assert.Equal(t, []byte("blob"), snapshot.PayloadCompressed)

		backlog, err = store.ScopesNeedingSnapshot(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, backlog)
	})

	t.Run("parents", func(t *testing.T) {
		store := newStore(t)
		_, err := store.ParentOf(ctx, r1)
		assert.ErrorIs(t, err, syncerr.ErrNotFound)

		col := types.Scope{Type: types.ScopeCollection, ID: "c1"}
		require.NoError(t, store.RegisterScope(ctx, r1, col))
		parent, err := store.ParentOf(ctx, r1)
		require.NoError(t, err)
		assert.Equal(t, col, parent)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runChangeLogContract(t, func(t *testing.T) changeLog { return NewMemoryStore() })
}

func TestPostgresStoreContract(t *testing.T) {
	url := os.Getenv("SYNC_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("SYNC_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	runChangeLogContract(t, func(t *testing.T) changeLog {
		pool, err := pgxpool.New(ctx, url)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		require.NoError(t, Migrate(ctx, pool))
		_, err = pool.Exec(ctx, `TRUNCATE sync_changes, sync_state, sync_snapshots, scope_parents, devices, workspace_members`)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `UPDATE sync_epoch_counter SET last_epoch = 0 WHERE id = 1`)
		require.NoError(t, err)
		return NewPostgresStore(pool)
	})
}

func TestMemoryStoreDevicesAndMembers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ok, err := store.IsMember(ctx, "ws", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.AddMember(ctx, "ws", "u1"))
	ok, _ = store.IsMember(ctx, "ws", "u1")
	assert.True(t, ok)

	device := types.Device{ID: "d1", UserID: "u1", WorkspaceID: "ws", Fingerprint: "fp"}
	require.NoError(t, store.SaveDevice(ctx, device))
	got, err := store.DeviceByFingerprint(ctx, "ws", "u1", "fp")
	require.NoError(t, err)
	assert.Equal(t, device, got)

	_, err = store.Device(ctx, "missing")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}
