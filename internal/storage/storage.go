package storage

import (
	"context"
	"time"

	"github.com/example/workspace-sync/internal/types"
)

// AppendRequest is one pushed batch, persisted atomically.
type AppendRequest struct {
	Scope       types.Scope
	DeviceID    types.DeviceID
	VectorClock types.VectorClock
	Changes     []types.ChangeEnvelope
}

// AppendResult reports the epochs assigned by an append. Accepted holds only
// the changes persisted by this call; duplicates appear in Acked alone.
type AppendResult struct {
	Acked    []types.AckedChange
	Accepted []types.ChangeEnvelope
	MinEpoch int64
	MaxEpoch int64
}

// ScopeBacklog is a scope with changes beyond its latest snapshot.
type ScopeBacklog struct {
	Scope           types.Scope
	SnapshotVersion int64
	Pending         int64
}

// BlobStore holds snapshot payloads outside the database.
type BlobStore interface {
	PutSnapshot(ctx context.Context, snapshot types.SnapshotEnvelope) (string, error)
	GetSnapshot(ctx context.Context, key string) (types.SnapshotEnvelope, error)
}

// summarize fills MinEpoch and MaxEpoch from the acked list.
func (r *AppendResult) summarize() {
	for i, ack := range r.Acked {
		if i == 0 || ack.ServerEpoch < r.MinEpoch {
			r.MinEpoch = ack.ServerEpoch
		}
		if ack.ServerEpoch > r.MaxEpoch {
			r.MaxEpoch = ack.ServerEpoch
		}
	}
}

func defaultCreatedAt(change *types.ChangeEnvelope, now time.Time) {
	if change.CreatedAt.IsZero() {
		change.CreatedAt = now
	}
}
