package syncstate

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/example/workspace-sync/internal/codec"
	"github.com/example/workspace-sync/internal/types"
)

// Resolution reasons, naming the field that decided the winner.
const (
	ReasonServerEpoch = "server_epoch"
	ReasonLamport     = "lamport"
	ReasonUpdatedAt   = "updated_at"
	ReasonDeviceID    = "device_id"
	ReasonIdentical   = "identical"
)

// updatedAtLayout is fixed width so lexicographic order matches time order.
const updatedAtLayout = "2006-01-02T15:04:05.000000000Z"

// RowVersion is one version of a logical row as seen by the resolver.
type RowVersion struct {
	RowID       string
	ServerEpoch int64
	Lamport     int64
	UpdatedAt   string
	DeviceID    types.DeviceID
	Change      types.ChangeEnvelope
}

// Resolution is the outcome of comparing two versions of the same row.
type Resolution struct {
	Winner RowVersion
	Loser  RowVersion
	Reason string
}

// ResolveRowConflict picks a deterministic last-writer-wins winner between two
// versions of the same row. The winner does not depend on argument order.
func ResolveRowConflict(a, b RowVersion) Resolution {
	switch {
	case a.ServerEpoch != b.ServerEpoch:
		return pick(a, b, a.ServerEpoch > b.ServerEpoch, ReasonServerEpoch)
	case a.Lamport != b.Lamport:
		return pick(a, b, a.Lamport > b.Lamport, ReasonLamport)
	case a.UpdatedAt != b.UpdatedAt:
		return pick(a, b, a.UpdatedAt > b.UpdatedAt, ReasonUpdatedAt)
	case a.DeviceID != b.DeviceID:
		return pick(a, b, a.DeviceID > b.DeviceID, ReasonDeviceID)
	default:
		return Resolution{Winner: a, Loser: b, Reason: ReasonIdentical}
	}
}

func pick(a, b RowVersion, aWins bool, reason string) Resolution {
	if aWins {
		return Resolution{Winner: a, Loser: b, Reason: reason}
	}
	return Resolution{Winner: b, Loser: a, Reason: reason}
}

// VersionOf derives the resolver view of a change. A payload "updatedAt"
// string takes precedence over the envelope creation time.
func VersionOf(change types.ChangeEnvelope) RowVersion {
	updatedAt := ""
	if !change.CreatedAt.IsZero() {
		updatedAt = change.CreatedAt.UTC().Format(updatedAtLayout)
	}
	if len(change.Payload) > 0 {
		var head struct {
			UpdatedAt string `json:"updatedAt"`
		}
		if err := json.Unmarshal(change.Payload, &head); err == nil && head.UpdatedAt != "" {
			updatedAt = normalizeUpdatedAt(head.UpdatedAt)
		}
	}
	return RowVersion{
		RowID:       codec.RowID(change),
		ServerEpoch: change.ServerEpoch,
		Lamport:     change.Lamport,
		UpdatedAt:   updatedAt,
		DeviceID:    change.DeviceID,
		Change:      change,
	}
}

func normalizeUpdatedAt(value string) string {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC().Format(updatedAtLayout)
	}
	return value
}

// CompactChanges folds a change history into the surviving version of every
// row, ordered by epoch. Rows whose winning version is a delete are dropped.
func CompactChanges(changes []types.ChangeEnvelope) []types.ChangeEnvelope {
	latest := make(map[string]RowVersion, len(changes))
	for _, change := range changes {
		version := VersionOf(change)
		current, ok := latest[version.RowID]
		if !ok {
			latest[version.RowID] = version
			continue
		}
		latest[version.RowID] = ResolveRowConflict(current, version).Winner
	}

	out := make([]types.ChangeEnvelope, 0, len(latest))
	for _, version := range latest {
		if version.Change.OpType == types.OpDelete {
			continue
		}
		out = append(out, version.Change)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerEpoch != out[j].ServerEpoch {
			return out[i].ServerEpoch < out[j].ServerEpoch
		}
		return out[i].ID < out[j].ID
	})
	return out
}
