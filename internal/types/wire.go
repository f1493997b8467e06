package types

import (
	"encoding/json"
	"time"
)

// ConflictVectorClockDivergence is the conflict code reported when a push is
// rejected because the device clock drifted past the divergence threshold.
const ConflictVectorClockDivergence = "VECTOR_CLOCK_DIVERGENCE"

// HandshakeRequest is posted by a device to obtain a session.
type HandshakeRequest struct {
	WorkspaceID   string   `json:"workspaceId"`
	DeviceID      DeviceID `json:"deviceId,omitempty"`
	Fingerprint   string   `json:"fingerprint"`
	Platform      string   `json:"platform,omitempty"`
	ClientVersion string   `json:"clientVersion,omitempty"`
}

// HandshakeResponse carries the issued session and the server baseline epoch.
type HandshakeResponse struct {
	SessionToken string    `json:"sessionToken"`
	DeviceID     DeviceID  `json:"deviceId"`
	WorkspaceID  string    `json:"workspaceId"`
	ServerEpoch  int64     `json:"serverEpoch"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// PullRequest asks for changes of one scope after SinceEpoch.
type PullRequest struct {
	ScopeType   ScopeType   `json:"scopeType"`
	ScopeID     string      `json:"scopeId"`
	SinceEpoch  int64       `json:"sinceEpoch"`
	VectorClock VectorClock `json:"vectorClock,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// Scope returns the scope the request targets.
func (r PullRequest) Scope() Scope {
	return Scope{Type: r.ScopeType, ID: r.ScopeID}
}

// WireSnapshot is a SnapshotEnvelope with a transportable payload.
type WireSnapshot struct {
	ScopeType ScopeType `json:"scopeType"`
	ScopeID   string    `json:"scopeId"`
	Version   int64     `json:"version"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// PullResponse returns a page of changes plus the latest snapshot when newer
// than the requested cursor.
type PullResponse struct {
	ScopeType   ScopeType        `json:"scopeType"`
	ScopeID     string           `json:"scopeId"`
	Changes     []ChangeEnvelope `json:"changes"`
	Snapshot    *WireSnapshot    `json:"snapshot,omitempty"`
	ServerEpoch int64            `json:"serverEpoch"`
	HasMore     bool             `json:"hasMore"`
	VectorClock VectorClock      `json:"vectorClock"`
}

// PushRequest submits a batch of changes sharing one scope.
type PushRequest struct {
	ScopeType   ScopeType        `json:"scopeType"`
	ScopeID     string           `json:"scopeId"`
	VectorClock VectorClock      `json:"vectorClock,omitempty"`
	Changes     []ChangeEnvelope `json:"changes"`
}

// Scope returns the scope the request targets.
func (r PushRequest) Scope() Scope {
	return Scope{Type: r.ScopeType, ID: r.ScopeID}
}

// AckedChange reports the epoch assigned to an accepted change. Duplicate is
// set when the id had already been accepted by an earlier push.
type AckedChange struct {
	ID          ChangeID `json:"id"`
	ServerEpoch int64    `json:"serverEpoch"`
	Duplicate   bool     `json:"duplicate,omitempty"`
}

// PushConflict describes a change batch the server refused to apply.
type PushConflict struct {
	Type       string      `json:"type"`
	Message    string      `json:"message"`
	ScopeType  ScopeType   `json:"scopeType"`
	ScopeID    string      `json:"scopeId"`
	DeviceID   DeviceID    `json:"deviceId"`
	ChangeIDs  []ChangeID  `json:"changeIds,omitempty"`
	Divergence uint64      `json:"divergence,omitempty"`
	Threshold  uint64      `json:"threshold,omitempty"`
	Server     VectorClock `json:"serverVectorClock,omitempty"`
	Client     VectorClock `json:"clientVectorClock,omitempty"`
}

// PushResponse acknowledges a push.
type PushResponse struct {
	Accepted    bool           `json:"accepted"`
	MinEpoch    int64          `json:"minEpoch"`
	MaxEpoch    int64          `json:"maxEpoch"`
	Acked       []AckedChange  `json:"acked"`
	Conflicts   []PushConflict `json:"conflicts"`
	VectorClock VectorClock    `json:"vectorClock,omitempty"`
}

// AckedIDs lists the ids the server acknowledged.
func (r PushResponse) AckedIDs() []ChangeID {
	ids := make([]ChangeID, 0, len(r.Acked))
	for _, ack := range r.Acked {
		ids = append(ids, ack.ID)
	}
	return ids
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error    string        `json:"error"`
	Code     string        `json:"code"`
	Conflict *PushConflict `json:"conflict,omitempty"`
}

// ChangeBroadcast is emitted by the sync service after a push commits.
type ChangeBroadcast struct {
	WorkspaceID string           `json:"workspaceId"`
	ScopeType   ScopeType        `json:"scopeType"`
	ScopeID     string           `json:"scopeId"`
	DeviceID    DeviceID         `json:"deviceId"`
	MinEpoch    int64            `json:"minEpoch"`
	MaxEpoch    int64            `json:"maxEpoch"`
	Changes     []ChangeEnvelope `json:"changes"`
}

// ConflictBroadcast is emitted by the sync service when a batch is rejected.
type ConflictBroadcast struct {
	WorkspaceID string       `json:"workspaceId"`
	Conflict    PushConflict `json:"conflict"`
}

// Realtime event names.
const (
	EventHello        = "hello"
	EventChangesPull  = "changes.pull"
	EventSyncConflict = "sync.conflict"
	EventPresence     = "presence"
)

// Frame is the envelope of every realtime message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data into a frame for event.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// HelloPayload acknowledges a realtime connection.
type HelloPayload struct {
	WorkspaceID  string   `json:"workspaceId"`
	DeviceID     DeviceID `json:"deviceId"`
	ConnectionID string   `json:"connectionId"`
}

// PresenceList is the full presence snapshot of a workspace.
type PresenceList struct {
	WorkspaceID string          `json:"workspaceId"`
	Devices     []PresenceState `json:"devices"`
}
