package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DeviceID identifies a device participating in a workspace.
type DeviceID string

// ChangeID is the caller-generated idempotency key of a change.
type ChangeID string

// ScopeType names the kind of resource a scope points at.
type ScopeType string

const (
	ScopeWorkspace   ScopeType = "workspace"
	ScopeProject     ScopeType = "project"
	ScopeCollection  ScopeType = "collection"
	ScopeRequest     ScopeType = "request"
	ScopeEnvironment ScopeType = "environment"
	ScopeVariable    ScopeType = "variable"
	ScopeSecret      ScopeType = "secret"
)

// Valid reports whether the scope type is one the sync core understands.
func (t ScopeType) Valid() bool {
	switch t {
	case ScopeWorkspace, ScopeProject, ScopeCollection, ScopeRequest, ScopeEnvironment, ScopeVariable, ScopeSecret:
		return true
	}
	return false
}

// Scope is the unit of subscription and authorization.
type Scope struct {
	Type ScopeType `json:"scopeType"`
	ID   string    `json:"scopeId"`
}

// Key renders the scope as "type:id", suitable for map and cache keys.
func (s Scope) Key() string {
	return string(s.Type) + ":" + s.ID
}

// Validate checks that the scope has a known type and a non-empty id.
func (s Scope) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown scope type %q", s.Type)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("scope id is required")
	}
	return nil
}

// ParseScopeKey is the inverse of Scope.Key.
func ParseScopeKey(key string) (Scope, error) {
	typ, id, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope key %q", key)
	}
	scope := Scope{Type: ScopeType(typ), ID: id}
	return scope, scope.Validate()
}

// OpType is the kind of mutation carried by a change.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpCRDT   OpType = "crdt"
)

// Valid reports whether the op type is known.
func (o OpType) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpCRDT:
		return true
	}
	return false
}

// ChangeEnvelope is the wire and storage representation of a single mutation.
// ServerEpoch is zero until the server accepts the change.
type ChangeEnvelope struct {
	ID          ChangeID        `json:"id"`
	ScopeType   ScopeType       `json:"scopeType"`
	ScopeID     string          `json:"scopeId"`
	DeviceID    DeviceID        `json:"deviceId"`
	OpType      OpType          `json:"opType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Lamport     int64           `json:"lamport"`
	ServerEpoch int64           `json:"serverEpoch,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Scope returns the scope the change belongs to.
func (c ChangeEnvelope) Scope() Scope {
	return Scope{Type: c.ScopeType, ID: c.ScopeID}
}

// Unaccepted strips the server-assigned fields.
func (c ChangeEnvelope) Unaccepted() ChangeEnvelope {
	c.ServerEpoch = 0
	return c
}

// SnapshotEnvelope is compacted state for a scope as of Version (an epoch).
type SnapshotEnvelope struct {
	ScopeType         ScopeType `json:"scopeType"`
	ScopeID           string    `json:"scopeId"`
	Version           int64     `json:"version"`
	PayloadCompressed []byte    `json:"payloadCompressed"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Scope returns the scope the snapshot belongs to.
func (s SnapshotEnvelope) Scope() Scope {
	return Scope{Type: s.ScopeType, ID: s.ScopeID}
}

// SyncStateRecord is the last known clock and epoch per scope and device.
type SyncStateRecord struct {
	ScopeType   ScopeType   `json:"scopeType"`
	ScopeID     string      `json:"scopeId"`
	DeviceID    DeviceID    `json:"deviceId,omitempty"`
	VectorClock VectorClock `json:"vectorClock"`
	ServerEpoch int64       `json:"serverEpoch"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Scope returns the scope the record tracks.
func (r SyncStateRecord) Scope() Scope {
	return Scope{Type: r.ScopeType, ID: r.ScopeID}
}

// DurableChange is a client outbox entry awaiting server acknowledgement.
type DurableChange struct {
	ID         ChangeID       `json:"id"`
	Change     ChangeEnvelope `json:"change"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

// Session binds a short-lived token to a user and device within a workspace.
type Session struct {
	Token       string    `json:"token"`
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	DeviceID    DeviceID  `json:"deviceId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Device is a registered client installation.
type Device struct {
	ID          DeviceID  `json:"id"`
	UserID      string    `json:"userId"`
	WorkspaceID string    `json:"workspaceId"`
	Fingerprint string    `json:"fingerprint"`
	Platform    string    `json:"platform,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// PresenceEvent is one ephemeral liveness signal (cursor, typing, selection...).
type PresenceEvent struct {
	Type      string          `json:"type"`
	DeviceID  DeviceID        `json:"deviceId"`
	UserID    string          `json:"userId,omitempty"`
	Active    bool            `json:"active"`
	ScopeType ScopeType       `json:"scopeType,omitempty"`
	ScopeID   string          `json:"scopeId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// PresenceState is the latest event per type for a device.
type PresenceState struct {
	DeviceID   DeviceID        `json:"deviceId"`
	LastSeenAt time.Time       `json:"lastSeenAt"`
	Events     []PresenceEvent `json:"events"`
}
