package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// SerializeChanges renders a change batch as a JSON array.
func SerializeChanges(changes []types.ChangeEnvelope) (string, error) {
	if changes == nil {
		changes = []types.ChangeEnvelope{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("encode changes: %w", err)
	}
	return string(data), nil
}

// DeserializeChanges decodes a change batch. Empty input and a JSON null yield
// an empty batch; anything else that is not a well formed array of valid
// envelopes fails with ErrMalformedPayload.
func DeserializeChanges(raw string) ([]types.ChangeEnvelope, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return []types.ChangeEnvelope{}, nil
	}
	if !strings.HasPrefix(trimmed, "[") {
		return nil, syncerr.Malformed("change batch is not an array")
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	var changes []types.ChangeEnvelope
	if err := dec.Decode(&changes); err != nil {
		return nil, syncerr.Malformed("decode change batch: %v", err)
	}
	if dec.More() {
		return nil, syncerr.Malformed("trailing data after change batch")
	}
	if changes == nil {
		changes = []types.ChangeEnvelope{}
	}
	for i := range changes {
		if err := ValidateChange(changes[i]); err != nil {
			return nil, fmt.Errorf("change %d: %w", i, err)
		}
	}
	return changes, nil
}

// ValidateChange checks the structure of one envelope.
func ValidateChange(change types.ChangeEnvelope) error {
	if strings.TrimSpace(string(change.ID)) == "" {
		return syncerr.Malformed("change id is required")
	}
	if err := change.Scope().Validate(); err != nil {
		return syncerr.Malformed("change %s: %v", change.ID, err)
	}
	if change.DeviceID == "" {
		return syncerr.Malformed("change %s: device id is required", change.ID)
	}
	if !change.OpType.Valid() {
		return syncerr.Malformed("change %s: unknown op type %q", change.ID, change.OpType)
	}
	if change.Lamport < 0 {
		return syncerr.Malformed("change %s: negative lamport", change.ID)
	}
	if len(change.Payload) > 0 && !json.Valid(change.Payload) {
		return syncerr.Malformed("change %s: payload is not valid JSON", change.ID)
	}
	return nil
}

// RowID returns the logical row a change mutates: the payload "id" when
// present, the change id otherwise.
func RowID(change types.ChangeEnvelope) string {
	if len(change.Payload) > 0 && bytes.HasPrefix(bytes.TrimSpace(change.Payload), []byte("{")) {
		var head struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(change.Payload, &head); err == nil && head.ID != nil {
			switch id := head.ID.(type) {
			case string:
				if id != "" {
					return id
				}
			case float64:
				return fmt.Sprintf("%v", id)
			}
		}
	}
	return string(change.ID)
}
