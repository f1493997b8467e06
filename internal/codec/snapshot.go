package codec

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// EncodeSnapshot converts the compressed payload into a base64 string while
// keeping the snapshot identity intact.
func EncodeSnapshot(snapshot types.SnapshotEnvelope) types.WireSnapshot {
	return types.WireSnapshot{
		ScopeType: snapshot.ScopeType,
		ScopeID:   snapshot.ScopeID,
		Version:   snapshot.Version,
		Payload:   base64.StdEncoding.EncodeToString(snapshot.PayloadCompressed),
		CreatedAt: snapshot.CreatedAt,
	}
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(wire types.WireSnapshot) (types.SnapshotEnvelope, error) {
	payload, err := base64.StdEncoding.DecodeString(wire.Payload)
	if err != nil {
		return types.SnapshotEnvelope{}, syncerr.Malformed("decode snapshot payload: %v", err)
	}
	return types.SnapshotEnvelope{
		ScopeType:         wire.ScopeType,
		ScopeID:           wire.ScopeID,
		Version:           wire.Version,
		PayloadCompressed: payload,
		CreatedAt:         wire.CreatedAt,
	}, nil
}

const (
	fieldScopeType protowire.Number = 1
	fieldScopeID   protowire.Number = 2
	fieldVersion   protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldCreatedAt protowire.Number = 5
)

// MarshalSnapshotBinary frames a snapshot with the protobuf wire format for
// blob storage.
func MarshalSnapshotBinary(snapshot types.SnapshotEnvelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldScopeType, protowire.BytesType)
	b = protowire.AppendString(b, string(snapshot.ScopeType))
	b = protowire.AppendTag(b, fieldScopeID, protowire.BytesType)
	b = protowire.AppendString(b, snapshot.ScopeID)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snapshot.Version))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, snapshot.PayloadCompressed)
	if !snapshot.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(snapshot.CreatedAt.UnixNano()))
	}
	return b
}

// UnmarshalSnapshotBinary parses the framing written by MarshalSnapshotBinary.
// Unknown fields are skipped.
func UnmarshalSnapshotBinary(data []byte) (types.SnapshotEnvelope, error) {
	var snapshot types.SnapshotEnvelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldScopeType && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot scope type: %v", protowire.ParseError(m))
			}
			snapshot.ScopeType = types.ScopeType(v)
			n = m
		case num == fieldScopeID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot scope id: %v", protowire.ParseError(m))
			}
			snapshot.ScopeID = v
			n = m
		case num == fieldVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot version: %v", protowire.ParseError(m))
			}
			snapshot.Version = int64(v)
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot payload: %v", protowire.ParseError(m))
			}
			snapshot.PayloadCompressed = append([]byte(nil), v...)
			n = m
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot created at: %v", protowire.ParseError(m))
			}
			snapshot.CreatedAt = time.Unix(0, int64(v)).UTC()
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot field %d: %v", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if err := snapshot.Scope().Validate(); err != nil {
		return types.SnapshotEnvelope{}, syncerr.Malformed("snapshot: %v", err)
	}
	return snapshot, nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// CompressPayload compresses a snapshot payload with zstd.
func CompressPayload(raw []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(compressed []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, syncerr.Malformed("decompress snapshot: %v", err)
	}
	return raw, nil
}

// EncodeSnapshotPayload serializes compacted changes and compresses them into
// a snapshot payload.
func EncodeSnapshotPayload(changes []types.ChangeEnvelope) ([]byte, error) {
	raw, err := SerializeChanges(changes)
	if err != nil {
		return nil, err
	}
	return CompressPayload([]byte(raw))
}

// DecodeSnapshotPayload reverses EncodeSnapshotPayload.
func DecodeSnapshotPayload(payload []byte) ([]types.ChangeEnvelope, error) {
	raw, err := DecompressPayload(payload)
	if err != nil {
		return nil, err
	}
	return DeserializeChanges(string(raw))
}
