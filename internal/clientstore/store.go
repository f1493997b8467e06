// Package clientstore persists the device outbox and the last known vector
// clock per scope. Every backend honors the same contract: enqueue is an
// upsert by change id and the outbox lists in enqueue order.
package clientstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/example/workspace-sync/internal/types"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client store is closed")

	// ErrInvalidChange is returned when enqueuing a change without an id.
	ErrInvalidChange = errors.New("durable change requires an id")
)

// Store is the durable client adapter.
type Store interface {
	GetVectorClock(ctx context.Context, scope types.Scope) (types.VectorClock, error)
	SetVectorClock(ctx context.Context, scope types.Scope, clock types.VectorClock, serverEpoch int64) error
	GetState(ctx context.Context, scope types.Scope) (types.SyncStateRecord, bool, error)
	ClearState(ctx context.Context, scope types.Scope) error

	Enqueue(ctx context.Context, change types.DurableChange) error
	ListQueued(ctx context.Context) ([]types.DurableChange, error)
	RemoveQueued(ctx context.Context, ids []types.ChangeID) error

	Close() error
}

// Open selects a backend from a DSN: "memory:", "file:///path/outbox.log" or
// "bolt:///path/outbox.db". A bare path selects the file backend.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("client store dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse client store dsn: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenFile(path, FileOptions{})
	case "bolt", "bbolt":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unsupported client store scheme: %s", parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = parsed.Opaque
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("client store dsn %q has no path", raw)
	}
	return path, nil
}
