package clientstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/example/workspace-sync/internal/types"
)

var (
	bucketOutbox = []byte("outbox")
	bucketState  = []byte("sync_state")
)

type boltEntry struct {
	Seq    uint64              `json:"seq"`
	Change types.DurableChange `json:"change"`
}

// Bolt is the embedded transactional backend. Each operation runs in its own
// bbolt transaction.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create client store dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	store := &Bolt{db: db}
	if err := store.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return store, nil
}

func (b *Bolt) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketOutbox, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (b *Bolt) GetVectorClock(ctx context.Context, scope types.Scope) (types.VectorClock, error) {
	record, ok, err := b.GetState(ctx, scope)
	if err != nil || !ok {
		return types.NewVectorClock(nil), err
	}
	return record.VectorClock, nil
}

func (b *Bolt) SetVectorClock(_ context.Context, scope types.Scope, clock types.VectorClock, serverEpoch int64) error {
	data, err := json.Marshal(stateRecord(scope, clock, serverEpoch))
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}
	return b.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(scope.Key()), data)
	})
}

func (b *Bolt) GetState(_ context.Context, scope types.Scope) (types.SyncStateRecord, bool, error) {
	var (
		record types.SyncStateRecord
		found  bool
	)
	err := b.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(scope.Key()))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return types.SyncStateRecord{}, false, err
	}
	return record, found, nil
}

func (b *Bolt) ClearState(_ context.Context, scope types.Scope) error {
	return b.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(scope.Key()))
	})
}

func (b *Bolt) Enqueue(_ context.Context, change types.DurableChange) error {
	if change.ID == "" {
		return ErrInvalidChange
	}
	return b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("outbox sequence: %w", err)
		}
		data, err := json.Marshal(boltEntry{Seq: seq, Change: change})
		if err != nil {
			return fmt.Errorf("failed to marshal outbox entry: %w", err)
		}
		return bucket.Put([]byte(change.ID), data)
	})
}

func (b *Bolt) ListQueued(_ context.Context) ([]types.DurableChange, error) {
	var entries []boltEntry
	err := b.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal outbox entry: %w", err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, c := entries[i].Change.EnqueuedAt, entries[j].Change.EnqueuedAt
		if !a.Equal(c) {
			return a.Before(c)
		}
		return entries[i].Seq < entries[j].Seq
	})
	out := make([]types.DurableChange, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Change)
	}
	return out, nil
}

func (b *Bolt) RemoveQueued(_ context.Context, ids []types.ChangeID) error {
	if len(ids) == 0 {
		return nil
	}
	return b.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		for _, id := range ids {
			if err := bucket.Delete([]byte(id)); err != nil {
				return fmt.Errorf("delete outbox entry %s: %w", id, err)
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) update(fn func(*bbolt.Tx) error) error {
	err := b.db.Update(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (b *Bolt) view(fn func(*bbolt.Tx) error) error {
	err := b.db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
