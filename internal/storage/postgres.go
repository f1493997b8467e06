package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrateDB(ctx, db)
}

func migrateDB(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

// PostgresStore is the authoritative change log, sync state, snapshot index
// and directory. Epochs come from a single counter row locked inside every
// append transaction, so they stay gap-free across server instances.
type PostgresStore struct {
	pool       *pgxpool.Pool
	blobs      BlobStore
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) PostgresOption {
	return func(s *PostgresStore) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.retryDelay = d
	}
}

// WithBlobStore moves snapshot payloads to object storage; the database then
// keeps only the object key.
func WithBlobStore(blobs BlobStore) PostgresOption {
	return func(s *PostgresStore) {
		s.blobs = blobs
	}
}

// NewPostgresStore constructs a store using the provided pool.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append assigns sequential epochs to the batch in submission order and
// persists it with the device sync state in one transaction. Change ids that
// were accepted before keep their original epoch.
func (s *PostgresStore) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	ctx, span := storeTracer.Start(ctx, "changelog.append")
	defer span.End()
	span.SetAttributes(attribute.String("scope", req.Scope.Key()), attribute.Int("changes", len(req.Changes)))

	started := time.Now()
	defer func() {
		changeAppendLatency.WithLabelValues("postgres").Observe(time.Since(started).Seconds())
	}()

	var result AppendResult
	err := s.retry(ctx, func(ctx context.Context) error {
		result = AppendResult{}
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var lastEpoch int64
		if err := tx.QueryRow(ctx, `SELECT last_epoch FROM sync_epoch_counter WHERE id = 1 FOR UPDATE`).Scan(&lastEpoch); err != nil {
			return fmt.Errorf("lock epoch counter: %w", err)
		}

		existing, err := s.existingEpochs(ctx, tx, req.Changes)
		if err != nil {
			return err
		}

		now := s.now()
		batch := &pgx.Batch{}
		for _, change := range req.Changes {
			if epoch, ok := existing[change.ID]; ok {
				result.Acked = append(result.Acked, types.AckedChange{ID: change.ID, ServerEpoch: epoch, Duplicate: true})
				continue
			}
			lastEpoch++
			change.ServerEpoch = lastEpoch
			defaultCreatedAt(&change, now)
			existing[change.ID] = lastEpoch

			batch.Queue(`
INSERT INTO sync_changes (server_epoch, change_id, scope_type, scope_id, device_id, op_type, payload, lamport, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				change.ServerEpoch, string(change.ID), string(change.ScopeType), change.ScopeID,
				string(change.DeviceID), string(change.OpType), nullableJSON(change.Payload), change.Lamport, change.CreatedAt,
			)
			result.Acked = append(result.Acked, types.AckedChange{ID: change.ID, ServerEpoch: change.ServerEpoch})
			result.Accepted = append(result.Accepted, change)
		}

		if len(result.Accepted) > 0 {
			batch.Queue(`UPDATE sync_epoch_counter SET last_epoch = $1 WHERE id = 1`, lastEpoch)
			results := tx.SendBatch(ctx, batch)
			for i := 0; i < batch.Len(); i++ {
				if _, err := results.Exec(); err != nil {
					results.Close()
					return fmt.Errorf("insert changes: %w", err)
				}
			}
			if err := results.Close(); err != nil {
				return fmt.Errorf("insert changes: %w", err)
			}
		}

		result.summarize()
		if err := s.upsertSyncState(ctx, tx, req, result.MaxEpoch, now); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		span.RecordError(err)
		return AppendResult{}, err
	}

	changesAppended.WithLabelValues("postgres").Add(float64(len(result.Accepted)))
	duplicateChanges.WithLabelValues("postgres").Add(float64(len(result.Acked) - len(result.Accepted)))
	return result, nil
}

func (s *PostgresStore) existingEpochs(ctx context.Context, tx pgx.Tx, changes []types.ChangeEnvelope) (map[types.ChangeID]int64, error) {
	ids := make([]string, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, string(change.ID))
	}
	existing := make(map[types.ChangeID]int64, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := tx.Query(ctx, `SELECT change_id, server_epoch FROM sync_changes WHERE change_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup duplicate changes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			epoch int64
		)
		if err := rows.Scan(&id, &epoch); err != nil {
			return nil, err
		}
		existing[types.ChangeID(id)] = epoch
	}
	return existing, rows.Err()
}

func (s *PostgresStore) upsertSyncState(ctx context.Context, tx pgx.Tx, req AppendRequest, maxEpoch int64, now time.Time) error {
	var stored []byte
	err := tx.QueryRow(ctx, `
SELECT vector_clock FROM sync_state
WHERE scope_type = $1 AND scope_id = $2 AND device_id = $3
FOR UPDATE`, string(req.Scope.Type), req.Scope.ID, string(req.DeviceID)).Scan(&stored)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("load sync state: %w", err)
	}

	clock, err := decodeClock(stored)
	if err != nil {
		return err
	}
	merged, err := json.Marshal(clock.Merge(req.VectorClock))
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO sync_state (scope_type, scope_id, device_id, vector_clock, server_epoch, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (scope_type, scope_id, device_id)
DO UPDATE SET vector_clock = EXCLUDED.vector_clock,
              server_epoch = GREATEST(sync_state.server_epoch, EXCLUDED.server_epoch),
              updated_at = EXCLUDED.updated_at`,
		string(req.Scope.Type), req.Scope.ID, string(req.DeviceID), merged, maxEpoch, now)
	if err != nil {
		return fmt.Errorf("upsert sync state: %w", err)
	}
	return nil
}

// ChangesSince returns up to limit changes of the scope with an epoch above
// since, ascending. The flag reports whether more changes remain.
func (s *PostgresStore) ChangesSince(ctx context.Context, scope types.Scope, since int64, limit int) ([]types.ChangeEnvelope, bool, error) {
	ctx, span := storeTracer.Start(ctx, "changelog.read")
	defer span.End()

	started := time.Now()
	defer func() {
		changeReadLatency.WithLabelValues("postgres").Observe(time.Since(started).Seconds())
	}()

	rows, err := s.pool.Query(ctx, `
SELECT server_epoch, change_id, scope_type, scope_id, device_id, op_type, payload, lamport, created_at
FROM sync_changes
WHERE scope_type = $1 AND scope_id = $2 AND server_epoch > $3
ORDER BY server_epoch
LIMIT $4`, string(scope.Type), scope.ID, since, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := make([]types.ChangeEnvelope, 0, limit)
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, false, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if len(changes) > limit {
		return changes[:limit], true, nil
	}
	return changes, false, nil
}

func scanChange(rows pgx.Rows) (types.ChangeEnvelope, error) {
	var (
		change                          types.ChangeEnvelope
		id, scopeType, deviceID, opType string
		payload                         []byte
	)
	if err := rows.Scan(&change.ServerEpoch, &id, &scopeType, &change.ScopeID, &deviceID, &opType, &payload, &change.Lamport, &change.CreatedAt); err != nil {
		return types.ChangeEnvelope{}, err
	}
	change.ID = types.ChangeID(id)
	change.ScopeType = types.ScopeType(scopeType)
	change.DeviceID = types.DeviceID(deviceID)
	change.OpType = types.OpType(opType)
	if len(payload) > 0 {
		change.Payload = json.RawMessage(payload)
	}
	change.CreatedAt = change.CreatedAt.UTC()
	return change, nil
}

// MaxEpoch returns the highest epoch assigned so far.
func (s *PostgresStore) MaxEpoch(ctx context.Context) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT last_epoch FROM sync_epoch_counter WHERE id = 1`).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}

// ScopeClock merges the vector clocks of every device that pushed to scope.
func (s *PostgresStore) ScopeClock(ctx context.Context, scope types.Scope) (types.VectorClock, error) {
	rows, err := s.pool.Query(ctx, `SELECT vector_clock FROM sync_state WHERE scope_type = $1 AND scope_id = $2`,
		string(scope.Type), scope.ID)
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}
	defer rows.Close()

	merged := types.NewVectorClock(nil)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		clock, err := decodeClock(raw)
		if err != nil {
			return nil, err
		}
		merged = merged.Merge(clock)
	}
	return merged, rows.Err()
}

// SyncState returns the record of one device in a scope.
func (s *PostgresStore) SyncState(ctx context.Context, scope types.Scope, device types.DeviceID) (types.SyncStateRecord, error) {
	var (
		raw    []byte
		record = types.SyncStateRecord{ScopeType: scope.Type, ScopeID: scope.ID, DeviceID: device}
	)
	err := s.pool.QueryRow(ctx, `
SELECT vector_clock, server_epoch, updated_at FROM sync_state
WHERE scope_type = $1 AND scope_id = $2 AND device_id = $3`,
		string(scope.Type), scope.ID, string(device)).Scan(&raw, &record.ServerEpoch, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SyncStateRecord{}, syncerr.ErrNotFound
	}
	if err != nil {
		return types.SyncStateRecord{}, err
	}
	record.VectorClock, err = decodeClock(raw)
	return record, err
}

// LatestSnapshot returns the newest snapshot of the scope.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, scope types.Scope) (types.SnapshotEnvelope, bool, error) {
	var (
		version   int64
		payload   []byte
		objectKey *string
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT version, payload, object_key, created_at FROM sync_snapshots
WHERE scope_type = $1 AND scope_id = $2
ORDER BY version DESC
LIMIT 1`, string(scope.Type), scope.ID).Scan(&version, &payload, &objectKey, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SnapshotEnvelope{}, false, nil
	}
	if err != nil {
		return types.SnapshotEnvelope{}, false, fmt.Errorf("query snapshot: %w", err)
	}

	if objectKey != nil && *objectKey != "" {
		if s.blobs == nil {
			return types.SnapshotEnvelope{}, false, fmt.Errorf("snapshot %s stored in object storage but no blob store configured", *objectKey)
		}
		snapshot, err := s.blobs.GetSnapshot(ctx, *objectKey)
		if err != nil {
			return types.SnapshotEnvelope{}, false, err
		}
		return snapshot, true, nil
	}
	return types.SnapshotEnvelope{
		ScopeType:         scope.Type,
		ScopeID:           scope.ID,
		Version:           version,
		PayloadCompressed: payload,
		CreatedAt:         createdAt.UTC(),
	}, true, nil
}

// SaveSnapshot records a snapshot, uploading the payload first when a blob
// store is configured.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snapshot types.SnapshotEnvelope) error {
	var (
		payload   []byte
		objectKey *string
	)
	if s.blobs != nil {
		key, err := s.blobs.PutSnapshot(ctx, snapshot)
		if err != nil {
			return err
		}
		objectKey = &key
	} else {
		payload = snapshot.PayloadCompressed
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.now()
	}

	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO sync_snapshots (scope_type, scope_id, version, payload, object_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (scope_type, scope_id, version) DO NOTHING`,
			string(snapshot.ScopeType), snapshot.ScopeID, snapshot.Version, payload, objectKey, snapshot.CreatedAt)
		return err
	})
}

// ScopesNeedingSnapshot lists scopes with at least threshold changes beyond
// their latest snapshot.
func (s *PostgresStore) ScopesNeedingSnapshot(ctx context.Context, threshold int) ([]ScopeBacklog, error) {
	rows, err := s.pool.Query(ctx, `
SELECT c.scope_type, c.scope_id, COALESCE(s.version, 0), count(*)
FROM sync_changes c
LEFT JOIN (
    SELECT scope_type, scope_id, max(version) AS version
    FROM sync_snapshots
    GROUP BY scope_type, scope_id
) s ON s.scope_type = c.scope_type AND s.scope_id = c.scope_id
WHERE c.server_epoch > COALESCE(s.version, 0)
GROUP BY c.scope_type, c.scope_id, s.version
HAVING count(*) >= $1`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query snapshot backlog: %w", err)
	}
	defer rows.Close()

	var backlog []ScopeBacklog
	for rows.Next() {
		var (
			entry     ScopeBacklog
			scopeType string
		)
		if err := rows.Scan(&scopeType, &entry.Scope.ID, &entry.SnapshotVersion, &entry.Pending); err != nil {
			return nil, err
		}
		entry.Scope.Type = types.ScopeType(scopeType)
		backlog = append(backlog, entry)
	}
	return backlog, rows.Err()
}

// IsMember reports whether the user belongs to the workspace.
func (s *PostgresStore) IsMember(ctx context.Context, workspaceID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM workspace_members WHERE workspace_id = $1 AND user_id = $2)`,
		workspaceID, userID).Scan(&exists)
	return exists, err
}

// AddMember grants a user membership of a workspace.
func (s *PostgresStore) AddMember(ctx context.Context, workspaceID, userID string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO workspace_members (workspace_id, user_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`, workspaceID, userID)
	return err
}

// ParentOf returns the direct parent of a scope.
func (s *PostgresStore) ParentOf(ctx context.Context, scope types.Scope) (types.Scope, error) {
	var parentType, parentID string
	err := s.pool.QueryRow(ctx, `
SELECT parent_type, parent_id FROM scope_parents WHERE scope_type = $1 AND scope_id = $2`,
		string(scope.Type), scope.ID).Scan(&parentType, &parentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Scope{}, syncerr.ErrNotFound
	}
	if err != nil {
		return types.Scope{}, err
	}
	return types.Scope{Type: types.ScopeType(parentType), ID: parentID}, nil
}

// RegisterScope records the parent of a scope.
func (s *PostgresStore) RegisterScope(ctx context.Context, scope, parent types.Scope) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO scope_parents (scope_type, scope_id, parent_type, parent_id) VALUES ($1, $2, $3, $4)
ON CONFLICT (scope_type, scope_id) DO UPDATE SET parent_type = EXCLUDED.parent_type, parent_id = EXCLUDED.parent_id`,
		string(scope.Type), scope.ID, string(parent.Type), parent.ID)
	return err
}

// Device loads a device by id.
func (s *PostgresStore) Device(ctx context.Context, id types.DeviceID) (types.Device, error) {
	return s.queryDevice(ctx, `WHERE id = $1`, string(id))
}

// DeviceByFingerprint finds the device a user registered with a fingerprint.
func (s *PostgresStore) DeviceByFingerprint(ctx context.Context, workspaceID, userID, fingerprint string) (types.Device, error) {
	return s.queryDevice(ctx, `WHERE workspace_id = $1 AND user_id = $2 AND fingerprint = $3`, workspaceID, userID, fingerprint)
}

func (s *PostgresStore) queryDevice(ctx context.Context, where string, args ...any) (types.Device, error) {
	var (
		device types.Device
		id     string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, user_id, workspace_id, fingerprint, platform, created_at, last_seen_at FROM devices `+where, args...).
		Scan(&id, &device.UserID, &device.WorkspaceID, &device.Fingerprint, &device.Platform, &device.CreatedAt, &device.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Device{}, syncerr.ErrNotFound
	}
	if err != nil {
		return types.Device{}, err
	}
	device.ID = types.DeviceID(id)
	return device, nil
}

// SaveDevice inserts or refreshes a device record.
func (s *PostgresStore) SaveDevice(ctx context.Context, device types.Device) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO devices (id, user_id, workspace_id, fingerprint, platform, created_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET platform = EXCLUDED.platform, last_seen_at = EXCLUDED.last_seen_at`,
			string(device.ID), device.UserID, device.WorkspaceID, device.Fingerprint, device.Platform, device.CreatedAt, device.LastSeenAt)
		return err
	})
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) {
				return err
			}
			if attempt == s.maxRetries {
				return fmt.Errorf("%w: %v", syncerr.ErrTransientTransport, err)
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func decodeClock(raw []byte) (types.VectorClock, error) {
	clock := types.NewVectorClock(nil)
	if len(raw) == 0 {
		return clock, nil
	}
	if err := json.Unmarshal(raw, &clock); err != nil {
		return nil, fmt.Errorf("decode vector clock: %w", err)
	}
	return clock, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
