package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/codec"
	"github.com/example/workspace-sync/internal/storage"
	syncstate "github.com/example/workspace-sync/internal/sync"
	"github.com/example/workspace-sync/internal/types"
)

const (
	defaultInterval  = 30 * time.Second
	defaultThreshold = 500
	defaultPageSize  = 1000
)

var snapshotsCreated = func() *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "created_total",
		Help:      "Snapshots written per scope type.",
	}, []string{"scope_type"})
	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return counter
}()

// Store is the change log surface the worker compacts from and writes to.
type Store interface {
	ScopesNeedingSnapshot(ctx context.Context, threshold int) ([]storage.ScopeBacklog, error)
	LatestSnapshot(ctx context.Context, scope types.Scope) (types.SnapshotEnvelope, bool, error)
	ChangesSince(ctx context.Context, scope types.Scope, since int64, limit int) ([]types.ChangeEnvelope, bool, error)
	SaveSnapshot(ctx context.Context, snapshot types.SnapshotEnvelope) error
}

// Options tunes the worker. Zero values fall back to defaults.
type Options struct {
	Interval  time.Duration
	Threshold int
	PageSize  int
}

// Worker periodically folds the change history of busy scopes into a
// snapshot so pulls from an old cursor stay bounded.
type Worker struct {
	store Store

	interval  time.Duration
	threshold int
	pageSize  int

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker.
func NewWorker(store Store, opts Options, logger zerolog.Logger) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Worker{
		store:     store,
		interval:  opts.Interval,
		threshold: opts.Threshold,
		pageSize:  opts.PageSize,
		logger:    logger.With().Str("component", "snapshot_worker").Logger(),
	}
}

// Run compacts on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// RunOnce snapshots every scope over the threshold and returns how many
// snapshots were written.
func (w *Worker) RunOnce(ctx context.Context) int {
	backlog, err := w.store.ScopesNeedingSnapshot(ctx, w.threshold)
	if err != nil {
		w.logger.Error().Err(err).Msg("snapshot backlog query failed")
		return 0
	}

	written := 0
	for _, entry := range backlog {
		if err := w.processScope(ctx, entry.Scope); err != nil {
			w.logger.Error().Err(err).Str("scope", entry.Scope.Key()).Msg("snapshot emission failed")
			continue
		}
		written++
	}
	return written
}

func (w *Worker) processScope(ctx context.Context, scope types.Scope) error {
	var (
		history []types.ChangeEnvelope
		since   int64
	)

	latest, ok, err := w.store.LatestSnapshot(ctx, scope)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}
	if ok {
		previous, err := codec.DecodeSnapshotPayload(latest.PayloadCompressed)
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", latest.Version, err)
		}
		history = append(history, previous...)
		since = latest.Version
	}

	version := since
	for {
		page, hasMore, err := w.store.ChangesSince(ctx, scope, version, w.pageSize)
		if err != nil {
			return fmt.Errorf("load changes: %w", err)
		}
		if len(page) > 0 {
			history = append(history, page...)
			version = page[len(page)-1].ServerEpoch
		}
		if !hasMore || len(page) == 0 {
			break
		}
	}
	if version == since {
		return nil
	}

	compacted := syncstate.CompactChanges(history)
	payload, err := codec.EncodeSnapshotPayload(compacted)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	snapshot := types.SnapshotEnvelope{
		ScopeType:         scope.Type,
		ScopeID:           scope.ID,
		Version:           version,
		PayloadCompressed: payload,
		CreatedAt:         time.Now().UTC(),
	}
	if err := w.store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	snapshotsCreated.WithLabelValues(string(scope.Type)).Inc()
	w.logger.Info().
		Str("scope", scope.Key()).
		Int64("version", version).
		Int("rows", len(compacted)).
		Int("folded", len(history)).
		Int("bytes", len(payload)).
		Msg("snapshot created")
	return nil
}
