package syncservice

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/workspace-sync/internal/codec"
	"github.com/example/workspace-sync/internal/types"
)

// Pull returns the changes of one scope after req.SinceEpoch in epoch order.
// When a snapshot newer than the cursor exists it is included and the changes
// start after its version. The returned clock is cached as the device's
// baseline for later divergence checks.
func (s *Service) Pull(ctx context.Context, sess types.Session, req types.PullRequest) (types.PullResponse, error) {
	ctx, span := tracer.Start(ctx, "sync.pull")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", req.Scope().Key()),
		attribute.Int64("since_epoch", req.SinceEpoch),
	)

	started := time.Now()
	resp, err := s.pull(ctx, sess, req)
	pullLatency.WithLabelValues(string(req.ScopeType)).Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.PullResponse{}, err
	}
	span.SetAttributes(attribute.Int("changes", len(resp.Changes)), attribute.Bool("has_more", resp.HasMore))
	return resp, nil
}

func (s *Service) pull(ctx context.Context, sess types.Session, req types.PullRequest) (types.PullResponse, error) {
	scope := req.Scope()
	if err := s.authorizeScope(ctx, sess, scope); err != nil {
		return types.PullResponse{}, err
	}

	limit := req.Limit
	if limit <= 0 || limit > s.pageLimit {
		limit = s.pageLimit
	}
	since := req.SinceEpoch
	if since < 0 {
		since = 0
	}

	// Read the high-water mark first: every epoch at or below it is
	// committed, so it is a safe cursor when the page comes back empty.
	highWater, err := s.log.MaxEpoch(ctx)
	if err != nil {
		return types.PullResponse{}, fmt.Errorf("load max epoch: %w", err)
	}

	resp := types.PullResponse{ScopeType: scope.Type, ScopeID: scope.ID}
	if s.snapshots != nil {
		snapshot, ok, err := s.snapshots.LatestSnapshot(ctx, scope)
		if err != nil {
			return types.PullResponse{}, fmt.Errorf("load snapshot: %w", err)
		}
		if ok && snapshot.Version > since {
			wire := codec.EncodeSnapshot(snapshot)
			resp.Snapshot = &wire
			since = snapshot.Version
		}
	}

	changes, hasMore, err := s.log.ChangesSince(ctx, scope, since, limit)
	if err != nil {
		return types.PullResponse{}, fmt.Errorf("load changes: %w", err)
	}
	if changes == nil {
		changes = []types.ChangeEnvelope{}
	}
	resp.Changes = changes
	resp.HasMore = hasMore

	cursor := since
	if n := len(changes); n > 0 {
		cursor = changes[n-1].ServerEpoch
	}
	if !hasMore && highWater > cursor {
		cursor = highWater
	}
	resp.ServerEpoch = cursor

	scopeClock, err := s.log.ScopeClock(ctx, scope)
	if err != nil {
		return types.PullResponse{}, fmt.Errorf("load scope clock: %w", err)
	}
	merged := scopeClock.Merge(req.VectorClock)
	if err := s.clocks.Set(ctx, scope, sess.DeviceID, merged); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("failed to cache vector clock")
	}
	resp.VectorClock = merged
	return resp, nil
}
