package syncservice

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/workspace-sync/internal/codec"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// Push persists a batch of changes for one scope in a single transaction and
// acknowledges the epochs assigned to them. A batch whose clock drifted past
// the divergence threshold is rejected whole with a *syncerr.DivergenceConflict.
func (s *Service) Push(ctx context.Context, sess types.Session, req types.PushRequest) (types.PushResponse, error) {
	ctx, span := tracer.Start(ctx, "sync.push")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", req.Scope().Key()),
		attribute.Int("changes", len(req.Changes)),
	)

	resp, err := s.push(ctx, sess, req)
	if err != nil {
		pushes.WithLabelValues(syncerr.Code(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.PushResponse{}, err
	}
	pushes.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int64("min_epoch", resp.MinEpoch), attribute.Int64("max_epoch", resp.MaxEpoch))
	return resp, nil
}

func (s *Service) push(ctx context.Context, sess types.Session, req types.PushRequest) (types.PushResponse, error) {
	scope := req.Scope()
	if err := s.authorizeScope(ctx, sess, scope); err != nil {
		return types.PushResponse{}, err
	}

	changes := make([]types.ChangeEnvelope, 0, len(req.Changes))
	for _, change := range req.Changes {
		if change.DeviceID == "" {
			change.DeviceID = sess.DeviceID
		}
		if err := codec.ValidateChange(change); err != nil {
			return types.PushResponse{}, err
		}
		if change.Scope() != scope {
			return types.PushResponse{}, syncerr.Malformed("change %s targets %s, batch targets %s", change.ID, change.Scope().Key(), scope.Key())
		}
		if change.DeviceID != sess.DeviceID {
			return types.PushResponse{}, syncerr.Malformed("change %s was authored by another device", change.ID)
		}
		change.ServerEpoch = 0
		changes = append(changes, change)
	}

	cached, known, err := s.clocks.Get(ctx, scope, sess.DeviceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("clock cache unavailable; skipping divergence check")
		known = false
	}
	if known && len(cached) > 0 && len(req.VectorClock) > 0 {
		if divergence := req.VectorClock.Divergence(cached); divergence > s.threshold {
			return types.PushResponse{}, s.rejectDiverged(ctx, sess, scope, changes, req.VectorClock, cached, divergence)
		}
	}

	if len(changes) == 0 {
		return types.PushResponse{
			Accepted:    true,
			Acked:       []types.AckedChange{},
			Conflicts:   []types.PushConflict{},
			VectorClock: cached.Merge(req.VectorClock),
		}, nil
	}

	result, err := s.log.Append(ctx, storage.AppendRequest{
		Scope:       scope,
		DeviceID:    sess.DeviceID,
		VectorClock: req.VectorClock,
		Changes:     changes,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("scope", scope.Key()).Int("changes", len(changes)).Msg("push transaction failed")
		return types.PushResponse{}, fmt.Errorf("append changes: %w", err)
	}
	acceptedChanges.Add(float64(len(result.Accepted)))

	merged := cached.Merge(req.VectorClock)
	if err := s.clocks.Set(ctx, scope, sess.DeviceID, merged); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("failed to cache vector clock")
	}

	if len(result.Accepted) > 0 {
		s.emitChanges(ctx, types.ChangeBroadcast{
			WorkspaceID: sess.WorkspaceID,
			ScopeType:   scope.Type,
			ScopeID:     scope.ID,
			DeviceID:    sess.DeviceID,
			MinEpoch:    result.Accepted[0].ServerEpoch,
			MaxEpoch:    result.Accepted[len(result.Accepted)-1].ServerEpoch,
			Changes:     result.Accepted,
		})
	}

	s.logger.Debug().
		Str("scope", scope.Key()).
		Str("device_id", string(sess.DeviceID)).
		Int("accepted", len(result.Accepted)).
		Int64("min_epoch", result.MinEpoch).
		Int64("max_epoch", result.MaxEpoch).
		Msg("push committed")

	return types.PushResponse{
		Accepted:    true,
		MinEpoch:    result.MinEpoch,
		MaxEpoch:    result.MaxEpoch,
		Acked:       result.Acked,
		Conflicts:   []types.PushConflict{},
		VectorClock: merged,
	}, nil
}

func (s *Service) rejectDiverged(ctx context.Context, sess types.Session, scope types.Scope, changes []types.ChangeEnvelope,
	client, server types.VectorClock, divergence uint64) error {
	ids := make([]types.ChangeID, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, change.ID)
	}
	conflict := types.PushConflict{
		Type:       types.ConflictVectorClockDivergence,
		Message:    fmt.Sprintf("vector clock diverged by %d (threshold %d); reconcile before pushing", divergence, s.threshold),
		ScopeType:  scope.Type,
		ScopeID:    scope.ID,
		DeviceID:   sess.DeviceID,
		ChangeIDs:  ids,
		Divergence: divergence,
		Threshold:  s.threshold,
		Server:     server,
		Client:     client,
	}
	divergenceRejections.WithLabelValues(string(scope.Type)).Inc()
	s.logger.Warn().
		Str("scope", scope.Key()).
		Str("device_id", string(sess.DeviceID)).
		Uint64("divergence", divergence).
		Str("server_clock", server.String()).
		Str("client_clock", client.String()).
		Msg("push rejected for vector clock divergence")

	s.emitConflict(ctx, types.ConflictBroadcast{WorkspaceID: sess.WorkspaceID, Conflict: conflict})
	return &syncerr.DivergenceConflict{Conflict: conflict}
}
