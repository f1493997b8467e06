package syncservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// Handshake verifies membership, resolves the caller's device and issues a
// fresh session. userID comes from the upstream authentication layer.
func (s *Service) Handshake(ctx context.Context, userID string, req types.HandshakeRequest) (types.HandshakeResponse, error) {
	ctx, span := tracer.Start(ctx, "sync.handshake")
	defer span.End()
	span.SetAttributes(attribute.String("workspace_id", req.WorkspaceID))

	resp, err := s.handshake(ctx, userID, req)
	if err != nil {
		handshakes.WithLabelValues(syncerr.Code(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.HandshakeResponse{}, err
	}
	handshakes.WithLabelValues("ok").Inc()
	return resp, nil
}

func (s *Service) handshake(ctx context.Context, userID string, req types.HandshakeRequest) (types.HandshakeResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return types.HandshakeResponse{}, syncerr.ErrAuthentication
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return types.HandshakeResponse{}, syncerr.Malformed("workspaceId is required")
	}

	member, err := s.directory.IsMember(ctx, req.WorkspaceID, userID)
	if err != nil {
		return types.HandshakeResponse{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return types.HandshakeResponse{}, syncerr.ErrAuthorization
	}

	device, err := s.resolveDevice(ctx, userID, req)
	if err != nil {
		return types.HandshakeResponse{}, err
	}

	now := s.now()
	sess := types.Session{
		Token:       uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		UserID:      userID,
		DeviceID:    device.ID,
		ExpiresAt:   now.Add(s.sessionTTL),
	}
	if err := s.sessions.Save(ctx, sess); err != nil {
		return types.HandshakeResponse{}, fmt.Errorf("save session: %w", err)
	}

	epoch, err := s.log.MaxEpoch(ctx)
	if err != nil {
		return types.HandshakeResponse{}, fmt.Errorf("load max epoch: %w", err)
	}

	s.logger.Info().
		Str("workspace_id", req.WorkspaceID).
		Str("device_id", string(device.ID)).
		Str("platform", device.Platform).
		Int64("server_epoch", epoch).
		Msg("session issued")

	return types.HandshakeResponse{
		SessionToken: sess.Token,
		DeviceID:     device.ID,
		WorkspaceID:  req.WorkspaceID,
		ServerEpoch:  epoch,
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// resolveDevice reuses the device named in the request when the caller owns
// it, then falls back to the fingerprint, and creates a device otherwise.
func (s *Service) resolveDevice(ctx context.Context, userID string, req types.HandshakeRequest) (types.Device, error) {
	now := s.now()

	if req.DeviceID != "" {
		device, err := s.directory.Device(ctx, req.DeviceID)
		switch {
		case err == nil:
			if device.UserID != userID || device.WorkspaceID != req.WorkspaceID {
				return types.Device{}, syncerr.ErrAuthorization
			}
			return s.touchDevice(ctx, device, req, now)
		case !errors.Is(err, syncerr.ErrNotFound):
			return types.Device{}, fmt.Errorf("load device: %w", err)
		}
	}

	if req.Fingerprint != "" {
		device, err := s.directory.DeviceByFingerprint(ctx, req.WorkspaceID, userID, req.Fingerprint)
		switch {
		case err == nil:
			return s.touchDevice(ctx, device, req, now)
		case !errors.Is(err, syncerr.ErrNotFound):
			return types.Device{}, fmt.Errorf("load device by fingerprint: %w", err)
		}
	}

	id := req.DeviceID
	if id == "" {
		id = types.DeviceID(uuid.NewString())
	}
	fingerprint := req.Fingerprint
	if fingerprint == "" {
		fingerprint = string(id)
	}
	device := types.Device{
		ID:          id,
		UserID:      userID,
		WorkspaceID: req.WorkspaceID,
		Fingerprint: fingerprint,
		Platform:    req.Platform,
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := s.directory.SaveDevice(ctx, device); err != nil {
		return types.Device{}, fmt.Errorf("create device: %w", err)
	}
	s.logger.Debug().Str("device_id", string(device.ID)).Msg("device registered")
	return device, nil
}

func (s *Service) touchDevice(ctx context.Context, device types.Device, req types.HandshakeRequest, now time.Time) (types.Device, error) {
	device.LastSeenAt = now
	if req.Platform != "" {
		device.Platform = req.Platform
	}
	if err := s.directory.SaveDevice(ctx, device); err != nil {
		return types.Device{}, fmt.Errorf("update device: %w", err)
	}
	return device, nil
}

// Authenticate verifies a session token and slides its expiry.
func (s *Service) Authenticate(ctx context.Context, token string) (types.Session, error) {
	if token == "" {
		return types.Session{}, syncerr.ErrAuthentication
	}
	return s.sessions.Touch(ctx, token)
}
