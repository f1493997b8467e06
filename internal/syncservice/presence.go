package syncservice

import (
	"context"
	"fmt"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// Presence lists the live devices of workspaceID, which must be the
// session's workspace.
func (s *Service) Presence(ctx context.Context, sess types.Session, workspaceID string) (types.PresenceList, error) {
	if workspaceID == "" {
		workspaceID = sess.WorkspaceID
	}
	if workspaceID != sess.WorkspaceID {
		return types.PresenceList{}, syncerr.ErrAuthorization
	}
	states, err := s.presence.List(ctx, workspaceID)
	if err != nil {
		return types.PresenceList{}, fmt.Errorf("list presence: %w", err)
	}
	return presenceList(workspaceID, states), nil
}

// ObservePresence records an event for the session's device and returns the
// workspace presence list after it was applied.
func (s *Service) ObservePresence(ctx context.Context, sess types.Session, event types.PresenceEvent) (types.PresenceList, error) {
	if event.Type == "" {
		return types.PresenceList{}, syncerr.Malformed("presence event type is required")
	}
	event.DeviceID = sess.DeviceID
	event.UserID = sess.UserID
	if event.At.IsZero() {
		event.At = s.now()
	}
	if event.ScopeType != "" {
		if err := s.authorizeScope(ctx, sess, types.Scope{Type: event.ScopeType, ID: event.ScopeID}); err != nil {
			return types.PresenceList{}, err
		}
	}

	states, err := s.presence.Observe(ctx, sess.WorkspaceID, event)
	if err != nil {
		return types.PresenceList{}, fmt.Errorf("observe presence: %w", err)
	}
	return presenceList(sess.WorkspaceID, states), nil
}

// LeavePresence drops the session's device from the workspace presence and
// returns the remaining list.
func (s *Service) LeavePresence(ctx context.Context, sess types.Session) (types.PresenceList, error) {
	if err := s.presence.Remove(ctx, sess.WorkspaceID, sess.DeviceID); err != nil {
		return types.PresenceList{}, fmt.Errorf("remove presence: %w", err)
	}
	return s.Presence(ctx, sess, sess.WorkspaceID)
}

func presenceList(workspaceID string, states []types.PresenceState) types.PresenceList {
	if states == nil {
		states = []types.PresenceState{}
	}
	return types.PresenceList{WorkspaceID: workspaceID, Devices: states}
}
