package syncservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// maxScopeDepth bounds parent chain walks.
const maxScopeDepth = 8

// allowedParents lists the scope types each type may hang under.
var allowedParents = map[types.ScopeType][]types.ScopeType{
	types.ScopeProject:     {types.ScopeWorkspace},
	types.ScopeCollection:  {types.ScopeProject, types.ScopeCollection},
	types.ScopeRequest:     {types.ScopeCollection},
	types.ScopeEnvironment: {types.ScopeProject},
	types.ScopeVariable:    {types.ScopeEnvironment},
	types.ScopeSecret:      {types.ScopeProject},
}

func (s *Service) parentAllowed(child, parent types.ScopeType) bool {
	if s.autoRegister && parent == types.ScopeWorkspace {
		return true
	}
	for _, candidate := range allowedParents[child] {
		if candidate == parent {
			return true
		}
	}
	return false
}

// authorizeScope resolves scope to its workspace and checks that it is the
// session's workspace and that the user is still a member. Every resolution
// failure is reported as ErrAuthorization so unknown scopes are not leaked.
func (s *Service) authorizeScope(ctx context.Context, sess types.Session, scope types.Scope) error {
	if err := scope.Validate(); err != nil {
		return syncerr.Malformed("%v", err)
	}

	workspace, err := s.resolveWorkspace(ctx, sess, scope)
	if err != nil {
		return err
	}
	if workspace != sess.WorkspaceID {
		return syncerr.ErrAuthorization
	}

	member, err := s.directory.IsMember(ctx, workspace, sess.UserID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return syncerr.ErrAuthorization
	}
	return nil
}

func (s *Service) resolveWorkspace(ctx context.Context, sess types.Session, scope types.Scope) (string, error) {
	current := scope
	for depth := 0; depth < maxScopeDepth; depth++ {
		if current.Type == types.ScopeWorkspace {
			return current.ID, nil
		}

		parent, err := s.directory.ParentOf(ctx, current)
		if errors.Is(err, syncerr.ErrNotFound) && s.autoRegister && depth == 0 {
			parent = types.Scope{Type: types.ScopeWorkspace, ID: sess.WorkspaceID}
			if err := s.directory.RegisterScope(ctx, current, parent); err != nil {
				return "", fmt.Errorf("register scope: %w", err)
			}
			s.logger.Debug().Str("scope", current.Key()).Msg("scope registered under session workspace")
			err = nil
		}
		if errors.Is(err, syncerr.ErrNotFound) {
			return "", syncerr.ErrAuthorization
		}
		if err != nil {
			return "", fmt.Errorf("resolve scope %s: %w", current.Key(), err)
		}
		if !s.parentAllowed(current.Type, parent.Type) {
			s.logger.Warn().
				Str("scope", current.Key()).
				Str("parent", parent.Key()).
				Msg("scope has a parent of an unexpected type")
			return "", syncerr.ErrAuthorization
		}
		current = parent
	}
	return "", syncerr.ErrAuthorization
}
