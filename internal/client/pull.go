package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

// Subscribe tracks scope. While online it is pulled immediately and then on
// the polling interval.
func (c *Client) Subscribe(scope types.Scope) error {
	if err := scope.Validate(); err != nil {
		return syncerr.Malformed("subscribe: %v", err)
	}
	c.mu.Lock()
	c.subscriptions[scope.Key()] = scope
	online := c.state == StateOnline
	c.mu.Unlock()
	if online {
		c.schedulePull(scope, 0)
	}
	return nil
}

// Unsubscribe stops tracking scope and cancels its scheduled pull.
func (c *Client) Unsubscribe(scope types.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, scope.Key())
	if t, ok := c.pullTimers[scope.Key()]; ok {
		t.Stop()
		delete(c.pullTimers, scope.Key())
	}
}

// Subscribed reports whether scope is tracked.
func (c *Client) Subscribed(scope types.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[scope.Key()]
	return ok
}

func (c *Client) schedulePull(scope types.Scope, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[scope.Key()]; !ok || c.state == StateIdle {
		return
	}
	if t, ok := c.pullTimers[scope.Key()]; ok {
		t.Stop()
	}
	c.pullTimers[scope.Key()] = time.AfterFunc(delay, func() { c.runPull(scope) })
}

// runPull pulls scope and schedules the next pull regardless of outcome.
func (c *Client) runPull(scope types.Scope) {
	c.mu.Lock()
	_, subscribed := c.subscriptions[scope.Key()]
	stale := c.state == StateIdle || !subscribed
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	resp, err := c.Pull(ctx, scope)
	cancel()

	delay := c.opts.PollInterval
	if err == nil && resp.HasMore {
		delay = 0
	}
	c.schedulePull(scope, delay)
}

// Pull fetches changes of scope after the stored cursor, merges the returned
// clock into the stored one and emits the changes.
func (c *Client) Pull(ctx context.Context, scope types.Scope) (types.PullResponse, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return types.PullResponse{}, syncerr.ErrAuthentication
	}

	c.clockMu.Lock()
	state, _, err := c.store.GetState(ctx, scope)
	c.clockMu.Unlock()
	if err != nil {
		return types.PullResponse{}, fmt.Errorf("load scope state: %w", err)
	}
	clock := state.VectorClock
	if clock == nil {
		clock = types.VectorClock{}
	}

	resp, err := c.transport.Pull(ctx, token, types.PullRequest{
		ScopeType:   scope.Type,
		ScopeID:     scope.ID,
		SinceEpoch:  state.ServerEpoch,
		VectorClock: clock,
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("scope", scope.Key()).Msg("pull failed")
		c.handleRequestError(err)
		return types.PullResponse{}, err
	}

	// Local increments made while the pull was in flight must survive.
	err = c.updateState(ctx, scope, func(current types.SyncStateRecord) (types.VectorClock, int64) {
		cursor := current.ServerEpoch
		if resp.ServerEpoch > cursor {
			cursor = resp.ServerEpoch
		}
		return current.VectorClock.Merge(resp.VectorClock), cursor
	})
	if err != nil {
		return types.PullResponse{}, err
	}

	if len(resp.Changes) > 0 || resp.Snapshot != nil {
		c.events.emit(Event{Type: EventChanges, Scope: scope, Changes: resp.Changes, Snapshot: resp.Snapshot})
	}
	return resp, nil
}

func (c *Client) handleFrame(frame types.Frame) {
	switch frame.Event {
	case types.EventHello:
		var hello types.HelloPayload
		if err := json.Unmarshal(frame.Data, &hello); err == nil {
			c.logger.Debug().Str("connection_id", hello.ConnectionID).Msg("realtime hello")
		}
	case types.EventChangesPull:
		var event types.ChangeBroadcast
		if err := json.Unmarshal(frame.Data, &event); err != nil {
			c.logger.Warn().Err(err).Msg("malformed change notification")
			return
		}
		scope := types.Scope{Type: event.ScopeType, ID: event.ScopeID}
		if !c.Subscribed(scope) {
			return
		}
		c.events.emit(Event{Type: EventChanges, Scope: scope, Changes: event.Changes, Realtime: true})
		c.schedulePull(scope, 0)
	case types.EventSyncConflict:
		var event types.ConflictBroadcast
		if err := json.Unmarshal(frame.Data, &event); err != nil {
			c.logger.Warn().Err(err).Msg("malformed conflict notification")
			return
		}
		scope := types.Scope{Type: event.Conflict.ScopeType, ID: event.Conflict.ScopeID}
		c.events.emit(Event{Type: EventConflict, Scope: scope, Conflicts: []types.PushConflict{event.Conflict}, Realtime: true})
	case types.EventPresence:
		var list types.PresenceList
		if err := json.Unmarshal(frame.Data, &list); err != nil {
			c.logger.Warn().Err(err).Msg("malformed presence list")
			return
		}
		c.events.emit(Event{Type: EventPresence, Presence: &list, Realtime: true})
	default:
		c.logger.Debug().Str("event", frame.Event).Msg("ignoring realtime event")
	}
}

// SendPresence sends event over the socket while online. It is dropped
// otherwise, and send failures are swallowed.
func (c *Client) SendPresence(event types.PresenceEvent) {
	c.mu.Lock()
	sock := c.socket
	online := c.state == StateOnline
	c.mu.Unlock()
	if !online || sock == nil {
		return
	}
	frame, err := types.NewFrame(types.EventPresence, event)
	if err != nil {
		return
	}
	if err := sock.Send(frame); err != nil {
		c.logger.Debug().Err(err).Msg("presence send failed")
	}
}
