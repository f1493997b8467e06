// Package client is the device side of workspace sync: it keeps a durable
// outbox, pushes it in debounced batches, pulls subscribed scopes on a fixed
// cadence and reacts to realtime notifications.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/clientstore"
	"github.com/example/workspace-sync/internal/codec"
	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

const (
	DefaultPushDebounce   = 250 * time.Millisecond
	DefaultPollInterval   = 5 * time.Second
	DefaultReconnectBase  = time.Second
	DefaultReconnectMax   = 15 * time.Second
	DefaultRequestTimeout = 15 * time.Second
)

// Options configure a Client.
type Options struct {
	WorkspaceID   string
	DeviceID      types.DeviceID
	Fingerprint   string
	Platform      string
	ClientVersion string

	PushDebounce   time.Duration
	PollInterval   time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	RequestTimeout time.Duration
}

// Client is one device's sync actor.
type Client struct {
	transport Transport
	store     clientstore.Store
	opts      Options
	logger    zerolog.Logger
	events    listeners

	// flushMu serializes pushes.
	flushMu sync.Mutex
	// clockMu serializes read-modify-write cycles on stored scope state.
	clockMu sync.Mutex

	mu             sync.Mutex
	state          State
	token          string
	deviceID       types.DeviceID
	socket         Socket
	generation     int
	attempts       int
	subscriptions  map[string]types.Scope
	diverged       map[string]bool
	rejected       map[string]error
	pullTimers     map[string]*time.Timer
	pushTimer      *time.Timer
	reconnectTimer *time.Timer
}

// New constructs an idle client.
func New(transport Transport, store clientstore.Store, opts Options, logger zerolog.Logger) (*Client, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if store == nil {
		return nil, errors.New("client store is required")
	}
	if opts.WorkspaceID == "" {
		return nil, errors.New("workspace id is required")
	}
	if opts.DeviceID == "" {
		opts.DeviceID = types.DeviceID(uuid.NewString())
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = string(opts.DeviceID)
	}
	if opts.PushDebounce <= 0 {
		opts.PushDebounce = DefaultPushDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Client{
		transport:     transport,
		store:         store,
		opts:          opts,
		logger:        logger.With().Str("component", "sync_client").Str("workspace_id", opts.WorkspaceID).Logger(),
		state:         StateIdle,
		deviceID:      opts.DeviceID,
		subscriptions: make(map[string]types.Scope),
		diverged:      make(map[string]bool),
		rejected:      make(map[string]error),
		pullTimers:    make(map[string]*time.Timer),
	}, nil
}

// On registers fn for every client event and returns a function removing it.
func (c *Client) On(fn func(Event)) func() {
	return c.events.add(fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceID returns the device identity, as confirmed by the last handshake.
func (c *Client) DeviceID() types.DeviceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Connect handshakes, opens the realtime socket, replays the outbox and
// starts pulling every subscribed scope. It is a no-op while connecting or
// online.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOnline {
		c.mu.Unlock()
		return nil
	}
	stopTimer(&c.reconnectTimer)
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emitState(StateConnecting)

	if err := c.open(ctx); err != nil {
		c.mu.Lock()
		failed := c.state == StateConnecting
		if failed {
			c.setStateLocked(StateError)
		}
		c.mu.Unlock()
		if failed {
			c.emitState(StateError)
		}
		return err
	}
	return nil
}

// Disconnect stops every timer, closes the socket and returns to idle.
// Subscriptions and the outbox are kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.generation++
	for key := range c.pullTimers {
		c.pullTimers[key].Stop()
		delete(c.pullTimers, key)
	}
	stopTimer(&c.pushTimer)
	stopTimer(&c.reconnectTimer)
	sock := c.socket
	c.socket = nil
	c.attempts = 0
	changed := c.state != StateIdle
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	if changed {
		c.emitState(StateIdle)
	}
}

// open runs the handshake and socket dial. On success the client is online.
func (c *Client) open(ctx context.Context) error {
	resp, err := c.transport.Handshake(ctx, types.HandshakeRequest{
		WorkspaceID:   c.opts.WorkspaceID,
		DeviceID:      c.DeviceID(),
		Fingerprint:   c.opts.Fingerprint,
		Platform:      c.opts.Platform,
		ClientVersion: c.opts.ClientVersion,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	sock, err := c.transport.Dial(ctx, resp.SessionToken, c.opts.WorkspaceID)
	if err != nil {
		return fmt.Errorf("open realtime socket: %w", err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnected while the handshake was in flight.
		c.mu.Unlock()
		_ = sock.Close()
		return errors.New("connect cancelled")
	}
	c.generation++
	gen := c.generation
	c.token = resp.SessionToken
	c.deviceID = resp.DeviceID
	c.socket = sock
	c.attempts = 0
	c.setStateLocked(StateOnline)
	scopes := make([]types.Scope, 0, len(c.subscriptions))
	for _, scope := range c.subscriptions {
		scopes = append(scopes, scope)
	}
	c.mu.Unlock()

	c.logger.Info().Str("device_id", string(resp.DeviceID)).Int64("server_epoch", resp.ServerEpoch).Msg("sync client online")
	c.emitState(StateOnline)

	go c.readLoop(sock, gen)
	c.replayQueued()
	for _, scope := range scopes {
		c.schedulePull(scope, 0)
	}
	return nil
}

// replayQueued flushes the outbox once the connection is back.
func (c *Client) replayQueued() {
	c.mu.Lock()
	stopTimer(&c.pushTimer)
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.FlushQueue(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("replaying outbox failed")
	}
}

func (c *Client) readLoop(sock Socket, gen int) {
	for {
		frame, err := sock.Read()
		if err != nil {
			c.logger.Debug().Err(err).Msg("realtime socket closed")
			c.lostConnection(gen)
			return
		}
		c.handleFrame(frame)
	}
}

// lostConnection moves an online client of generation gen offline and
// schedules a reconnect.
func (c *Client) lostConnection(gen int) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateOnline {
		c.mu.Unlock()
		return
	}
	c.generation++
	sock := c.socket
	c.socket = nil
	c.setStateLocked(StateOffline)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	c.emitState(StateOffline)
}

// goOffline drops the current connection after a failed request.
func (c *Client) goOffline() {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	c.lostConnection(gen)
}

func (c *Client) scheduleReconnectLocked() {
	stopTimer(&c.reconnectTimer)
	delay := backoffDelay(c.opts.ReconnectBase, c.opts.ReconnectMax, c.attempts)
	c.attempts++
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.state != StateOffline {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emitState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	if err := c.open(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("reconnect failed")
		c.mu.Lock()
		if c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateOffline)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.emitState(StateOffline)
	}
}

// backoffDelay is min(max, base·2^attempts).
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts > 30 {
		return max
	}
	delay := base << attempts
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

func (c *Client) setStateLocked(state State) {
	c.state = state
}

func (c *Client) emitState(state State) {
	c.events.emit(Event{Type: EventState, State: state})
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// handleRequestError reacts to the error class of a failed request.
func (c *Client) handleRequestError(err error) {
	switch {
	case errors.Is(err, syncerr.ErrAuthentication):
		c.logger.Info().Msg("session rejected; handshaking again")
		c.goOffline()
	case errors.Is(err, syncerr.ErrTransientTransport):
		c.goOffline()
	}
}

// QueueChange assigns the change an id, this device and the next lamport
// value of its scope, persists it to the outbox and schedules a push.
func (c *Client) QueueChange(ctx context.Context, change types.ChangeEnvelope) (types.ChangeEnvelope, error) {
	if change.ID == "" {
		change.ID = types.ChangeID(uuid.NewString())
	}
	device := c.DeviceID()
	change.DeviceID = device
	change = change.Unaccepted()
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}
	if err := codec.ValidateChange(change); err != nil {
		return types.ChangeEnvelope{}, err
	}

	// Enqueue under clockMu so outbox order matches lamport order.
	c.clockMu.Lock()
	err := c.updateStateLocked(ctx, change.Scope(), func(state types.SyncStateRecord) (types.VectorClock, int64) {
		clock := state.VectorClock.Increment(device)
		change.Lamport = int64(clock[device])
		return clock, state.ServerEpoch
	})
	if err == nil {
		err = c.store.Enqueue(ctx, types.DurableChange{ID: change.ID, Change: change, EnqueuedAt: time.Now().UTC()})
		if err != nil {
			err = fmt.Errorf("enqueue change: %w", err)
		}
	}
	c.clockMu.Unlock()
	if err != nil {
		return types.ChangeEnvelope{}, err
	}
	c.schedulePush()
	return change, nil
}

// updateState replaces the stored clock and cursor of scope with what fn
// derives from the current record.
func (c *Client) updateState(ctx context.Context, scope types.Scope, fn func(types.SyncStateRecord) (types.VectorClock, int64)) error {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	return c.updateStateLocked(ctx, scope, fn)
}

func (c *Client) updateStateLocked(ctx context.Context, scope types.Scope, fn func(types.SyncStateRecord) (types.VectorClock, int64)) error {
	state, _, err := c.store.GetState(ctx, scope)
	if err != nil {
		return fmt.Errorf("load scope state: %w", err)
	}
	clock, epoch := fn(state)
	if err := c.store.SetVectorClock(ctx, scope, clock, epoch); err != nil {
		return fmt.Errorf("store vector clock: %w", err)
	}
	return nil
}

func (c *Client) schedulePush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	stopTimer(&c.pushTimer)
	c.pushTimer = time.AfterFunc(c.opts.PushDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		defer cancel()
		if err := c.FlushQueue(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("debounced push failed")
		}
	})
}

// FlushQueue pushes the whole outbox. It is a no-op unless online. Changes
// of one scope travel in one batch. A scope rejected for divergence, a
// malformed batch or missing access is held back until ResetScope while the
// other scopes keep flushing. Rejections are returned joined.
func (c *Client) FlushQueue(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	online := c.state == StateOnline
	token := c.token
	device := c.deviceID
	c.mu.Unlock()
	if !online {
		return nil
	}

	queued, err := c.store.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	if len(queued) == 0 {
		return nil
	}

	var errs []error
	for _, batch := range batchByScope(queued) {
		if c.isHeld(batch.scope) {
			continue
		}
		err := c.pushBatch(ctx, token, device, batch)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if !c.isHeld(batch.scope) {
			// The connection is gone; the rest waits for the retry.
			break
		}
	}
	return errors.Join(errs...)
}

type scopeBatch struct {
	scope   types.Scope
	changes []types.ChangeEnvelope
}

// batchByScope groups queued changes by scope, keeping enqueue order inside
// each batch and ordering batches by their first change.
func batchByScope(queued []types.DurableChange) []scopeBatch {
	var batches []scopeBatch
	index := make(map[string]int)
	for _, entry := range queued {
		scope := entry.Change.Scope()
		i, ok := index[scope.Key()]
		if !ok {
			i = len(batches)
			index[scope.Key()] = i
			batches = append(batches, scopeBatch{scope: scope})
		}
		batches[i].changes = append(batches[i].changes, entry.Change)
	}
	return batches
}

func (c *Client) pushBatch(ctx context.Context, token string, device types.DeviceID, batch scopeBatch) error {
	c.clockMu.Lock()
	state, _, err := c.store.GetState(ctx, batch.scope)
	c.clockMu.Unlock()
	if err != nil {
		return fmt.Errorf("load scope state: %w", err)
	}
	changes := make([]types.ChangeEnvelope, len(batch.changes))
	for i, change := range batch.changes {
		change.DeviceID = device
		changes[i] = change
	}

	resp, err := c.transport.Push(ctx, token, types.PushRequest{
		ScopeType:   batch.scope.Type,
		ScopeID:     batch.scope.ID,
		VectorClock: state.VectorClock,
		Changes:     changes,
	})
	if err != nil {
		var conflict *syncerr.DivergenceConflict
		switch {
		case errors.As(err, &conflict):
			c.markDiverged(batch.scope)
			c.events.emit(Event{Type: EventConflict, Scope: batch.scope, Conflicts: []types.PushConflict{conflict.Conflict}, Err: err})
			return nil
		case errors.Is(err, syncerr.ErrMalformedPayload), errors.Is(err, syncerr.ErrAuthorization):
			c.logger.Error().Err(err).Str("scope", batch.scope.Key()).Msg("push rejected")
			c.markRejected(batch.scope, err)
			c.events.emit(Event{Type: EventError, Scope: batch.scope, Err: err})
			return fmt.Errorf("push %s: %w", batch.scope.Key(), err)
		default:
			// Transient and authentication failures keep the outbox, retry
			// on the debounce cadence and reconnect.
			c.events.emit(Event{Type: EventError, Scope: batch.scope, Err: err})
			c.schedulePush()
			c.goOffline()
			return err
		}
	}

	if err := c.store.RemoveQueued(ctx, resp.AckedIDs()); err != nil {
		return fmt.Errorf("remove acknowledged changes: %w", err)
	}
	if len(resp.VectorClock) > 0 {
		err := c.updateState(ctx, batch.scope, func(current types.SyncStateRecord) (types.VectorClock, int64) {
			return current.VectorClock.Merge(resp.VectorClock), current.ServerEpoch
		})
		if err != nil {
			return err
		}
	}

	ack := resp
	c.events.emit(Event{Type: EventAck, Scope: batch.scope, Ack: &ack})
	if len(resp.Conflicts) > 0 {
		c.events.emit(Event{Type: EventChanges, Scope: batch.scope, Conflicts: resp.Conflicts})
	}
	return nil
}

// isHeld reports whether pushes of scope wait for ResetScope.
func (c *Client) isHeld(scope types.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, rejected := c.rejected[scope.Key()]
	return c.diverged[scope.Key()] || rejected
}

// Rejected returns the error that holds scope back, if a push of it was
// refused as malformed or unauthorized.
func (c *Client) Rejected(scope types.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected[scope.Key()]
}

func (c *Client) markRejected(scope types.Scope, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[scope.Key()] = err
}

func (c *Client) markDiverged(scope types.Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diverged[scope.Key()] = true
}

// ResetScope reconciles a held scope: its queued changes are dropped, its
// clock and cursor cleared, and it is pulled again from epoch zero.
func (c *Client) ResetScope(ctx context.Context, scope types.Scope) (types.PullResponse, error) {
	queued, err := c.store.ListQueued(ctx)
	if err != nil {
		return types.PullResponse{}, fmt.Errorf("list outbox: %w", err)
	}
	var drop []types.ChangeID
	for _, entry := range queued {
		if entry.Change.Scope() == scope {
			drop = append(drop, entry.ID)
		}
	}
	if len(drop) > 0 {
		if err := c.store.RemoveQueued(ctx, drop); err != nil {
			return types.PullResponse{}, fmt.Errorf("drop diverged changes: %w", err)
		}
	}
	c.clockMu.Lock()
	err = c.store.ClearState(ctx, scope)
	c.clockMu.Unlock()
	if err != nil {
		return types.PullResponse{}, fmt.Errorf("clear scope state: %w", err)
	}

	c.mu.Lock()
	delete(c.diverged, scope.Key())
	delete(c.rejected, scope.Key())
	c.mu.Unlock()

	c.logger.Info().Str("scope", scope.Key()).Int("dropped", len(drop)).Msg("scope reset")
	return c.Pull(ctx, scope)
}
