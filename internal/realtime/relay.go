// Package realtime connects sync service events to the workspace rooms of the
// WebSocket gateway.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/broadcast"
	"github.com/example/workspace-sync/internal/syncservice"
	"github.com/example/workspace-sync/internal/types"
	"github.com/example/workspace-sync/internal/ws"
)

// Service is the subset of the sync service the relay drives.
type Service interface {
	OnChanges(fn syncservice.ChangeListener) func()
	OnConflict(fn syncservice.ConflictListener) func()
	ObservePresence(ctx context.Context, sess types.Session, event types.PresenceEvent) (types.PresenceList, error)
	LeavePresence(ctx context.Context, sess types.Session) (types.PresenceList, error)
}

// Connections answers whether a device is still connected locally.
type Connections interface {
	HasDevice(workspaceID string, device types.DeviceID) bool
}

// ChangeSink receives every committed change batch, e.g. for export.
type ChangeSink interface {
	Enqueue(ctx context.Context, event types.ChangeBroadcast) error
}

// Relay turns committed changes, conflicts and presence into frames for the
// workspace rooms.
type Relay struct {
	svc    Service
	fanout broadcast.Fanout
	sinks  []ChangeSink
	conns  Connections
	logger zerolog.Logger

	leaveTimeout time.Duration

	mu    sync.Mutex
	unsub []func()
}

// NewRelay constructs a relay publishing through fanout.
func NewRelay(svc Service, fanout broadcast.Fanout, logger zerolog.Logger) *Relay {
	return &Relay{
		svc:          svc,
		fanout:       fanout,
		logger:       logger.With().Str("component", "realtime_relay").Logger(),
		leaveTimeout: 5 * time.Second,
	}
}

// WithSink forwards committed change batches to sink as well.
func (r *Relay) WithSink(sink ChangeSink) *Relay {
	if sink != nil {
		r.sinks = append(r.sinks, sink)
	}
	return r
}

// WithConnections keeps presence of devices that still hold another socket
// when one of their connections closes.
func (r *Relay) WithConnections(conns Connections) *Relay {
	r.conns = conns
	return r
}

// Deliver returns the function the fanout uses to reach local sockets.
func Deliver(registry *ws.ConnectionRegistry) broadcast.DeliverFunc {
	return func(msg broadcast.Message) int {
		return registry.Broadcast(msg.WorkspaceID, msg.Frame, msg.SkipDevice)
	}
}

// Start subscribes to the service events.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsub = append(r.unsub,
		r.svc.OnChanges(r.onChanges),
		r.svc.OnConflict(r.onConflict),
	)
}

// Stop unsubscribes from the service events.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fn := range r.unsub {
		fn()
	}
	r.unsub = nil
}

// Hooks returns the gateway hooks handling inbound frames and disconnects.
func (r *Relay) Hooks() ws.Hooks {
	return ws.Hooks{
		OnFrame:      r.onFrame,
		OnDisconnect: r.onDisconnect,
	}
}

func (r *Relay) onChanges(ctx context.Context, event types.ChangeBroadcast) {
	r.publish(ctx, event.WorkspaceID, types.EventChangesPull, event, event.DeviceID)
	for _, sink := range r.sinks {
		if err := sink.Enqueue(ctx, event); err != nil {
			r.logger.Warn().Err(err).Str("workspace_id", event.WorkspaceID).Msg("change sink enqueue failed")
		}
	}
}

func (r *Relay) onConflict(ctx context.Context, event types.ConflictBroadcast) {
	r.publish(ctx, event.WorkspaceID, types.EventSyncConflict, event, "")
}

func (r *Relay) onFrame(ctx context.Context, conn *ws.Connection, frame types.Frame) error {
	switch frame.Event {
	case types.EventPresence:
		var event types.PresenceEvent
		if err := json.Unmarshal(frame.Data, &event); err != nil {
			return err
		}
		list, err := r.svc.ObservePresence(ctx, conn.Session(), event)
		if err != nil {
			return err
		}
		r.publish(ctx, list.WorkspaceID, types.EventPresence, list, "")
		return nil
	default:
		return errors.New("unsupported event " + frame.Event)
	}
}

func (r *Relay) onDisconnect(conn *ws.Connection) {
	if r.conns != nil && r.conns.HasDevice(conn.WorkspaceID(), conn.DeviceID()) {
		r.logger.Debug().Str("device_id", string(conn.DeviceID())).Msg("device still connected; keeping presence")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.leaveTimeout)
	defer cancel()
	list, err := r.svc.LeavePresence(ctx, conn.Session())
	if err != nil {
		r.logger.Warn().Err(err).Str("device_id", string(conn.DeviceID())).Msg("presence leave failed")
		return
	}
	r.publish(ctx, list.WorkspaceID, types.EventPresence, list, "")
}

func (r *Relay) publish(ctx context.Context, workspaceID, event string, data any, skip types.DeviceID) {
	msg, err := broadcast.NewMessage(workspaceID, event, data, skip)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("encode realtime frame")
		return
	}
	if err := r.fanout.Publish(ctx, msg); err != nil {
		r.logger.Warn().Err(err).Str("event", event).Str("workspace_id", workspaceID).Msg("realtime publish failed")
	}
}
