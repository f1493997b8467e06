package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/types"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errConnClosed     = errors.New("connection closed")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	maxMessageSize     int64
}

// Connection represents an upgraded WebSocket session bound to one device in
// one workspace.
type Connection struct {
	id        string
	conn      *websocket.Conn
	session   types.Session
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts    connectionOptions
	onClose func()
}

func newConnection(id string, wsConn *websocket.Conn, sess types.Session, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       id,
		conn:     wsConn,
		session:  sess,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
}

// ID returns the connection identifier announced in the hello frame.
func (c *Connection) ID() string { return c.id }

// WorkspaceID returns the workspace room the connection joined.
func (c *Connection) WorkspaceID() string { return c.session.WorkspaceID }

// DeviceID returns the authenticated device.
func (c *Connection) DeviceID() types.DeviceID { return c.session.DeviceID }

// Session returns the session the connection was opened with.
func (c *Connection) Session() types.Session { return c.session }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry so hooks can publish events.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// Send encodes data as a frame for event and enqueues it.
func (c *Connection) Send(event string, data any) error {
	frame, err := types.NewFrame(event, data)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.SendRaw(encoded)
}

// SendRaw enqueues an encoded frame for the writer goroutine. A full buffer
// closes the connection; slow consumers recover by reconnecting and pulling.
func (c *Connection) SendRaw(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	default:
		gatewayBackpressureCloses.Inc()
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithCode(websocket.CloseTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the read/write pumps until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	if err := c.readLoop(hooks); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down once and runs the close callback.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	if c.opts.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.maxMessageSize)
	}
	deadline := c.readDeadline()
	if deadline > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			c.closeWithCode(websocket.CloseUnsupportedData, "text frames only")
			return fmt.Errorf("unsupported message type %d", msgType)
		}

		var frame types.Frame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Event == "" {
			c.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if hooks.OnFrame == nil {
			continue
		}
		if err := hooks.OnFrame(c.ctx, c, frame); err != nil {
			c.logger.Debug().Err(err).Str("event", frame.Event).Msg("frame rejected")
		}
	}
}

func (c *Connection) writeLoop() {
	var tick <-chan time.Time
	if c.opts.heartbeatInterval > 0 {
		ticker := time.NewTicker(c.opts.heartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}

// readDeadline is how long the peer may stay silent before the connection is
// considered dead.
func (c *Connection) readDeadline() time.Duration {
	if c.opts.heartbeatInterval <= 0 || c.opts.heartbeatTolerance <= 0 {
		return 0
	}
	return c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance+1)
}

func (c *Connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
	c.Close()
}

// Hooks are invoked over the lifetime of each connection.
type Hooks struct {
	OnConnect    ConnectHook
	OnFrame      FrameHook
	OnDisconnect DisconnectHook
}

type ConnectHook func(ctx context.Context, conn *Connection) error
type FrameHook func(ctx context.Context, conn *Connection, frame types.Frame) error
type DisconnectHook func(conn *Connection)
