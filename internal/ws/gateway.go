// Package ws upgrades authenticated requests to WebSocket connections and
// groups them in per-workspace rooms.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/types"
)

// Authenticator resolves a session token before the connection is upgraded.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (types.Session, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(ctx context.Context, token string) (types.Session, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(ctx context.Context, token string) (types.Session, error) {
	return f(ctx, token)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	MaxMessageSize     int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Gateway upgrades HTTP requests into WebSocket connections, validates the
// session, and wires them into the ConnectionRegistry.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		auth:     auth,
		registry: registry,
		logger:   logger.With().Str("component", "ws_gateway").Logger(),
		hooks:    hooks,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}, nil
}

// Registry returns the registry connections join.
func (g *Gateway) Registry() *ConnectionRegistry { return g.registry }

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "ws.Upgrade")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	token := r.URL.Query().Get("token")
	workspaceID := r.URL.Query().Get("workspaceId")
	if token == "" {
		gatewayRejections.WithLabelValues("missing_token").Inc()
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if workspaceID == "" {
		gatewayRejections.WithLabelValues("missing_workspace").Inc()
		http.Error(w, "missing workspaceId", http.StatusBadRequest)
		return
	}

	sess, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		gatewayRejections.WithLabelValues("invalid_session").Inc()
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if sess.WorkspaceID != workspaceID {
		gatewayRejections.WithLabelValues("workspace_mismatch").Inc()
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(start).Seconds())

	g.attach(wsConn, sess)
}

func (g *Gateway) attach(wsConn *websocket.Conn, sess types.Session) {
	connID := uuid.NewString()
	childLogger := g.logger.With().
		Str("workspace_id", sess.WorkspaceID).
		Str("device_id", string(sess.DeviceID)).
		Str("connection_id", connID).
		Logger()

	var connection *Connection
	connection = newConnection(connID, wsConn, sess, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
		maxMessageSize:     g.cfg.MaxMessageSize,
	}, func() {
		g.registry.Unregister(connection)
		if g.hooks.OnDisconnect != nil {
			g.hooks.OnDisconnect(connection)
		}
		childLogger.Info().Msg("websocket connection closed")
	})

	g.registry.Register(connection)
	childLogger.Info().Msg("websocket connection established")

	if err := connection.Send(types.EventHello, types.HelloPayload{
		WorkspaceID:  sess.WorkspaceID,
		DeviceID:     sess.DeviceID,
		ConnectionID: connID,
	}); err != nil {
		connection.Close()
		return
	}
	if g.hooks.OnConnect != nil {
		if err := g.hooks.OnConnect(connection.Context(), connection); err != nil {
			childLogger.Warn().Err(err).Msg("connect hook failed")
			connection.closeWithCode(websocket.ClosePolicyViolation, "rejected")
			return
		}
	}

	go connection.Run(g.hooks)
}
