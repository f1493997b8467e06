// Package api exposes the sync service over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/types"
)

// Service is the sync service surface served over HTTP.
type Service interface {
	Handshake(ctx context.Context, userID string, req types.HandshakeRequest) (types.HandshakeResponse, error)
	Authenticate(ctx context.Context, token string) (types.Session, error)
	Pull(ctx context.Context, sess types.Session, req types.PullRequest) (types.PullResponse, error)
	Push(ctx context.Context, sess types.Session, req types.PushRequest) (types.PushResponse, error)
	Presence(ctx context.Context, sess types.Session, workspaceID string) (types.PresenceList, error)
}

// HealthFunc reports whether backing dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// Options configure the router.
type Options struct {
	// Realtime serves GET /sync/ws. The route is absent when nil.
	Realtime http.Handler
	Health   HealthFunc
	// AllowedOrigins lists CORS origins. Empty allows every origin.
	AllowedOrigins []string
	// UserHeader carries the user id set by the upstream auth gateway.
	UserHeader string
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
}

const (
	defaultUserHeader   = "X-User-Id"
	defaultMaxBodyBytes = 4 << 20
	sessionKey          = "session"
)

// Handler serves the sync endpoints.
type Handler struct {
	svc    Service
	opts   Options
	logger zerolog.Logger
}

// NewRouter builds the gin engine with every sync route mounted.
func NewRouter(svc Service, opts Options, logger zerolog.Logger) (*gin.Engine, error) {
	if svc == nil {
		return nil, errors.New("sync service is required")
	}
	if opts.UserHeader == "" {
		opts.UserHeader = defaultUserHeader
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{svc: svc, opts: opts, logger: logger.With().Str("component", "http_api").Logger()}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog(), h.corsMiddleware())

	r.GET("/healthz", h.health)

	routes := r.Group("/sync")
	routes.POST("/handshake", h.handshake)
	if opts.Realtime != nil {
		routes.GET("/ws", gin.WrapH(opts.Realtime))
	}

	authed := routes.Group("", h.requireSession())
	authed.POST("/pull", h.pull)
	authed.POST("/push", h.push)
	authed.GET("/presence", h.presence)

	return r, nil
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", h.opts.UserHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(h.opts.AllowedOrigins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = h.opts.AllowedOrigins
	}
	return cors.New(cfg)
}

func (h *Handler) health(c *gin.Context) {
	if h.opts.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Health(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
