package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/workspace-sync/internal/observability"
	"github.com/example/workspace-sync/internal/syncerr"
	"github.com/example/workspace-sync/internal/types"
)

var requestLatency = func() *prometheus.HistogramVec {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "http",
		Name:      "request_seconds",
		Help:      "Latency of sync API requests by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}
	return histogram
}()

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		requestLatency.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		logger := observability.LoggerWithTrace(c.Request.Context(), h.logger)
		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		}
		event.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request")
	}
}

// requireSession resolves the bearer token into a session. Membership is
// checked again by every service operation.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			h.fail(c, syncerr.ErrAuthentication)
			return
		}
		sess, err := h.svc.Authenticate(c.Request.Context(), token)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func sessionFrom(c *gin.Context) types.Session {
	v, _ := c.Get(sessionKey)
	sess, _ := v.(types.Session)
	return sess
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
