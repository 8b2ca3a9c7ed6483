package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-sync/internal/gateway"
	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

type StateSource interface {
	Snapshot() store.Snapshot
	ConnectionState() models.ConnState
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type ConnInfoSource interface {
	Info() ws.ConnInfo
}

// DebugDeps is what the debug router reads from. Conn and Audit may be nil.
type DebugDeps struct {
	Service   string
	State     StateSource
	Refresher Refresher
	Conn      ConnInfoSource
	Audit     *telemetry.AuditEmitter
	Token     string
	Clock     clockwork.Clock
}

// NewDebugRouter serves health, metrics and the debug endpoints.
func NewDebugRouter(deps DebugDeps) *gin.Engine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(deps.Service))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(requestID())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		state := deps.State.ConnectionState()
		if state != models.ConnConnected {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "connection": state})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "connection": state})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	debug := router.Group("/debug", middleware.DebugAuth(deps.Token))

	debug.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, deps.State.Snapshot())
	})

	debug.GET("/connection", func(c *gin.Context) {
		if deps.Conn == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transport not configured"})
			return
		}
		info := deps.Conn.Info()
		c.JSON(http.StatusOK, gin.H{
			"state":          deps.State.ConnectionState(),
			"info":           info,
			"uptime_seconds": info.Uptime(deps.Clock.Now()).Seconds(),
		})
	})

	debug.POST("/refresh", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 20*time.Second)
		defer cancel()
		if err := deps.Refresher.Refresh(ctx); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "kind": gateway.KindOf(err)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "conversations": len(deps.State.Snapshot().Conversations)})
	})

	debug.POST("/audit-test", func(c *gin.Context) {
		if deps.Audit == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		deps.Audit.Emit(c.Request.Context(), telemetry.AuditEvent{
			Kind:      telemetry.KindAuditTest,
			Level:     "info",
			Text:      "audit test",
			RequestID: requestIDFromContext(c),
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}
