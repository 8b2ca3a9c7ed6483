package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_http_requests_total",
			Help: "Total number of debug HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_http_request_duration_seconds",
			Help:    "Debug HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	eventsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_events_applied_total",
			Help: "Total number of push events applied to the store.",
		},
		[]string{"event"},
	)
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_reconciliation_anomalies_total",
			Help: "Events that referenced unknown conversations or messages.",
		},
		[]string{"event"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_commands_total",
			Help: "Total number of gateway commands by result.",
		},
		[]string{"command", "result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_sync_command_duration_seconds",
			Help:    "Gateway command latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_sync_connection_state",
			Help: "1 for the current push channel state, 0 otherwise.",
		},
		[]string{"state"},
	)
	reconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_reconnect_attempts_total",
			Help: "Push channel reconnect attempts by result.",
		},
		[]string{"result"},
	)
	refreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sync_refreshes_total",
			Help: "Conversation list reloads by cause and result.",
		},
		[]string{"cause", "result"},
	)
	pendingMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sync_pending_messages",
			Help: "Optimistic messages awaiting server confirmation.",
		},
	)
	unreadTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sync_unread_messages",
			Help: "Total unread messages across tracked conversations.",
		},
	)
	auditPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sync_audit_publish_errors_total",
			Help: "Total number of audit publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		eventsAppliedTotal,
		anomaliesTotal,
		commandsTotal,
		commandDuration,
		connectionState,
		reconnectAttemptsTotal,
		refreshesTotal,
		pendingMessages,
		unreadTotal,
		auditPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncEventApplied(event string) {
	eventsAppliedTotal.WithLabelValues(event).Inc()
}

func IncAnomaly(event string) {
	anomaliesTotal.WithLabelValues(event).Inc()
}

// ObserveCommand records the outcome of one gateway call.
func ObserveCommand(command string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandsTotal.WithLabelValues(command, result).Inc()
	commandDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
}

// SetConnectionState flips the state gauge so exactly one label is 1.
func SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected"} {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(s).Set(v)
	}
}

func IncReconnectAttempt(result string) {
	reconnectAttemptsTotal.WithLabelValues(result).Inc()
}

func IncRefresh(cause, result string) {
	refreshesTotal.WithLabelValues(cause, result).Inc()
}

func SetPendingMessages(n int) {
	pendingMessages.Set(float64(n))
}

func SetUnreadTotal(n int) {
	unreadTotal.Set(float64(n))
}

func IncAuditPublishError() {
	auditPublishErrorsTotal.Inc()
}
