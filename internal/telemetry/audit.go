package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"chat-sync/internal/observability"
)

// Publisher sends an envelope to the audit exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// Audit kinds.
const (
	KindCommandFailed     = "command_failed"
	KindAnomaly           = "reconciliation_anomaly"
	KindConnectionChanged = "connection_changed"
	KindAuditTest         = "audit_test"
)

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	userID      string
	clock       clockwork.Clock
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id,omitempty"`
	TraceID       string       `json:"trace_id,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Kind           string            `json:"kind"`
	Level          string            `json:"level"`
	Text           string            `json:"text"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// AuditEvent is one entry handed to Emit.
type AuditEvent struct {
	Kind           string
	Level          string
	Text           string
	RequestID      string
	ConversationID string
	Attributes     map[string]string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment, userID string, clock clockwork.Clock) *AuditEmitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		userID:      userID,
		clock:       clock,
	}
}

// Emit publishes ev under "<routing key>.<kind>". Failures are logged and
// counted, never returned.
func (e *AuditEmitter) Emit(ctx context.Context, ev AuditEvent) {
	if e == nil || e.publisher == nil {
		return
	}
	if ev.Level == "" {
		ev.Level = "info"
	}

	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "sync_audit",
		OccurredAt:    e.clock.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     ev.RequestID,
		TraceID:       traceID,
		Payload: AuditPayload{
			Kind:           ev.Kind,
			Level:          ev.Level,
			Text:           ev.Text,
			ConversationID: ev.ConversationID,
			Attributes:     ev.Attributes,
		},
	}
	if e.userID != "" {
		uid := e.userID
		envelope.UserID = &uid
	}

	log.Printf("audit emit: kind=%s level=%s request_id=%s text=%q", ev.Kind, ev.Level, ev.RequestID, ev.Text)
	routingKey := e.routingKey + "." + ev.Kind
	if err := e.publisher.Publish(ctx, routingKey, envelope, observability.BuildHeaders(ev.RequestID, traceID)); err != nil {
		observability.IncAuditPublishError()
		log.Printf("audit publish failed: kind=%s err=%v", ev.Kind, err)
	}
}
