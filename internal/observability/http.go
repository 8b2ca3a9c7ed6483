package observability

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestIDFromRequest returns the caller supplied request id or a new one.
func RequestIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// BuildHeaders returns the correlation headers attached to outgoing calls
// and audit envelopes.
func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
