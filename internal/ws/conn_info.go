package ws

import "time"

// ConnInfo describes one established websocket session.
type ConnInfo struct {
	ConnID      string    `json:"conn_id"`
	URL         string    `json:"url"`
	Session     int       `json:"session"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Uptime reports how long the session has been open.
func (i ConnInfo) Uptime(now time.Time) time.Duration {
	if i.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(i.ConnectedAt)
}
