package models

import "time"

// ParticipantRole is the role of a user inside a conversation.
type ParticipantRole string

const (
	RoleMember    ParticipantRole = "member"
	RoleModerator ParticipantRole = "moderator"
	RoleAdmin     ParticipantRole = "admin"
)

// Participant is a user attached to a conversation.
type Participant struct {
	UserID   string          `json:"user_id"`
	Role     ParticipantRole `json:"role"`
	IsActive bool            `json:"is_active"`
	JoinedAt time.Time       `json:"joined_at"`
	LeftAt   *time.Time      `json:"left_at,omitempty"`
}

// ConnState is the push channel connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// OperatorStatus is the local operator's presence.
type OperatorStatus string

const (
	OperatorOnline  OperatorStatus = "online"
	OperatorAway    OperatorStatus = "away"
	OperatorBusy    OperatorStatus = "busy"
	OperatorOffline OperatorStatus = "offline"
)

// Valid reports whether s is a known presence value.
func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorOnline, OperatorAway, OperatorBusy, OperatorOffline:
		return true
	}
	return false
}
