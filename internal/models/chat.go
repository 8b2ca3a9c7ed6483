package models

import "time"

// ChatKind classifies a conversation.
type ChatKind string

const (
	ChatKindCustomerSupport ChatKind = "customer_support"
	ChatKindPersonToPerson  ChatKind = "person_to_person"
	ChatKindGroupChat       ChatKind = "group_chat"
)

// ChatStatus is the lifecycle state of a conversation.
type ChatStatus string

const (
	ChatStatusPending ChatStatus = "pending"
	ChatStatusActive  ChatStatus = "active"
	ChatStatusClosed  ChatStatus = "closed"
)

// Rank orders statuses so transitions can be checked for monotonicity.
func (s ChatStatus) Rank() int {
	switch s {
	case ChatStatusPending:
		return 0
	case ChatStatusActive:
		return 1
	case ChatStatusClosed:
		return 2
	default:
		return -1
	}
}

// Conversation is the locally tracked view of a chat.
type Conversation struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	Description        string        `json:"description,omitempty"`
	Kind               ChatKind      `json:"kind"`
	Status             ChatStatus    `json:"status"`
	AssignedOperatorID *string       `json:"assigned_operator_id,omitempty"`
	Priority           int           `json:"priority"`
	CreatedAt          time.Time     `json:"created_at"`
	LastActivityAt     *time.Time    `json:"last_activity_at,omitempty"`
	LastMessage        string        `json:"last_message,omitempty"`
	Participants       []Participant `json:"participants,omitempty"`
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	if c.Participants != nil {
		parts := make([]Participant, len(c.Participants))
		copy(parts, c.Participants)
		c.Participants = parts
	}
	return c
}

// ActivityAt is the timestamp used to order conversation lists.
func (c Conversation) ActivityAt() time.Time {
	if c.LastActivityAt != nil {
		return *c.LastActivityAt
	}
	return c.CreatedAt
}

// ConversationSummary is a conversation as returned by list endpoints.
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}

// ChatDetails is the full view of a single conversation.
type ChatDetails struct {
	Conversation
}

// CreateChatRequest carries the createChat command arguments.
type CreateChatRequest struct {
	Title            string   `json:"title"`
	Kind             ChatKind `json:"kind"`
	Description      string   `json:"description,omitempty"`
	Priority         *int     `json:"priority,omitempty"`
	TargetOperatorID string   `json:"target_operator_id,omitempty"`
}
