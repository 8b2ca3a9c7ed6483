package models

import "time"

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
	MessageKindTyping MessageKind = "typing"
)

// DeliveryState tracks an outgoing message through the optimistic flow.
type DeliveryState string

const (
	DeliverySent    DeliveryState = "sent"
	DeliveryPending DeliveryState = "pending"
	DeliveryFailed  DeliveryState = "failed"
)

// PendingIDPrefix marks client-generated message ids.
const PendingIDPrefix = "tmp-"

// Message represents a chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	IsRead         bool        `json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	ReadBy         string      `json:"read_by,omitempty"`
	IsEdited       bool        `json:"is_edited"`
	EditedAt       *time.Time  `json:"edited_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	// ClientID echoes the pending id a message was sent under, when the
	// server supports it.
	ClientID      string        `json:"client_id,omitempty"`
	Delivery      DeliveryState `json:"delivery,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Pending reports whether the message still carries a client-generated id.
func (m Message) Pending() bool {
	return m.Delivery == DeliveryPending || m.Delivery == DeliveryFailed
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	PageIndex  int       `json:"page_index"`
	PageSize   int       `json:"page_size"`
	TotalCount int       `json:"total_count"`
}
