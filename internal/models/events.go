package models

import "time"

// Event is a push event delivered by the transport. The set of
// implementations is closed; consumers switch on the concrete type.
type Event interface {
	EventName() string
	isEvent()
}

// NewMessage carries a message created on the server.
type NewMessage struct {
	Message Message `json:"message"`
}

// MessageEdited reports new content for an existing message.
type MessageEdited struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"edited_at"`
}

// MessageDeleted reports a removed message.
type MessageDeleted struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// UserTyping reports remote typing activity.
type UserTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// UserJoinedChat reports a user coming online in a conversation.
type UserJoinedChat struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}

// UserLeftChat reports a user going away from a conversation.
type UserLeftChat struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}

// ChatClosed reports a closed conversation.
type ChatClosed struct {
	ConversationID string `json:"conversation_id"`
	ClosedBy       string `json:"closed_by,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ChatTransferred reports a conversation reassigned to another operator.
type ChatTransferred struct {
	ConversationID     string `json:"conversation_id"`
	NewOperatorID      string `json:"new_operator_id"`
	PreviousOperatorID string `json:"previous_operator_id,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// ParticipantAdded reports a participant attached to a conversation.
type ParticipantAdded struct {
	ConversationID string      `json:"conversation_id"`
	Participant    Participant `json:"participant"`
}

// ParticipantRemoved reports a participant detached from a conversation.
type ParticipantRemoved struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}

// ConnectionChanged is emitted by the transport on every state transition.
type ConnectionChanged struct {
	State       ConnState `json:"state"`
	Reconnected bool      `json:"reconnected"`
	Reason      string    `json:"reason,omitempty"`
}

func (NewMessage) EventName() string         { return "NewMessage" }
func (MessageEdited) EventName() string      { return "MessageEdited" }
func (MessageDeleted) EventName() string     { return "MessageDeleted" }
func (UserTyping) EventName() string         { return "UserTyping" }
func (UserJoinedChat) EventName() string     { return "UserJoinedChat" }
func (UserLeftChat) EventName() string       { return "UserLeftChat" }
func (ChatClosed) EventName() string         { return "ChatClosed" }
func (ChatTransferred) EventName() string    { return "ChatTransferred" }
func (ParticipantAdded) EventName() string   { return "ParticipantAdded" }
func (ParticipantRemoved) EventName() string { return "ParticipantRemoved" }
func (ConnectionChanged) EventName() string  { return "ConnectionChanged" }

func (NewMessage) isEvent()         {}
func (MessageEdited) isEvent()      {}
func (MessageDeleted) isEvent()     {}
func (UserTyping) isEvent()         {}
func (UserJoinedChat) isEvent()     {}
func (UserLeftChat) isEvent()       {}
func (ChatClosed) isEvent()         {}
func (ChatTransferred) isEvent()    {}
func (ParticipantAdded) isEvent()   {}
func (ParticipantRemoved) isEvent() {}
func (ConnectionChanged) isEvent()  {}
