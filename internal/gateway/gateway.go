// Package gateway issues user commands against the chat REST API. It never
// touches local state; callers reconcile results themselves.
package gateway

import (
	"context"

	"chat-sync/internal/models"
)

// Gateway is one request/response call per user command. Calls are not
// retried.
type Gateway interface {
	CreateChat(ctx context.Context, req models.CreateChatRequest) (string, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (models.Message, error)
	EditMessage(ctx context.Context, messageID, content string) error
	DeleteMessage(ctx context.Context, messageID string) error
	CloseChat(ctx context.Context, conversationID, reason string) error
	TransferChat(ctx context.Context, conversationID, newOperatorID, reason string) error
	SetOperatorStatus(ctx context.Context, status models.OperatorStatus) error
	MarkMessageAsRead(ctx context.Context, messageID string) error
	SendTypingIndicator(ctx context.Context, conversationID string, typing bool) error
	ListMyChats(ctx context.Context, pageIndex, pageSize int) ([]models.ConversationSummary, error)
	ListOperatorChats(ctx context.Context, activeOnly bool) ([]models.ConversationSummary, error)
	GetChatDetails(ctx context.Context, conversationID string) (models.ChatDetails, error)
	GetChatMessages(ctx context.Context, conversationID string, pageIndex, pageSize int) (models.MessagePage, error)
}

// SendMessageRequest is the body of a send. ClientID carries the pending id
// so the server can echo it back on the pushed message.
type SendMessageRequest struct {
	ConversationID string             `json:"-"`
	Content        string             `json:"content"`
	Kind           models.MessageKind `json:"kind"`
	ClientID       string             `json:"client_id,omitempty"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type closeChatRequest struct {
	Reason string `json:"reason,omitempty"`
}

type transferChatRequest struct {
	NewOperatorID string `json:"new_operator_id"`
	Reason        string `json:"reason"`
}

type operatorStatusRequest struct {
	Status models.OperatorStatus `json:"status"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type createChatResponse struct {
	ID string `json:"id"`
}

type chatListResponse struct {
	Chats []models.ConversationSummary `json:"chats"`
}

type errorResponse struct {
	Error string `json:"error"`
}
