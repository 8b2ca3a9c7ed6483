package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/gateway"
	"chat-sync/internal/models"
	"chat-sync/internal/ws"
)

type GatewayMock struct {
	mock.Mock
}

var _ gateway.Gateway = (*GatewayMock)(nil)

func (m *GatewayMock) CreateChat(ctx context.Context, req models.CreateChatRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *GatewayMock) SendMessage(ctx context.Context, req gateway.SendMessageRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *GatewayMock) EditMessage(ctx context.Context, messageID, content string) error {
	args := m.Called(ctx, messageID, content)
	return args.Error(0)
}

func (m *GatewayMock) DeleteMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *GatewayMock) CloseChat(ctx context.Context, conversationID, reason string) error {
	args := m.Called(ctx, conversationID, reason)
	return args.Error(0)
}

func (m *GatewayMock) TransferChat(ctx context.Context, conversationID, newOperatorID, reason string) error {
	args := m.Called(ctx, conversationID, newOperatorID, reason)
	return args.Error(0)
}

func (m *GatewayMock) SetOperatorStatus(ctx context.Context, status models.OperatorStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *GatewayMock) MarkMessageAsRead(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *GatewayMock) SendTypingIndicator(ctx context.Context, conversationID string, typing bool) error {
	args := m.Called(ctx, conversationID, typing)
	return args.Error(0)
}

func (m *GatewayMock) ListMyChats(ctx context.Context, pageIndex, pageSize int) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, pageIndex, pageSize)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *GatewayMock) ListOperatorChats(ctx context.Context, activeOnly bool) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, activeOnly)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *GatewayMock) GetChatDetails(ctx context.Context, conversationID string) (models.ChatDetails, error) {
	args := m.Called(ctx, conversationID)
	var details models.ChatDetails
	if val := args.Get(0); val != nil {
		details = val.(models.ChatDetails)
	}
	return details, args.Error(1)
}

func (m *GatewayMock) GetChatMessages(ctx context.Context, conversationID string, pageIndex, pageSize int) (models.MessagePage, error) {
	args := m.Called(ctx, conversationID, pageIndex, pageSize)
	var page models.MessagePage
	if val := args.Get(0); val != nil {
		page = val.(models.MessagePage)
	}
	return page, args.Error(1)
}

// TransportMock records outbound calls through mock.Mock. Events are pushed
// by the test through Emit.
type TransportMock struct {
	mock.Mock
	events chan models.Event
}

var _ ws.Transport = (*TransportMock)(nil)

func NewTransportMock() *TransportMock {
	return &TransportMock{events: make(chan models.Event, 64)}
}

// Emit queues an event as if it arrived from the server.
func (m *TransportMock) Emit(ev models.Event) {
	m.events <- ev
}

func (m *TransportMock) Connect(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *TransportMock) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

func (m *TransportMock) JoinTopic(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *TransportMock) LeaveTopic(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

func (m *TransportMock) SendTyping(ctx context.Context, conversationID, recipientID string, typing bool) error {
	args := m.Called(ctx, conversationID, recipientID, typing)
	return args.Error(0)
}

func (m *TransportMock) Events() <-chan models.Event {
	return m.events
}

func (m *TransportMock) State() models.ConnState {
	args := m.Called()
	return args.Get(0).(models.ConnState)
}
