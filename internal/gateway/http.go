package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

const maxErrorBody = 4 << 10

// Options configures an HTTPClient.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPClient is the REST Gateway.
type HTTPClient struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

var _ Gateway = (*HTTPClient)(nil)

// NewHTTPClient builds a gateway against baseURL.
func NewHTTPClient(opts Options) *HTTPClient {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		token:   opts.Token,
	}
}

// SetToken replaces the bearer token used by later calls.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *HTTPClient) CreateChat(ctx context.Context, req models.CreateChatRequest) (string, error) {
	var resp createChatResponse
	if err := c.do(ctx, "create_chat", http.MethodPost, "/api/chats", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &CommandError{Op: "create_chat", Kind: KindNetwork, Err: errors.New("response without id")}
	}
	return resp.ID, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, req SendMessageRequest) (models.Message, error) {
	var msg models.Message
	path := "/api/chats/" + url.PathEscape(req.ConversationID) + "/messages"
	if err := c.do(ctx, "send_message", http.MethodPost, path, nil, req, &msg); err != nil {
		return models.Message{}, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = req.ConversationID
	}
	return msg, nil
}

func (c *HTTPClient) EditMessage(ctx context.Context, messageID, content string) error {
	return c.do(ctx, "edit_message", http.MethodPut, "/api/messages/"+url.PathEscape(messageID), nil,
		editMessageRequest{Content: content}, nil)
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete_message", http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil, nil)
}

func (c *HTTPClient) CloseChat(ctx context.Context, conversationID, reason string) error {
	return c.do(ctx, "close_chat", http.MethodPost, "/api/chats/"+url.PathEscape(conversationID)+"/close", nil,
		closeChatRequest{Reason: reason}, nil)
}

func (c *HTTPClient) TransferChat(ctx context.Context, conversationID, newOperatorID, reason string) error {
	return c.do(ctx, "transfer_chat", http.MethodPost, "/api/chats/"+url.PathEscape(conversationID)+"/transfer", nil,
		transferChatRequest{NewOperatorID: newOperatorID, Reason: reason}, nil)
}

func (c *HTTPClient) SetOperatorStatus(ctx context.Context, status models.OperatorStatus) error {
	if !status.Valid() {
		return &CommandError{Op: "set_operator_status", Kind: KindValidation, Err: fmt.Errorf("unknown status %q", status)}
	}
	return c.do(ctx, "set_operator_status", http.MethodPut, "/api/operators/me/status", nil,
		operatorStatusRequest{Status: status}, nil)
}

func (c *HTTPClient) MarkMessageAsRead(ctx context.Context, messageID string) error {
	return c.do(ctx, "mark_read", http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/read", nil, nil, nil)
}

func (c *HTTPClient) SendTypingIndicator(ctx context.Context, conversationID string, typing bool) error {
	return c.do(ctx, "typing", http.MethodPost, "/api/chats/"+url.PathEscape(conversationID)+"/typing", nil,
		typingRequest{IsTyping: typing}, nil)
}

func (c *HTTPClient) ListMyChats(ctx context.Context, pageIndex, pageSize int) ([]models.ConversationSummary, error) {
	query := url.Values{}
	query.Set("page_index", strconv.Itoa(pageIndex))
	query.Set("page_size", strconv.Itoa(pageSize))
	var resp chatListResponse
	if err := c.do(ctx, "list_my_chats", http.MethodGet, "/api/chats/my", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *HTTPClient) ListOperatorChats(ctx context.Context, activeOnly bool) ([]models.ConversationSummary, error) {
	query := url.Values{}
	query.Set("active_only", strconv.FormatBool(activeOnly))
	var resp chatListResponse
	if err := c.do(ctx, "list_operator_chats", http.MethodGet, "/api/operators/me/chats", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *HTTPClient) GetChatDetails(ctx context.Context, conversationID string) (models.ChatDetails, error) {
	var details models.ChatDetails
	if err := c.do(ctx, "get_chat_details", http.MethodGet, "/api/chats/"+url.PathEscape(conversationID), nil, nil, &details); err != nil {
		return models.ChatDetails{}, err
	}
	return details, nil
}

func (c *HTTPClient) GetChatMessages(ctx context.Context, conversationID string, pageIndex, pageSize int) (models.MessagePage, error) {
	query := url.Values{}
	query.Set("page_index", strconv.Itoa(pageIndex))
	query.Set("page_size", strconv.Itoa(pageSize))
	var page models.MessagePage
	path := "/api/chats/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, "get_chat_messages", http.MethodGet, path, query, nil, &page); err != nil {
		return models.MessagePage{}, err
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
	}
	return page, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (err error) {
	started := time.Now()
	ctx, span := otel.Tracer("chat-sync/gateway").Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("http.method", method), attribute.String("http.path", path))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(KindOf(err)))
		}
		span.End()
		observability.ObserveCommand(op, started, err)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &CommandError{Op: op, Kind: KindValidation, Err: fmt.Errorf("encode body: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &CommandError{Op: op, Kind: KindValidation, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	span.SetAttributes(attribute.String("request_id", requestID))

	resp, err := c.client.Do(req)
	if err != nil {
		return &CommandError{Op: op, Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &CommandError{Op: op, Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Err: errorFromBody(resp)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CommandError{Op: op, Kind: KindNetwork, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func errorFromBody(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return errors.New(body.Error)
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return errors.New(text)
	}
	return errors.New(http.StatusText(resp.StatusCode))
}
