package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"chat-sync/internal/models"
)

var errUnknownEvent = errors.New("unknown event")

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	RecipientID    string `json:"recipient_id,omitempty"`
	IsTyping       *bool  `json:"is_typing,omitempty"`
}

func decodeAs[T models.Event](data json.RawMessage) (models.Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewMessage frames carry the message itself as data.
func decodeNewMessage(data json.RawMessage) (models.Event, error) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return nil, errors.New("message without id or conversation_id")
	}
	return models.NewMessage{Message: msg}, nil
}

var decoders = map[string]func(json.RawMessage) (models.Event, error){
	"NewMessage":         decodeNewMessage,
	"MessageEdited":      decodeAs[models.MessageEdited],
	"MessageDeleted":     decodeAs[models.MessageDeleted],
	"UserTyping":         decodeAs[models.UserTyping],
	"UserJoinedChat":     decodeAs[models.UserJoinedChat],
	"UserLeftChat":       decodeAs[models.UserLeftChat],
	"ChatClosed":         decodeAs[models.ChatClosed],
	"ChatTransferred":    decodeAs[models.ChatTransferred],
	"ParticipantAdded":   decodeAs[models.ParticipantAdded],
	"ParticipantRemoved": decodeAs[models.ParticipantRemoved],
}

// decodeFrame turns one text frame into a typed event.
func decodeFrame(payload []byte) (models.Event, error) {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	decode, ok := decoders[frame.Event]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownEvent, frame.Event)
	}
	ev, err := decode(frame.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", frame.Event, err)
	}
	return ev, nil
}

func encodeFrame(frame outboundFrame) ([]byte, error) {
	return json.Marshal(frame)
}

func joinFrame(conversationID string) outboundFrame {
	return outboundFrame{Type: "join", ConversationID: conversationID}
}

func leaveFrame(conversationID string) outboundFrame {
	return outboundFrame{Type: "leave", ConversationID: conversationID}
}

func typingFrame(conversationID, recipientID string, typing bool) outboundFrame {
	return outboundFrame{Type: "typing", ConversationID: conversationID, RecipientID: recipientID, IsTyping: &typing}
}
