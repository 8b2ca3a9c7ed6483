package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"chat-sync/internal/gateway"
	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

// CreateChat creates a conversation, starts tracking it and joins its topic.
func (e *Engine) CreateChat(ctx context.Context, req models.CreateChatRequest) (string, error) {
	id, err := e.gw.CreateChat(ctx, req)
	if err != nil {
		e.commandFailed(ctx, "create_chat", "", err)
		return "", err
	}

	conv := models.Conversation{
		ID:          id,
		Title:       req.Title,
		Description: req.Description,
		Kind:        req.Kind,
		Status:      models.ChatStatusActive,
		CreatedAt:   e.opts.Clock.Now(),
	}
	if req.Priority != nil {
		conv.Priority = *req.Priority
	}
	if req.TargetOperatorID != "" {
		op := req.TargetOperatorID
		conv.AssignedOperatorID = &op
	} else if req.Kind == models.ChatKindCustomerSupport {
		conv.Status = models.ChatStatusPending
	}

	if e.rec.UpsertConversation(conv) {
		e.joinTopics(ctx, []string{id})
	}
	e.refresher.Trigger("create_chat")
	return id, nil
}

// SelectConversation focuses a conversation. Unread remote messages are
// marked read and the counter is cleared without waiting for the server.
// History and details load in the background on first selection.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) error {
	res, err := e.rec.Select(conversationID)
	if err != nil {
		return err
	}
	if conversationID == "" {
		return nil
	}
	e.markRead(conversationID, res.UnreadIDs)
	if res.NeedsLoad {
		e.spawn(func(ctx context.Context) {
			e.loadConversation(ctx, conversationID)
		})
	}
	return nil
}

// loadConversation runs under the engine context so switching selection
// does not cancel it.
func (e *Engine) loadConversation(ctx context.Context, conversationID string) {
	var g errgroup.Group
	g.Go(func() error {
		page, err := e.gw.GetChatMessages(ctx, conversationID, 0, e.opts.HistoryPageSize)
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}
		return e.rec.MergeMessages(conversationID, page.Messages)
	})
	g.Go(func() error {
		details, err := e.gw.GetChatDetails(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("load details: %w", err)
		}
		e.rec.SetDetails(details)
		return nil
	})
	if err := g.Wait(); err != nil {
		e.commandFailed(ctx, "load_conversation", conversationID, err)
	}

	if e.store.SelectedID() != conversationID {
		return
	}
	if ids := e.rec.UnreadIDs(conversationID); len(ids) > 0 {
		e.markRead(conversationID, ids)
	}
}

// markRead issues one mark-read call per message with bounded concurrency
// and clears the local counter as soon as the calls are issued.
func (e *Engine) markRead(conversationID string, ids []string) {
	if len(ids) > 0 {
		ids := append([]string(nil), ids...)
		e.spawn(func(ctx context.Context) {
			var g errgroup.Group
			g.SetLimit(e.opts.MarkReadConcurrency)
			for _, id := range ids {
				id := id
				g.Go(func() error {
					if err := e.gw.MarkMessageAsRead(ctx, id); err != nil {
						log.Printf("[engine] mark read failed message_id=%s err=%v", id, err)
						return err
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				e.commandFailed(ctx, "mark_read", conversationID, err)
			}
		})
	}
	e.rec.ClearUnread(conversationID, ids)
}

// SendMessage shows the message optimistically and confirms it through the
// gateway. On failure the message stays in the list marked failed and the
// returned message carries its pending id for RetryMessage.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string, kind models.MessageKind) (models.Message, error) {
	e.typer.Stop(conversationID)
	pending, err := e.rec.BeginSend(conversationID, content, kind)
	if err != nil {
		return models.Message{}, err
	}
	return e.deliver(ctx, pending)
}

// RetryMessage resends a failed message under its original pending id.
func (e *Engine) RetryMessage(ctx context.Context, pendingID string) (models.Message, error) {
	pending, err := e.rec.RetrySend(pendingID)
	if err != nil {
		return models.Message{}, err
	}
	return e.deliver(ctx, pending)
}

// DiscardMessage drops a failed message from the list.
func (e *Engine) DiscardMessage(pendingID string) error {
	return e.rec.DiscardFailed(pendingID)
}

func (e *Engine) deliver(ctx context.Context, pending models.Message) (models.Message, error) {
	confirmed, err := e.gw.SendMessage(ctx, gateway.SendMessageRequest{
		ConversationID: pending.ConversationID,
		Content:        pending.Content,
		Kind:           pending.Kind,
		ClientID:       pending.ID,
	})
	if err != nil {
		if rerr := e.rec.RollbackSend(pending.ID, err); rerr != nil && !errors.Is(rerr, store.ErrUnknownPending) {
			log.Printf("[engine] rollback send failed pending_id=%s err=%v", pending.ID, rerr)
		}
		e.commandFailed(ctx, "send_message", pending.ConversationID, err)
		pending.Delivery = models.DeliveryFailed
		pending.FailureReason = err.Error()
		return pending, err
	}

	if err := e.rec.CommitSend(pending.ID, confirmed); err != nil && !errors.Is(err, store.ErrUnknownPending) {
		log.Printf("[engine] commit send failed pending_id=%s err=%v", pending.ID, err)
	}
	e.refresher.Trigger("send_message")
	return confirmed, nil
}

// EditMessage applies new content locally and restores it if the server
// rejects the edit.
func (e *Engine) EditMessage(ctx context.Context, messageID, content string) error {
	if strings.HasPrefix(messageID, models.PendingIDPrefix) {
		return ErrPendingMessage
	}
	h, err := e.rec.BeginEdit(messageID, content)
	if err != nil {
		return err
	}
	if err := e.gw.EditMessage(ctx, messageID, content); err != nil {
		e.rec.RollbackEdit(h)
		e.commandFailed(ctx, "edit_message", h.ConversationID, err)
		return err
	}
	return nil
}

// DeleteMessage removes a message locally and restores it if the server
// rejects the delete.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if strings.HasPrefix(messageID, models.PendingIDPrefix) {
		return ErrPendingMessage
	}
	h, err := e.rec.BeginDelete(messageID)
	if err != nil {
		return err
	}
	if err := e.gw.DeleteMessage(ctx, messageID); err != nil {
		e.rec.RollbackDelete(h)
		e.commandFailed(ctx, "delete_message", h.ConversationID, err)
		return err
	}
	return nil
}

// CloseChat closes a conversation once the server accepts it.
func (e *Engine) CloseChat(ctx context.Context, conversationID, reason string) error {
	if err := e.gw.CloseChat(ctx, conversationID, reason); err != nil {
		e.commandFailed(ctx, "close_chat", conversationID, err)
		return err
	}
	e.typer.Stop(conversationID)
	e.execute(ctx, "close_chat", e.rec.ApplyChatClosed(conversationID))
	e.refresher.Trigger("close_chat")
	return nil
}

// TransferChat hands a conversation to another operator.
func (e *Engine) TransferChat(ctx context.Context, conversationID, newOperatorID, reason string) error {
	if err := e.gw.TransferChat(ctx, conversationID, newOperatorID, reason); err != nil {
		e.commandFailed(ctx, "transfer_chat", conversationID, err)
		return err
	}
	e.typer.Stop(conversationID)
	e.execute(ctx, "transfer_chat", e.rec.ApplyChatTransferred(conversationID, newOperatorID))
	e.refresher.Trigger("transfer_chat")
	return nil
}

// SetOperatorStatus updates presence optimistically and reverts it when the
// server rejects the change, unless a newer change was made meanwhile.
func (e *Engine) SetOperatorStatus(ctx context.Context, status models.OperatorStatus) error {
	if !status.Valid() {
		return &gateway.CommandError{Op: "set_operator_status", Kind: gateway.KindValidation, Err: fmt.Errorf("invalid status %q", status)}
	}
	h := e.rec.BeginPresence(status)
	if err := e.gw.SetOperatorStatus(ctx, status); err != nil {
		e.rec.RollbackPresence(h)
		e.commandFailed(ctx, "set_operator_status", "", err)
		return err
	}
	return nil
}

// Typing feeds composer input to the typing indicator. Empty text stops it.
func (e *Engine) Typing(conversationID, recipientID, text string) {
	e.typer.Input(conversationID, recipientID, text)
}

// Refresh reloads the conversation list now, including closed chats in
// operator mode.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.refresher.ReloadAll(ctx, "manual")
}
