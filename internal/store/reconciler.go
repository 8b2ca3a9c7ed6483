package store

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

// Reconciler is the only writer of a Store. Each method applies one change
// atomically and then notifies subscribers in order.
type Reconciler struct {
	s *Store
}

// Store returns the store this reconciler writes to.
func (r *Reconciler) Store() *Store {
	return r.s
}

// Effects lists the follow-up work a mutation asks of its caller.
type Effects struct {
	// Anomaly is set when the change referenced unknown state and was dropped.
	Anomaly string
	// Refresh asks for a conversation list reload.
	Refresh bool
	// MarkRead lists message ids that arrived in the selected conversation.
	// MarkReadConversation names that conversation as it was at apply time.
	MarkRead             []string
	MarkReadConversation string
	// Join and Leave list push topics to subscribe to or drop.
	Join  []string
	Leave []string
	// Reconnected is set when the transport came back after a drop.
	Reconnected bool
}

func (r *Reconciler) write(fn func() topic) {
	s := r.s
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	changed := fn()
	deliveries := s.collect(changed)
	s.mu.Unlock()
	for _, deliver := range deliveries {
		deliver()
	}
}

func anomaly(event, format string, args ...any) string {
	text := fmt.Sprintf(format, args...)
	log.Printf("[reconciler] anomaly event=%s %s", event, text)
	observability.IncAnomaly(event)
	return text
}

// Apply dispatches a push event to its handler.
func (r *Reconciler) Apply(ev models.Event) Effects {
	var eff Effects
	switch e := ev.(type) {
	case models.NewMessage:
		eff = r.ApplyInboundMessage(e.Message)
	case models.MessageEdited:
		eff = r.ApplyEdit(e.MessageID, e.Content, e.EditedAt)
	case models.MessageDeleted:
		eff = r.ApplyDelete(e.MessageID)
	case models.UserTyping:
		if e.IsTyping {
			eff = r.ApplyTyping(e.UserID, e.ConversationID)
		} else {
			eff = r.ClearTyping(e.UserID, e.ConversationID)
		}
	case models.UserJoinedChat:
		eff = r.setParticipantActive(e.EventName(), e.ConversationID, models.Participant{UserID: e.UserID, JoinedAt: e.At}, true, e.At)
	case models.UserLeftChat:
		eff = r.setParticipantActive(e.EventName(), e.ConversationID, models.Participant{UserID: e.UserID}, false, e.At)
	case models.ParticipantAdded:
		eff = r.setParticipantActive(e.EventName(), e.ConversationID, e.Participant, true, e.Participant.JoinedAt)
	case models.ParticipantRemoved:
		eff = r.setParticipantActive(e.EventName(), e.ConversationID, models.Participant{UserID: e.UserID}, false, e.At)
	case models.ChatClosed:
		eff = r.ApplyChatClosed(e.ConversationID)
	case models.ChatTransferred:
		eff = r.ApplyChatTransferred(e.ConversationID, e.NewOperatorID)
	case models.ConnectionChanged:
		eff = r.SetConnectionState(e.State, e.Reconnected)
	default:
		eff.Anomaly = anomaly(fmt.Sprintf("%T", ev), "unhandled event type")
		return eff
	}
	if eff.Anomaly == "" {
		observability.IncEventApplied(ev.EventName())
	}
	return eff
}

// touch reports the topics affected by a change to conversation id.
func (s *Store) touch(id string) topic {
	t := topicConversations
	if id == s.selected {
		t |= topicSelected
	}
	return t
}

func (s *Store) touchMessages(id string) topic {
	if id == s.selected {
		return topicMessages
	}
	return 0
}

func (s *Store) touchTyping(id string) topic {
	if id == s.selected {
		return topicTyping
	}
	return 0
}

// bumpActivity moves the cached last message forward, never backward.
func (s *Store) bumpActivity(conv *models.Conversation, msg models.Message) topic {
	if conv.LastActivityAt != nil && msg.CreatedAt.Before(*conv.LastActivityAt) {
		return 0
	}
	at := msg.CreatedAt
	conv.LastActivityAt = &at
	conv.LastMessage = msg.Content
	return s.touch(conv.ID)
}

// refreshLastMessage recomputes the cached text after an edit or delete.
func (s *Store) refreshLastMessage(conversationID string) topic {
	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	list := s.messages[conversationID]
	if len(list) == 0 {
		return 0
	}
	last := list[len(list)-1]
	if conv.LastMessage == last.Content {
		return 0
	}
	conv.LastMessage = last.Content
	return s.touch(conversationID)
}

// ApplyInboundMessage merges a pushed message. A known id is a no-op; a
// message echoing an unconfirmed local send replaces the optimistic entry.
func (r *Reconciler) ApplyInboundMessage(msg models.Message) Effects {
	var eff Effects
	r.write(func() topic {
		s := r.s
		conv, ok := s.conversations[msg.ConversationID]
		if !ok {
			eff.Anomaly = anomaly("NewMessage", "conversation_id=%s message_id=%s unknown conversation", msg.ConversationID, msg.ID)
			eff.Refresh = true
			return 0
		}
		list := s.messages[msg.ConversationID]
		if indexOf(list, msg.ID) >= 0 {
			return 0
		}
		msg.Delivery = models.DeliverySent
		msg.FailureReason = ""

		var changed topic
		if users, ok := s.typing[msg.ConversationID]; ok {
			if _, typing := users[msg.SenderID]; typing {
				delete(users, msg.SenderID)
				changed |= s.touchTyping(msg.ConversationID)
			}
		}

		if pendingID, ok := s.matchPending(msg); ok {
			s.pending[pendingID].confirmedID = msg.ID
			if i := indexOf(list, pendingID); i >= 0 {
				msg.IsRead = true
				list = removeAt(list, i)
			}
			s.messages[msg.ConversationID] = insertSorted(list, msg)
			changed |= s.touchMessages(msg.ConversationID)
			changed |= s.bumpActivity(conv, msg)
			return changed
		}

		s.messages[msg.ConversationID] = insertSorted(list, msg)
		changed |= s.touchMessages(msg.ConversationID)
		changed |= s.bumpActivity(conv, msg)

		if msg.SenderID != s.localUserID && !msg.IsRead {
			if s.selected == msg.ConversationID {
				eff.MarkRead = []string{msg.ID}
				eff.MarkReadConversation = msg.ConversationID
			} else {
				s.unread[msg.ConversationID]++
				changed |= topicUnread
			}
		}
		return changed
	})
	return eff
}

// BeginSend inserts an optimistic message with a client-generated id. The
// returned message id is the handle for CommitSend and RollbackSend.
func (r *Reconciler) BeginSend(conversationID, content string, kind models.MessageKind) (models.Message, error) {
	var (
		msg models.Message
		err error
	)
	r.write(func() topic {
		s := r.s
		conv, ok := s.conversations[conversationID]
		if !ok {
			err = ErrUnknownConversation
			return 0
		}
		if conv.Status == models.ChatStatusClosed {
			err = ErrConversationClosed
			return 0
		}
		if kind == "" {
			kind = models.MessageKindText
		}
		now := s.clock.Now()
		msg = models.Message{
			ID:             models.PendingIDPrefix + uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       s.localUserID,
			Content:        content,
			Kind:           kind,
			IsRead:         true,
			CreatedAt:      now,
			Delivery:       models.DeliveryPending,
		}
		s.pending[msg.ID] = &pendingSend{
			conversationID: conversationID,
			senderID:       s.localUserID,
			content:        content,
			beganAt:        now,
		}
		s.messages[conversationID] = insertSorted(s.messages[conversationID], msg)
		return s.touchMessages(conversationID) | s.bumpActivity(conv, msg)
	})
	return msg, err
}

// CommitSend replaces the optimistic entry with the server-confirmed message.
func (r *Reconciler) CommitSend(pendingID string, confirmed models.Message) error {
	var err error
	r.write(func() topic {
		s := r.s
		p, ok := s.pending[pendingID]
		if !ok {
			err = ErrUnknownPending
			return 0
		}
		delete(s.pending, pendingID)
		if p.confirmedID != "" && (confirmed.ID == "" || confirmed.ID == p.confirmedID) {
			// The pushed echo already took the entry's place.
			return 0
		}
		list := s.messages[p.conversationID]
		optimistic := models.Message{
			ID:             pendingID,
			ConversationID: p.conversationID,
			SenderID:       p.senderID,
			Content:        p.content,
			Kind:           models.MessageKindText,
			CreatedAt:      p.beganAt,
		}
		if i := indexOf(list, pendingID); i >= 0 {
			optimistic = list[i]
			list = removeAt(list, i)
		} else if p.confirmedID == "" {
			return 0
		}
		if confirmed.ID == "" || indexOf(list, confirmed.ID) >= 0 {
			s.messages[p.conversationID] = list
			if confirmed.ID == "" {
				optimistic.Delivery = models.DeliverySent
				s.messages[p.conversationID] = insertSorted(list, optimistic)
			}
			return s.touchMessages(p.conversationID)
		}
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = optimistic.ConversationID
		}
		if confirmed.SenderID == "" {
			confirmed.SenderID = optimistic.SenderID
		}
		if confirmed.Content == "" {
			confirmed.Content = optimistic.Content
		}
		if confirmed.Kind == "" {
			confirmed.Kind = optimistic.Kind
		}
		if confirmed.CreatedAt.IsZero() {
			confirmed.CreatedAt = optimistic.CreatedAt
		}
		confirmed.IsRead = true
		confirmed.Delivery = models.DeliverySent
		confirmed.FailureReason = ""
		s.messages[p.conversationID] = insertSorted(list, confirmed)
		changed := s.touchMessages(p.conversationID)
		if conv, ok := s.conversations[p.conversationID]; ok {
			changed |= s.bumpActivity(conv, confirmed)
		}
		return changed
	})
	return err
}

// RollbackSend marks an optimistic entry as failed. The entry stays visible
// so the caller can offer a retry or discard.
func (r *Reconciler) RollbackSend(pendingID string, cause error) error {
	var err error
	r.write(func() topic {
		s := r.s
		p, ok := s.pending[pendingID]
		if !ok {
			err = ErrUnknownPending
			return 0
		}
		if p.confirmedID != "" {
			delete(s.pending, pendingID)
			return 0
		}
		p.failed = true
		list := s.messages[p.conversationID]
		i := indexOf(list, pendingID)
		if i < 0 {
			return 0
		}
		list[i].Delivery = models.DeliveryFailed
		if cause != nil {
			list[i].FailureReason = cause.Error()
		}
		return s.touchMessages(p.conversationID)
	})
	return err
}

// RetrySend re-arms a failed entry as pending and returns it for resending.
func (r *Reconciler) RetrySend(pendingID string) (models.Message, error) {
	var (
		msg models.Message
		err error
	)
	r.write(func() topic {
		s := r.s
		p, ok := s.pending[pendingID]
		if !ok {
			err = ErrUnknownPending
			return 0
		}
		if !p.failed {
			err = ErrNotFailed
			return 0
		}
		list := s.messages[p.conversationID]
		i := indexOf(list, pendingID)
		if i < 0 {
			err = ErrUnknownPending
			return 0
		}
		p.failed = false
		p.beganAt = s.clock.Now()
		list[i].Delivery = models.DeliveryPending
		list[i].FailureReason = ""
		msg = list[i]
		return s.touchMessages(p.conversationID)
	})
	return msg, err
}

// DiscardFailed removes a failed optimistic entry.
func (r *Reconciler) DiscardFailed(pendingID string) error {
	var err error
	r.write(func() topic {
		s := r.s
		p, ok := s.pending[pendingID]
		if !ok {
			err = ErrUnknownPending
			return 0
		}
		if !p.failed {
			err = ErrNotFailed
			return 0
		}
		delete(s.pending, pendingID)
		list := s.messages[p.conversationID]
		if i := indexOf(list, pendingID); i >= 0 {
			s.messages[p.conversationID] = removeAt(list, i)
		}
		return s.touchMessages(p.conversationID) | s.refreshLastMessage(p.conversationID)
	})
	return err
}

// ApplyEdit updates message content in place.
func (r *Reconciler) ApplyEdit(messageID, content string, editedAt time.Time) Effects {
	var eff Effects
	r.write(func() topic {
		s := r.s
		convID, i := s.findMessage(messageID)
		if i < 0 {
			eff.Anomaly = anomaly("MessageEdited", "message_id=%s unknown message", messageID)
			return 0
		}
		if editedAt.IsZero() {
			editedAt = s.clock.Now()
		}
		msg := &s.messages[convID][i]
		msg.Content = content
		msg.IsEdited = true
		msg.EditedAt = &editedAt
		return s.touchMessages(convID) | s.refreshLastMessage(convID)
	})
	return eff
}

// EditHandle restores a message if a local edit is rejected.
type EditHandle struct {
	MessageID      string
	ConversationID string
	content        string
	prevContent    string
	prevEdited     bool
	prevEditedAt   *time.Time
}

// BeginEdit applies a local edit ahead of the server.
func (r *Reconciler) BeginEdit(messageID, content string) (EditHandle, error) {
	var (
		h   EditHandle
		err error
	)
	r.write(func() topic {
		s := r.s
		convID, i := s.findMessage(messageID)
		if i < 0 {
			err = ErrUnknownMessage
			return 0
		}
		msg := &s.messages[convID][i]
		h = EditHandle{
			MessageID:      messageID,
			ConversationID: convID,
			content:        content,
			prevContent:    msg.Content,
			prevEdited:     msg.IsEdited,
			prevEditedAt:   msg.EditedAt,
		}
		now := s.clock.Now()
		msg.Content = content
		msg.IsEdited = true
		msg.EditedAt = &now
		return s.touchMessages(convID) | s.refreshLastMessage(convID)
	})
	return h, err
}

// RollbackEdit restores the previous content unless the message changed
// again since BeginEdit.
func (r *Reconciler) RollbackEdit(h EditHandle) {
	r.write(func() topic {
		s := r.s
		convID, i := s.findMessage(h.MessageID)
		if i < 0 {
			return 0
		}
		msg := &s.messages[convID][i]
		if msg.Content != h.content {
			return 0
		}
		msg.Content = h.prevContent
		msg.IsEdited = h.prevEdited
		msg.EditedAt = h.prevEditedAt
		return s.touchMessages(convID) | s.refreshLastMessage(convID)
	})
}

// ApplyDelete removes a message wherever it is.
func (r *Reconciler) ApplyDelete(messageID string) Effects {
	var eff Effects
	r.write(func() topic {
		s := r.s
		convID, i := s.findMessage(messageID)
		if i < 0 {
			eff.Anomaly = anomaly("MessageDeleted", "message_id=%s unknown message", messageID)
			return 0
		}
		return s.removeMessage(convID, i)
	})
	return eff
}

func (s *Store) removeMessage(convID string, i int) topic {
	list := s.messages[convID]
	msg := list[i]
	s.messages[convID] = removeAt(list, i)
	delete(s.pending, msg.ID)
	changed := s.touchMessages(convID) | s.refreshLastMessage(convID)
	if !msg.IsRead && msg.SenderID != s.localUserID && s.unread[convID] > 0 {
		s.unread[convID]--
		changed |= topicUnread
	}
	return changed
}

// DeleteHandle reinserts a message if a local delete is rejected.
type DeleteHandle struct {
	MessageID      string
	ConversationID string
	message        models.Message
}

// BeginDelete removes a message ahead of the server.
func (r *Reconciler) BeginDelete(messageID string) (DeleteHandle, error) {
	var (
		h   DeleteHandle
		err error
	)
	r.write(func() topic {
		s := r.s
		convID, i := s.findMessage(messageID)
		if i < 0 {
			err = ErrUnknownMessage
			return 0
		}
		h = DeleteHandle{MessageID: messageID, ConversationID: convID, message: s.messages[convID][i]}
		return s.removeMessage(convID, i)
	})
	return h, err
}

// RollbackDelete puts the message back if its conversation is still tracked.
func (r *Reconciler) RollbackDelete(h DeleteHandle) {
	r.write(func() topic {
		s := r.s
		convID := h.message.ConversationID
		if _, ok := s.conversations[convID]; !ok {
			return 0
		}
		if indexOf(s.messages[convID], h.MessageID) >= 0 {
			return 0
		}
		s.messages[convID] = insertSorted(s.messages[convID], h.message)
		changed := s.touchMessages(convID) | s.refreshLastMessage(convID)
		if !h.message.IsRead && h.message.SenderID != s.localUserID && convID != s.selected {
			s.unread[convID]++
			changed |= topicUnread
		}
		return changed
	})
}

// ApplyTyping records or refreshes a remote typing entry.
func (r *Reconciler) ApplyTyping(userID, conversationID string) Effects {
	var eff Effects
	r.write(func() topic {
		s := r.s
		if userID == s.localUserID {
			return 0
		}
		if _, ok := s.conversations[conversationID]; !ok {
			eff.Anomaly = anomaly("UserTyping", "conversation_id=%s unknown conversation", conversationID)
			return 0
		}
		users, ok := s.typing[conversationID]
		if !ok {
			users = make(map[string]time.Time)
			s.typing[conversationID] = users
		}
		users[userID] = s.clock.Now().Add(s.typingTTL)
		return s.touchTyping(conversationID)
	})
	return eff
}

// ClearTyping drops a typing entry on an explicit stop.
func (r *Reconciler) ClearTyping(userID, conversationID string) Effects {
	r.write(func() topic {
		s := r.s
		users, ok := s.typing[conversationID]
		if !ok {
			return 0
		}
		if _, ok := users[userID]; !ok {
			return 0
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(s.typing, conversationID)
		}
		return s.touchTyping(conversationID)
	})
	return Effects{}
}

// ExpireTyping removes entries whose deadline passed and returns how many.
func (r *Reconciler) ExpireTyping() int {
	removed := 0
	r.write(func() topic {
		s := r.s
		now := s.clock.Now()
		var changed topic
		for convID, users := range s.typing {
			for user, deadline := range users {
				if !deadline.After(now) {
					delete(users, user)
					removed++
					changed |= s.touchTyping(convID)
				}
			}
			if len(users) == 0 {
				delete(s.typing, convID)
			}
		}
		return changed
	})
	return removed
}

// ApplyChatClosed moves a conversation to closed.
func (r *Reconciler) ApplyChatClosed(conversationID string) Effects {
	var eff Effects
	r.write(func() topic {
		s := r.s
		conv, ok := s.conversations[conversationID]
		if !ok {
			eff.Anomaly = anomaly("ChatClosed", "conversation_id=%s unknown conversation", conversationID)
			return 0
		}
		if conv.Status == models.ChatStatusClosed {
			return 0
		}
		conv.Status = models.ChatStatusClosed
		changed := s.touch(conversationID)
		if _, ok := s.typing[conversationID]; ok {
			delete(s.typing, conversationID)
			changed |= s.touchTyping(conversationID)
		}
		return changed
	})
	return eff
}

// ApplyChatTransferred reassigns a conversation. In operator mode a transfer
// to somebody else drops the conversation and clears the selection.
func (r *Reconciler) ApplyChatTransferred(conversationID, newOperatorID string) Effects {
	var eff Effects
	r.write(func() topic {
		s := r.s
		conv, ok := s.conversations[conversationID]
		if !ok {
			if newOperatorID == s.localUserID {
				eff.Refresh = true
				return 0
			}
			eff.Anomaly = anomaly("ChatTransferred", "conversation_id=%s unknown conversation", conversationID)
			return 0
		}
		if s.operatorMode && newOperatorID != s.localUserID {
			eff.Leave = []string{conversationID}
			return s.dropConversation(conversationID)
		}
		op := newOperatorID
		conv.AssignedOperatorID = &op
		return s.touch(conversationID)
	})
	return eff
}

func (s *Store) dropConversation(id string) topic {
	changed := topicConversations
	if s.unread[id] > 0 {
		changed |= topicUnread
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.loaded, id)
	delete(s.typing, id)
	delete(s.unread, id)
	for pid, p := range s.pending {
		if p.conversationID == id {
			delete(s.pending, pid)
		}
	}
	if s.selected == id {
		s.selected = ""
		changed |= topicSelected | topicMessages | topicTyping
	}
	return changed
}

func (r *Reconciler) setParticipantActive(event, conversationID string, p models.Participant, active bool, at time.Time) Effects {
	var eff Effects
	r.write(func() topic {
		s := r.s
		conv, ok := s.conversations[conversationID]
		if !ok {
			eff.Anomaly = anomaly(event, "conversation_id=%s unknown conversation", conversationID)
			return 0
		}
		if at.IsZero() {
			at = s.clock.Now()
		}
		for i := range conv.Participants {
			existing := &conv.Participants[i]
			if existing.UserID != p.UserID {
				continue
			}
			existing.IsActive = active
			if active {
				existing.LeftAt = nil
				if p.Role != "" {
					existing.Role = p.Role
				}
			} else {
				left := at
				existing.LeftAt = &left
			}
			return s.touch(conversationID)
		}
		if !active {
			return 0
		}
		p.IsActive = true
		if p.JoinedAt.IsZero() {
			p.JoinedAt = at
		}
		if p.Role == "" {
			p.Role = models.RoleMember
		}
		conv.Participants = append(conv.Participants, p)
		return s.touch(conversationID)
	})
	return eff
}

// SetConnectionState records a transport transition. A reconnect asks the
// caller to re-join every tracked topic and reload the list.
func (r *Reconciler) SetConnectionState(state models.ConnState, reconnected bool) Effects {
	var eff Effects
	observability.SetConnectionState(string(state))
	r.write(func() topic {
		s := r.s
		var changed topic
		if s.conn != state {
			s.conn = state
			changed = topicConnection
		}
		if state == models.ConnConnected && reconnected {
			eff.Reconnected = true
			eff.Refresh = true
			eff.Join = s.trackedIDsLocked()
		}
		return changed
	})
	return eff
}

// SelectResult tells the caller what selecting a conversation requires.
type SelectResult struct {
	NeedsLoad bool
	UnreadIDs []string
}

// Select sets the selected conversation. An empty id clears the selection.
func (r *Reconciler) Select(conversationID string) (SelectResult, error) {
	var (
		res SelectResult
		err error
	)
	r.write(func() topic {
		s := r.s
		if conversationID == "" {
			s.selected = ""
			return topicSelected | topicMessages | topicTyping
		}
		if _, ok := s.conversations[conversationID]; !ok {
			err = ErrUnknownConversation
			return 0
		}
		s.selected = conversationID
		res.NeedsLoad = !s.loaded[conversationID]
		res.UnreadIDs = s.unreadIDsLocked(conversationID)
		return topicConversations | topicSelected | topicMessages | topicTyping
	})
	return res, err
}

func (s *Store) unreadIDsLocked(conversationID string) []string {
	var ids []string
	for _, m := range s.messages[conversationID] {
		if !m.IsRead && m.SenderID != s.localUserID && !m.Pending() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// UnreadIDs lists remote messages not yet read in a conversation.
func (r *Reconciler) UnreadIDs(conversationID string) []string {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadIDsLocked(conversationID)
}

// ClearUnread marks messages read locally and zeroes the counter. Callers
// invoke it once the mark-read calls have been issued.
func (r *Reconciler) ClearUnread(conversationID string, messageIDs []string) {
	r.write(func() topic {
		s := r.s
		if _, ok := s.conversations[conversationID]; !ok {
			return 0
		}
		var changed topic
		now := s.clock.Now()
		list := s.messages[conversationID]
		for _, id := range messageIDs {
			i := indexOf(list, id)
			if i < 0 || list[i].IsRead {
				continue
			}
			at := now
			list[i].IsRead = true
			list[i].ReadAt = &at
			list[i].ReadBy = s.localUserID
			changed |= s.touchMessages(conversationID)
		}
		if s.unread[conversationID] != 0 {
			s.unread[conversationID] = 0
			changed |= topicUnread
		}
		return changed
	})
}

// UpsertConversation inserts or replaces a conversation and reports whether
// it was new.
func (r *Reconciler) UpsertConversation(conv models.Conversation) bool {
	created := false
	r.write(func() topic {
		s := r.s
		existing, ok := s.conversations[conv.ID]
		if !ok {
			c := conv.Clone()
			s.conversations[conv.ID] = &c
			created = true
			return s.touch(conv.ID)
		}
		mergeConversation(existing, conv)
		return s.touch(conv.ID)
	})
	return created
}

// SetDetails merges full details, including participants, into a tracked
// conversation. Unknown ids are ignored so a late response cannot
// resurrect a dropped conversation.
func (r *Reconciler) SetDetails(details models.ChatDetails) bool {
	found := false
	r.write(func() topic {
		s := r.s
		existing, ok := s.conversations[details.ID]
		if !ok {
			return 0
		}
		found = true
		mergeConversation(existing, details.Conversation)
		return s.touch(details.ID)
	})
	return found
}

func mergeConversation(dst *models.Conversation, src models.Conversation) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.Status.Rank() > dst.Status.Rank() {
		dst.Status = src.Status
	}
	if src.AssignedOperatorID != nil {
		op := *src.AssignedOperatorID
		dst.AssignedOperatorID = &op
	}
	dst.Priority = src.Priority
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	if src.LastActivityAt != nil && (dst.LastActivityAt == nil || src.LastActivityAt.After(*dst.LastActivityAt)) {
		at := *src.LastActivityAt
		dst.LastActivityAt = &at
		if src.LastMessage != "" {
			dst.LastMessage = src.LastMessage
		}
	}
	if src.Participants != nil {
		dst.Participants = src.Clone().Participants
	}
}

// MergeResult reports how a list reload changed the tracked set.
type MergeResult struct {
	// Added lists open conversations seen for the first time.
	Added []string
	// Dropped lists conversations the reload shows assigned to another
	// operator. Only operator mode drops.
	Dropped []string
}

// MergeConversations folds a list reload into the store. Status only moves
// forward, so a reload never reopens a closed conversation. Otherwise
// conversations are removed only in operator mode, when the reload shows
// them assigned elsewhere.
func (r *Reconciler) MergeConversations(summaries []models.ConversationSummary) MergeResult {
	var res MergeResult
	r.write(func() topic {
		s := r.s
		var changed topic
		for _, sum := range summaries {
			if sum.ID == "" {
				continue
			}
			existing, known := s.conversations[sum.ID]
			if s.operatorMode && assignedElsewhere(sum.Conversation, s.localUserID) {
				if known {
					changed |= s.dropConversation(sum.ID)
					res.Dropped = append(res.Dropped, sum.ID)
				}
				continue
			}
			if known {
				wasClosed := existing.Status == models.ChatStatusClosed
				mergeConversation(existing, sum.Conversation)
				if !wasClosed && existing.Status == models.ChatStatusClosed {
					if _, ok := s.typing[sum.ID]; ok {
						delete(s.typing, sum.ID)
						changed |= s.touchTyping(sum.ID)
					}
				}
			} else {
				c := sum.Conversation.Clone()
				s.conversations[sum.ID] = &c
				if c.Status != models.ChatStatusClosed {
					res.Added = append(res.Added, sum.ID)
				}
			}
			changed |= s.touch(sum.ID)
			if sum.ID != s.selected && s.unread[sum.ID] != sum.UnreadCount {
				s.unread[sum.ID] = sum.UnreadCount
				changed |= topicUnread
			}
		}
		return changed
	})
	return res
}

func assignedElsewhere(conv models.Conversation, localUserID string) bool {
	return conv.AssignedOperatorID != nil && *conv.AssignedOperatorID != "" && *conv.AssignedOperatorID != localUserID
}

// MergeMessages folds a page of history into a conversation whether or not
// it is still selected.
func (r *Reconciler) MergeMessages(conversationID string, page []models.Message) error {
	var err error
	r.write(func() topic {
		s := r.s
		conv, ok := s.conversations[conversationID]
		if !ok {
			err = ErrUnknownConversation
			return 0
		}
		list := s.messages[conversationID]
		for _, m := range page {
			if m.ConversationID == "" {
				m.ConversationID = conversationID
			}
			m.Delivery = models.DeliverySent
			if i := indexOf(list, m.ID); i >= 0 {
				if list[i].IsRead && !m.IsRead {
					m.IsRead, m.ReadAt, m.ReadBy = true, list[i].ReadAt, list[i].ReadBy
				}
				list = removeAt(list, i)
				list = insertSorted(list, m)
				continue
			}
			// History only adopts a pending send it names; a content match
			// may be an older message with the same text.
			if pendingID, ok := s.pendingByClientID(m); ok {
				s.pending[pendingID].confirmedID = m.ID
				if i := indexOf(list, pendingID); i >= 0 {
					list = removeAt(list, i)
				}
			}
			list = insertSorted(list, m)
		}
		s.messages[conversationID] = list
		s.loaded[conversationID] = true
		changed := s.touchMessages(conversationID)
		if len(list) > 0 {
			changed |= s.bumpActivity(conv, list[len(list)-1])
		}
		return changed
	})
	return err
}

// PresenceHandle undoes an optimistic presence change.
type PresenceHandle struct {
	Previous models.OperatorStatus
	seq      uint64
}

// BeginPresence sets the local operator presence ahead of the server.
func (r *Reconciler) BeginPresence(status models.OperatorStatus) PresenceHandle {
	var h PresenceHandle
	r.write(func() topic {
		s := r.s
		s.presenceSeq++
		h = PresenceHandle{Previous: s.presence, seq: s.presenceSeq}
		if s.presence == status {
			return 0
		}
		s.presence = status
		return topicPresence
	})
	return h
}

// RollbackPresence restores the previous presence unless a newer change
// happened since.
func (r *Reconciler) RollbackPresence(h PresenceHandle) {
	r.write(func() topic {
		s := r.s
		if s.presenceSeq != h.seq || s.presence == h.Previous {
			return 0
		}
		s.presence = h.Previous
		return topicPresence
	})
}
