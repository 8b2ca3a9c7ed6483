package store

import (
	"sort"
	"time"

	"chat-sync/internal/models"
)

func copyMessages(list []models.Message) []models.Message {
	if list == nil {
		return nil
	}
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}

func indexOf(list []models.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted keeps list ordered by CreatedAt; equal timestamps keep
// arrival order.
func insertSorted(list []models.Message, msg models.Message) []models.Message {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(msg.CreatedAt)
	})
	list = append(list, models.Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	return list
}

func removeAt(list []models.Message, i int) []models.Message {
	return append(list[:i:i], list[i+1:]...)
}

// findMessage scans every conversation for a message id.
func (s *Store) findMessage(id string) (string, int) {
	for convID, list := range s.messages {
		if i := indexOf(list, id); i >= 0 {
			return convID, i
		}
	}
	return "", -1
}

// echoSkew bounds how far a server timestamp may trail the local clock and
// still belong to a send begun locally.
const echoSkew = 5 * time.Second

// pendingByClientID returns the unconfirmed send named by the message's
// client id.
func (s *Store) pendingByClientID(msg models.Message) (string, bool) {
	if msg.ClientID == "" {
		return "", false
	}
	p, ok := s.pending[msg.ClientID]
	if !ok || p.confirmedID != "" || p.conversationID != msg.ConversationID {
		return "", false
	}
	return msg.ClientID, true
}

// matchPending returns the unconfirmed send that a pushed message echoes:
// the one named by its client id, else the oldest with the same
// conversation, sender and content inside the echo window. A message created
// before the send began cannot be its echo.
func (s *Store) matchPending(msg models.Message) (string, bool) {
	if id, ok := s.pendingByClientID(msg); ok {
		return id, true
	}
	now := s.clock.Now()
	var (
		bestID string
		best   *pendingSend
	)
	for id, p := range s.pending {
		if p.confirmedID != "" ||
			p.conversationID != msg.ConversationID ||
			p.senderID != msg.SenderID ||
			p.content != msg.Content ||
			now.Sub(p.beganAt) > s.echoWindow {
			continue
		}
		if !msg.CreatedAt.IsZero() && msg.CreatedAt.Before(p.beganAt.Add(-echoSkew)) {
			continue
		}
		if best == nil || p.beganAt.Before(best.beganAt) || (p.beganAt.Equal(best.beganAt) && id < bestID) {
			bestID, best = id, p
		}
	}
	return bestID, best != nil
}
