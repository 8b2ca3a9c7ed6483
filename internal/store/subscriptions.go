package store

import (
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

type topic uint8

const (
	topicConversations topic = 1 << iota
	topicSelected
	topicMessages
	topicTyping
	topicUnread
	topicConnection
	topicPresence
)

type subscriberSet[T any] struct {
	next int
	fns  map[int]func(T)
}

func (set *subscriberSet[T]) add(fn func(T)) int {
	if set.fns == nil {
		set.fns = make(map[int]func(T))
	}
	set.next++
	set.fns[set.next] = fn
	return set.next
}

func (set *subscriberSet[T]) remove(id int) {
	delete(set.fns, id)
}

func (set *subscriberSet[T]) deliveries(value func() T) []func() {
	if len(set.fns) == 0 {
		return nil
	}
	v := value()
	out := make([]func(), 0, len(set.fns))
	for _, fn := range set.fns {
		fn := fn
		out = append(out, func() { fn(v) })
	}
	return out
}

type subscriptions struct {
	conversations subscriberSet[[]models.Conversation]
	selected      subscriberSet[*models.Conversation]
	messages      subscriberSet[[]models.Message]
	typing        subscriberSet[[]string]
	unread        subscriberSet[int]
	connection    subscriberSet[models.ConnState]
	presence      subscriberSet[models.OperatorStatus]
}

func newSubscriptions() subscriptions {
	return subscriptions{}
}

// collect computes the values for every changed topic. Called with mu held
// for writing and wmu held.
func (s *Store) collect(changed topic) []func() {
	if changed&topicUnread != 0 {
		observability.SetUnreadTotal(s.totalUnreadLocked())
	}
	observability.SetPendingMessages(s.pendingCountLocked())

	var out []func()
	if changed&topicConversations != 0 {
		out = append(out, s.subs.conversations.deliveries(s.conversationsLocked)...)
	}
	if changed&topicSelected != 0 {
		out = append(out, s.subs.selected.deliveries(s.selectedPtrLocked)...)
	}
	if changed&topicMessages != 0 {
		out = append(out, s.subs.messages.deliveries(s.selectedMessagesLocked)...)
	}
	if changed&topicTyping != 0 {
		out = append(out, s.subs.typing.deliveries(s.selectedTypingLocked)...)
	}
	if changed&topicUnread != 0 {
		out = append(out, s.subs.unread.deliveries(s.totalUnreadLocked)...)
	}
	if changed&topicConnection != 0 {
		out = append(out, s.subs.connection.deliveries(func() models.ConnState { return s.conn })...)
	}
	if changed&topicPresence != 0 {
		out = append(out, s.subs.presence.deliveries(func() models.OperatorStatus { return s.presence })...)
	}
	return out
}

func (s *Store) selectedPtrLocked() *models.Conversation {
	conv, ok := s.selectedLocked()
	if !ok {
		return nil
	}
	return &conv
}

func (s *Store) selectedMessagesLocked() []models.Message {
	if s.selected == "" {
		return nil
	}
	return copyMessages(s.messages[s.selected])
}

func (s *Store) selectedTypingLocked() []string {
	if s.selected == "" {
		return nil
	}
	return s.typingUsersLocked(s.selected, s.clock.Now())
}

// subscribe registers fn and hands it the current value. Callbacks run on
// the writer's goroutine with the writer lock held; they must not mutate the
// store, subscribe or unsubscribe.
func subscribe[T any](s *Store, set *subscriberSet[T], fn func(T), current func() T) func() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	id := set.add(fn)
	s.mu.RLock()
	v := current()
	s.mu.RUnlock()
	fn(v)
	return func() {
		s.wmu.Lock()
		set.remove(id)
		s.wmu.Unlock()
	}
}

// SubscribeConversations observes the conversation list.
func (s *Store) SubscribeConversations(fn func([]models.Conversation)) func() {
	return subscribe(s, &s.subs.conversations, fn, s.conversationsLocked)
}

// SubscribeSelected observes the selected conversation; nil means none.
func (s *Store) SubscribeSelected(fn func(*models.Conversation)) func() {
	return subscribe(s, &s.subs.selected, fn, s.selectedPtrLocked)
}

// SubscribeSelectedMessages observes the messages of the selected conversation.
func (s *Store) SubscribeSelectedMessages(fn func([]models.Message)) func() {
	return subscribe(s, &s.subs.messages, fn, s.selectedMessagesLocked)
}

// SubscribeTypingUsers observes who is typing in the selected conversation.
func (s *Store) SubscribeTypingUsers(fn func([]string)) func() {
	return subscribe(s, &s.subs.typing, fn, s.selectedTypingLocked)
}

// SubscribeUnreadTotal observes the total unread count.
func (s *Store) SubscribeUnreadTotal(fn func(int)) func() {
	return subscribe(s, &s.subs.unread, fn, s.totalUnreadLocked)
}

func (s *Store) SubscribeConnectionState(fn func(models.ConnState)) func() {
	return subscribe(s, &s.subs.connection, fn, func() models.ConnState { return s.conn })
}

func (s *Store) SubscribePresence(fn func(models.OperatorStatus)) func() {
	return subscribe(s, &s.subs.presence, fn, func() models.OperatorStatus { return s.presence })
}
