package store

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *Reconciler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(baseTime)
	s, r := New(Options{LocalUserID: "op1", OperatorMode: true, Clock: clock})
	return s, r, clock
}

func seed(r *Reconciler, ids ...string) {
	for _, id := range ids {
		r.UpsertConversation(models.Conversation{
			ID:        id,
			Title:     "chat " + id,
			Kind:      models.ChatKindCustomerSupport,
			Status:    models.ChatStatusActive,
			CreatedAt: baseTime.Add(-time.Hour),
		})
	}
}

func inbound(id, convID, sender, content string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
		Kind:           models.MessageKindText,
		CreatedAt:      at,
	}
}

func requireSorted(t *testing.T, list []models.Message) {
	t.Helper()
	require.True(t, sort.SliceIsSorted(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	}), "messages out of order: %+v", list)
}

func TestMessagesStaySortedAfterEveryApply(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	r.ApplyInboundMessage(inbound("m3", "c1", "u1", "third", baseTime.Add(3*time.Second)))
	requireSorted(t, s.Messages("c1"))
	r.ApplyInboundMessage(inbound("m1", "c1", "u1", "first", baseTime.Add(1*time.Second)))
	requireSorted(t, s.Messages("c1"))
	r.ApplyInboundMessage(inbound("m2", "c1", "u2", "second", baseTime.Add(2*time.Second)))
	requireSorted(t, s.Messages("c1"))

	_, err := r.BeginSend("c1", "mine", models.MessageKindText)
	require.NoError(t, err)
	requireSorted(t, s.Messages("c1"))

	r.ApplyEdit("m2", "second (edited)", baseTime.Add(5*time.Second))
	requireSorted(t, s.Messages("c1"))

	r.ApplyDelete("m1")
	requireSorted(t, s.Messages("c1"))

	list := s.Messages("c1")
	require.Len(t, list, 3)
	assert.Equal(t, []string{"m2", "m3"}, []string{list[1].ID, list[2].ID})
	assert.Equal(t, "second (edited)", list[1].Content)
	assert.True(t, list[1].IsEdited)
}

func TestApplyInboundMessageIsIdempotent(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	msg := inbound("m1", "c1", "u1", "hi", baseTime)
	r.ApplyInboundMessage(msg)
	before := s.Snapshot()

	eff := r.ApplyInboundMessage(msg)
	after := s.Snapshot()

	assert.Empty(t, eff.Anomaly)
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, 1, s.Unread("c1"))
}

func TestTypingEntriesExpireWithoutRefresh(t *testing.T) {
	s, r, clock := newTestStore(t)
	seed(r, "c1")

	r.ApplyTyping("u1", "c1")
	assert.Equal(t, []string{"u1"}, s.TypingUsers("c1"))

	clock.Advance(2 * time.Second)
	r.ApplyTyping("u1", "c1")
	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"u1"}, s.TypingUsers("c1"), "refresh re-arms the deadline")

	clock.Advance(1 * time.Second)
	assert.Empty(t, s.TypingUsers("c1"))
	assert.Equal(t, 1, r.ExpireTyping())
	assert.Equal(t, 0, r.ExpireTyping())
}

func TestTypingIgnoresLocalUserAndClearsOnMessage(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	r.ApplyTyping("op1", "c1")
	assert.Empty(t, s.TypingUsers("c1"))

	r.ApplyTyping("u1", "c1")
	r.ApplyInboundMessage(inbound("m1", "c1", "u1", "done typing", baseTime))
	assert.Empty(t, s.TypingUsers("c1"))
}

func TestUnreadAccounting(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1", "other")
	_, err := r.Select("other")
	require.NoError(t, err)

	for i, id := range []string{"m1", "m2", "m3"} {
		r.ApplyInboundMessage(inbound(id, "c1", "u1", "hello", baseTime.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 3, s.Unread("c1"))
	assert.Equal(t, 3, s.TotalUnread())

	res, err := r.Select("c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, res.UnreadIDs)

	r.ClearUnread("c1", res.UnreadIDs)
	assert.Equal(t, 0, s.Unread("c1"))
	for _, m := range s.Messages("c1") {
		assert.True(t, m.IsRead)
		assert.Equal(t, "op1", m.ReadBy)
	}
}

func TestOwnMessagesDoNotCountAsUnread(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	r.ApplyInboundMessage(inbound("m1", "c1", "op1", "from another tab", baseTime))
	assert.Equal(t, 0, s.Unread("c1"))
}

func TestInboundToSelectedConversationRequestsMarkRead(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")
	_, err := r.Select("c1")
	require.NoError(t, err)

	eff := r.ApplyInboundMessage(inbound("m1", "c1", "u1", "hi", baseTime))
	assert.Equal(t, []string{"m1"}, eff.MarkRead)
	assert.Equal(t, 0, s.Unread("c1"))
}

func TestScenarioUnreadResetOnSelect(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c2")
	require.Equal(t, 0, s.Unread("c2"))

	r.ApplyInboundMessage(inbound("m1", "c2", "u9", "ping", baseTime))
	assert.Equal(t, 1, s.Unread("c2"))

	res, err := r.Select("c2")
	require.NoError(t, err)
	r.ClearUnread("c2", res.UnreadIDs)
	assert.Equal(t, 0, s.Unread("c2"))
}

func TestTransferAwayRemovesAndDeselects(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1", "c2")
	r.ApplyInboundMessage(inbound("m1", "c1", "u1", "hi", baseTime))
	_, err := r.Select("c1")
	require.NoError(t, err)

	eff := r.ApplyChatTransferred("c1", "op2")

	assert.Equal(t, []string{"c1"}, eff.Leave)
	_, ok := s.Conversation("c1")
	assert.False(t, ok)
	assert.Empty(t, s.SelectedID())
	assert.Empty(t, s.Messages("c1"))
	assert.Equal(t, []string{"c2"}, s.TrackedConversationIDs())
}

func TestTransferToLocalOperatorKeepsConversation(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	eff := r.ApplyChatTransferred("c1", "op1")
	assert.Empty(t, eff.Leave)
	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, conv.AssignedOperatorID)
	assert.Equal(t, "op1", *conv.AssignedOperatorID)

	eff = r.ApplyChatTransferred("unknown", "op1")
	assert.True(t, eff.Refresh)
	assert.Empty(t, eff.Anomaly)
}

func TestTransferInCustomerModeOnlyReassigns(t *testing.T) {
	clock := clockwork.NewFakeClockAt(baseTime)
	s, r := New(Options{LocalUserID: "cust1", Clock: clock})
	seed(r, "c1")

	eff := r.ApplyChatTransferred("c1", "op2")
	assert.Empty(t, eff.Leave)
	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "op2", *conv.AssignedOperatorID)
}

func TestOptimisticSendCollapsesWithEchoBeforeCommit(t *testing.T) {
	s, r, clock := newTestStore(t)
	r.UpsertConversation(models.Conversation{ID: "c1", Title: "Support #1", Kind: models.ChatKindCustomerSupport, Status: models.ChatStatusActive})
	_, err := r.Select("c1")
	require.NoError(t, err)

	pending, err := r.BeginSend("c1", "Hello", models.MessageKindText)
	require.NoError(t, err)
	assert.True(t, len(pending.ID) > len(models.PendingIDPrefix))
	assert.Equal(t, models.PendingIDPrefix, pending.ID[:len(models.PendingIDPrefix)])
	require.Len(t, s.Messages("c1"), 1, "optimistic entry is visible immediately")
	assert.Equal(t, 1, s.PendingCount())

	clock.Advance(200 * time.Millisecond)
	r.ApplyInboundMessage(inbound("srv-99", "c1", "op1", "Hello", clock.Now()))

	list := s.Messages("c1")
	require.Len(t, list, 1)
	assert.Equal(t, "srv-99", list[0].ID)
	assert.Equal(t, models.DeliverySent, list[0].Delivery)

	require.NoError(t, r.CommitSend(pending.ID, models.Message{ID: "srv-99", CreatedAt: clock.Now()}))
	require.Len(t, s.Messages("c1"), 1)
	assert.Equal(t, 0, s.PendingCount())
}

func TestOptimisticSendCollapsesWithEchoAfterCommit(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	pending, err := r.BeginSend("c1", "Hello", models.MessageKindText)
	require.NoError(t, err)
	require.NoError(t, r.CommitSend(pending.ID, models.Message{ID: "srv-99", CreatedAt: baseTime}))

	r.ApplyInboundMessage(inbound("srv-99", "c1", "op1", "Hello", baseTime))

	list := s.Messages("c1")
	require.Len(t, list, 1)
	assert.Equal(t, "srv-99", list[0].ID)
	conv, _ := s.Conversation("c1")
	assert.Equal(t, "Hello", conv.LastMessage)
}

func TestIdenticalSendsConfirmInOrder(t *testing.T) {
	s, r, clock := newTestStore(t)
	seed(r, "c1")

	first, err := r.BeginSend("c1", "ok", models.MessageKindText)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	second, err := r.BeginSend("c1", "ok", models.MessageKindText)
	require.NoError(t, err)

	r.ApplyInboundMessage(inbound("s1", "c1", "op1", "ok", clock.Now()))
	r.ApplyInboundMessage(inbound("s2", "c1", "op1", "ok", clock.Now()))
	require.NoError(t, r.CommitSend(first.ID, models.Message{ID: "s1"}))
	require.NoError(t, r.CommitSend(second.ID, models.Message{ID: "s2"}))

	ids := []string{}
	for _, m := range s.Messages("c1") {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func TestRollbackMarksFailedAndRetryRearms(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	pending, err := r.BeginSend("c1", "Hello", models.MessageKindText)
	require.NoError(t, err)
	require.NoError(t, r.RollbackSend(pending.ID, errors.New("network down")))

	list := s.Messages("c1")
	require.Len(t, list, 1)
	assert.Equal(t, models.DeliveryFailed, list[0].Delivery)
	assert.Equal(t, "network down", list[0].FailureReason)

	retried, err := r.RetrySend(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, retried.Delivery)
	assert.Equal(t, "Hello", retried.Content)

	_, err = r.RetrySend(pending.ID)
	assert.ErrorIs(t, err, ErrNotFailed)

	require.NoError(t, r.RollbackSend(pending.ID, errors.New("still down")))
	require.NoError(t, r.DiscardFailed(pending.ID))
	assert.Empty(t, s.Messages("c1"))
	assert.ErrorIs(t, r.CommitSend(pending.ID, models.Message{ID: "x"}), ErrUnknownPending)
}

func TestBeginSendRejectsUnknownAndClosed(t *testing.T) {
	_, r, _ := newTestStore(t)
	seed(r, "c1")

	_, err := r.BeginSend("nope", "hi", models.MessageKindText)
	assert.ErrorIs(t, err, ErrUnknownConversation)

	r.ApplyChatClosed("c1")
	_, err = r.BeginSend("c1", "hi", models.MessageKindText)
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestEditAndDeleteRollback(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")
	r.ApplyInboundMessage(inbound("m1", "c1", "op1", "original", baseTime))

	h, err := r.BeginEdit("m1", "changed")
	require.NoError(t, err)
	assert.Equal(t, "changed", s.Messages("c1")[0].Content)
	r.RollbackEdit(h)
	assert.Equal(t, "original", s.Messages("c1")[0].Content)
	assert.False(t, s.Messages("c1")[0].IsEdited)

	d, err := r.BeginDelete("m1")
	require.NoError(t, err)
	assert.Empty(t, s.Messages("c1"))
	r.RollbackDelete(d)
	require.Len(t, s.Messages("c1"), 1)

	_, err = r.BeginEdit("missing", "x")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestDeleteOfUnreadMessageDecrementsCounter(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")
	r.ApplyInboundMessage(inbound("m1", "c1", "u1", "a", baseTime))
	r.ApplyInboundMessage(inbound("m2", "c1", "u1", "b", baseTime.Add(time.Second)))
	require.Equal(t, 2, s.Unread("c1"))

	r.ApplyDelete("m2")
	assert.Equal(t, 1, s.Unread("c1"))
	conv, _ := s.Conversation("c1")
	assert.Equal(t, "a", conv.LastMessage)
}

func TestUnknownReferencesAreAnomalies(t *testing.T) {
	_, r, _ := newTestStore(t)

	eff := r.Apply(models.NewMessage{Message: inbound("m1", "ghost", "u1", "hi", baseTime)})
	assert.NotEmpty(t, eff.Anomaly)
	assert.True(t, eff.Refresh)

	assert.NotEmpty(t, r.Apply(models.MessageEdited{MessageID: "ghost"}).Anomaly)
	assert.NotEmpty(t, r.Apply(models.MessageDeleted{MessageID: "ghost"}).Anomaly)
	assert.NotEmpty(t, r.Apply(models.ChatClosed{ConversationID: "ghost"}).Anomaly)
	assert.NotEmpty(t, r.Apply(models.UserTyping{ConversationID: "ghost", UserID: "u1", IsTyping: true}).Anomaly)
}

func TestMergeMessagesForUnselectedConversation(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1", "c2")
	_, err := r.Select("c1")
	require.NoError(t, err)
	_, err = r.Select("c2")
	require.NoError(t, err)

	require.NoError(t, r.MergeMessages("c1", []models.Message{
		inbound("m2", "c1", "u1", "two", baseTime.Add(2*time.Second)),
		inbound("m1", "c1", "u1", "one", baseTime.Add(time.Second)),
	}))

	assert.True(t, s.MessagesLoaded("c1"))
	list := s.Messages("c1")
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].ID)

	assert.ErrorIs(t, r.MergeMessages("ghost", nil), ErrUnknownConversation)
}

func TestOlderHistoryWithSameTextDoesNotConfirmSend(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	pending, err := r.BeginSend("c1", "ok", models.MessageKindText)
	require.NoError(t, err)

	require.NoError(t, r.MergeMessages("c1", []models.Message{
		inbound("srv-old", "c1", "op1", "ok", baseTime.Add(-time.Hour)),
	}))
	assert.Equal(t, 1, s.PendingCount(), "history without a client id leaves the send pending")

	require.NoError(t, r.CommitSend(pending.ID, models.Message{ID: "srv-new", CreatedAt: baseTime}))

	list := s.Messages("c1")
	ids := []string{}
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"srv-old", "srv-new"}, ids)
	assert.Equal(t, 0, s.PendingCount())
}

func TestOlderPushWithSameTextDoesNotConfirmSend(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	pending, err := r.BeginSend("c1", "ok", models.MessageKindText)
	require.NoError(t, err)

	r.ApplyInboundMessage(inbound("srv-old", "c1", "op1", "ok", baseTime.Add(-time.Minute)))
	require.Len(t, s.Messages("c1"), 2)
	assert.Equal(t, 1, s.PendingCount())

	require.NoError(t, r.CommitSend(pending.ID, models.Message{ID: "srv-new", CreatedAt: baseTime}))
	ids := []string{}
	for _, m := range s.Messages("c1") {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"srv-old", "srv-new"}, ids)
}

func TestMergeMessagesWhileSendPending(t *testing.T) {
	s, r, clock := newTestStore(t)
	seed(r, "c1")
	_, err := r.Select("c1")
	require.NoError(t, err)

	clock.Advance(time.Second)
	pending, err := r.BeginSend("c1", "hello", models.MessageKindText)
	require.NoError(t, err)

	require.NoError(t, r.MergeMessages("c1", []models.Message{
		inbound("m1", "c1", "u1", "hi", baseTime),
	}))

	list := s.Messages("c1")
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, pending.ID, list[1].ID)
	assert.Equal(t, models.DeliveryPending, list[1].Delivery)
	assert.Equal(t, 1, s.PendingCount())

	echo := inbound("srv-1", "c1", "op1", "hello", clock.Now())
	echo.ClientID = pending.ID
	require.NoError(t, r.MergeMessages("c1", []models.Message{echo}))

	list = s.Messages("c1")
	require.Len(t, list, 2)
	assert.Equal(t, "srv-1", list[1].ID)
	assert.Equal(t, models.DeliverySent, list[1].Delivery)

	require.NoError(t, r.CommitSend(pending.ID, models.Message{ID: "srv-1", CreatedAt: clock.Now()}))
	assert.Len(t, s.Messages("c1"), 2)
	assert.Equal(t, 0, s.PendingCount())
}

func TestMergeMessagesWithOwnEarlierMessages(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1", "c2")
	_, err := r.Select("c2")
	require.NoError(t, err)

	require.NoError(t, r.MergeMessages("c1", []models.Message{
		inbound("m1", "c1", "op1", "ok", baseTime.Add(-2*time.Minute)),
		inbound("m2", "c1", "u1", "thanks", baseTime.Add(-time.Minute)),
		inbound("m3", "c1", "op1", "ok", baseTime.Add(-30*time.Second)),
	}))

	list := s.Messages("c1")
	require.Len(t, list, 3)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, "m3", list[2].ID)
	for _, m := range list {
		assert.Equal(t, models.DeliverySent, m.Delivery)
	}
	assert.Equal(t, 0, s.PendingCount())
	conv, _ := s.Conversation("c1")
	assert.Equal(t, "ok", conv.LastMessage)
}

func TestMergeConversationsKeepsStatusMonotonic(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")
	r.ApplyChatClosed("c1")

	res := r.MergeConversations([]models.ConversationSummary{
		{Conversation: models.Conversation{ID: "c1", Status: models.ChatStatusActive}, UnreadCount: 2},
		{Conversation: models.Conversation{ID: "c9", Status: models.ChatStatusPending, Title: "new"}, UnreadCount: 1},
	})

	assert.Equal(t, []string{"c9"}, res.Added)
	assert.Empty(t, res.Dropped)
	conv, _ := s.Conversation("c1")
	assert.Equal(t, models.ChatStatusClosed, conv.Status)
	assert.Equal(t, 2, s.Unread("c1"))
	assert.Equal(t, 1, s.Unread("c9"))
}

func TestMergeConversationsCorrectsMissedCloseAndTransfer(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1", "c2", "c3")
	_, err := r.Select("c2")
	require.NoError(t, err)
	r.Apply(models.UserTyping{ConversationID: "c1", UserID: "u1", IsTyping: true})

	op2, op1 := "op2", "op1"
	res := r.MergeConversations([]models.ConversationSummary{
		{Conversation: models.Conversation{ID: "c1", Status: models.ChatStatusClosed, AssignedOperatorID: &op1}},
		{Conversation: models.Conversation{ID: "c2", Status: models.ChatStatusActive, AssignedOperatorID: &op2}},
		{Conversation: models.Conversation{ID: "c4", Status: models.ChatStatusClosed}},
		{Conversation: models.Conversation{ID: "c5", Status: models.ChatStatusActive, AssignedOperatorID: &op2}},
	})

	assert.Empty(t, res.Added, "closed and foreign chats are not joined")
	assert.Equal(t, []string{"c2"}, res.Dropped)

	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, models.ChatStatusClosed, conv.Status)
	assert.Empty(t, s.TypingUsers("c1"))

	_, ok = s.Conversation("c2")
	assert.False(t, ok)
	assert.Empty(t, s.SelectedID())

	_, ok = s.Conversation("c4")
	assert.True(t, ok, "closed history is still listed")
	_, ok = s.Conversation("c5")
	assert.False(t, ok)
	_, ok = s.Conversation("c3")
	assert.True(t, ok, "a reload never removes unlisted chats")
}

func TestMergeConversationsInCustomerModeNeverDrops(t *testing.T) {
	clock := clockwork.NewFakeClockAt(baseTime)
	s, r := New(Options{LocalUserID: "cust1", Clock: clock})
	seed(r, "c1")

	op2 := "op2"
	res := r.MergeConversations([]models.ConversationSummary{
		{Conversation: models.Conversation{ID: "c1", Status: models.ChatStatusActive, AssignedOperatorID: &op2}},
	})

	assert.Empty(t, res.Dropped)
	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "op2", *conv.AssignedOperatorID)
}

func TestParticipantEvents(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	r.Apply(models.ParticipantAdded{ConversationID: "c1", Participant: models.Participant{UserID: "u1", Role: models.RoleModerator}})
	r.Apply(models.UserLeftChat{ConversationID: "c1", UserID: "u1", At: baseTime})

	conv, _ := s.Conversation("c1")
	require.Len(t, conv.Participants, 1)
	assert.False(t, conv.Participants[0].IsActive)
	assert.Equal(t, models.RoleModerator, conv.Participants[0].Role)
	require.NotNil(t, conv.Participants[0].LeftAt)

	r.Apply(models.UserJoinedChat{ConversationID: "c1", UserID: "u1", At: baseTime})
	conv, _ = s.Conversation("c1")
	assert.True(t, conv.Participants[0].IsActive)
	assert.Nil(t, conv.Participants[0].LeftAt)
}

func TestReconnectAsksForRejoin(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "b", "a")

	eff := r.Apply(models.ConnectionChanged{State: models.ConnConnected})
	assert.Empty(t, eff.Join)

	r.Apply(models.ConnectionChanged{State: models.ConnDisconnected})
	eff = r.Apply(models.ConnectionChanged{State: models.ConnConnected, Reconnected: true})
	assert.True(t, eff.Reconnected)
	assert.Equal(t, []string{"a", "b"}, eff.Join)
	assert.Equal(t, models.ConnConnected, s.ConnectionState())
}

func TestPresenceRollbackOnlyUndoesLatest(t *testing.T) {
	s, r, _ := newTestStore(t)

	h := r.BeginPresence(models.OperatorBusy)
	r.RollbackPresence(h)
	assert.Equal(t, models.OperatorOffline, s.Presence())

	stale := r.BeginPresence(models.OperatorAway)
	r.BeginPresence(models.OperatorOnline)
	r.RollbackPresence(stale)
	assert.Equal(t, models.OperatorOnline, s.Presence())
}

func TestSubscribersSeeWriterOrder(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1", "c2")

	var totals []int
	unsubscribe := s.SubscribeUnreadTotal(func(n int) { totals = append(totals, n) })
	var selected []string
	s.SubscribeSelected(func(c *models.Conversation) {
		if c == nil {
			selected = append(selected, "")
			return
		}
		selected = append(selected, c.ID)
	})

	r.ApplyInboundMessage(inbound("m1", "c1", "u1", "a", baseTime))
	r.ApplyInboundMessage(inbound("m2", "c1", "u1", "b", baseTime))
	res, _ := r.Select("c1")
	r.ClearUnread("c1", res.UnreadIDs)
	unsubscribe()
	r.ApplyInboundMessage(inbound("m3", "c2", "u1", "c", baseTime))

	assert.Equal(t, []int{0, 1, 2, 0}, totals)
	assert.Equal(t, "", selected[0])
	assert.Equal(t, "c1", selected[len(selected)-1])
}

func TestSubscribeSelectedMessagesFollowsSelection(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1", "c2")
	r.ApplyInboundMessage(inbound("m1", "c1", "u1", "a", baseTime))

	var last []models.Message
	s.SubscribeSelectedMessages(func(list []models.Message) { last = list })
	assert.Empty(t, last)

	_, err := r.Select("c1")
	require.NoError(t, err)
	require.Len(t, last, 1)

	r.ApplyInboundMessage(inbound("m2", "c2", "u1", "b", baseTime))
	require.Len(t, last, 1, "messages of other conversations are not delivered")
}

func TestEchoWithClientIDMatchesExactPending(t *testing.T) {
	s, r, _ := newTestStore(t)
	seed(r, "c1")

	first, err := r.BeginSend("c1", "same", models.MessageKindText)
	require.NoError(t, err)
	second, err := r.BeginSend("c1", "same", models.MessageKindText)
	require.NoError(t, err)

	echo := inbound("s2", "c1", "op1", "same", baseTime)
	echo.ClientID = second.ID
	r.ApplyInboundMessage(echo)

	ids := []string{}
	for _, m := range s.Messages("c1") {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{first.ID, "s2"}, ids)
	assert.Equal(t, 1, s.PendingCount())
}
