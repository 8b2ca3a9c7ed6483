// Package store holds the in-memory conversation state. Reads go through
// Store and return copies; every mutation goes through the Reconciler.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"chat-sync/internal/models"
)

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrUnknownPending      = errors.New("unknown pending message")
	ErrConversationClosed  = errors.New("conversation is closed")
	ErrNotFailed           = errors.New("message has not failed")
)

const (
	DefaultTypingTTL  = 3 * time.Second
	DefaultEchoWindow = 30 * time.Second
)

// Options configures a Store.
type Options struct {
	// LocalUserID identifies the local user (the operator in operator mode).
	LocalUserID string
	// OperatorMode removes conversations transferred to other operators.
	OperatorMode bool
	// TypingTTL is how long a remote typing entry lives without refresh.
	TypingTTL time.Duration
	// EchoWindow bounds how long an optimistic message may wait for its
	// pushed echo to be matched by content.
	EchoWindow time.Duration
	Clock      clockwork.Clock
}

type pendingSend struct {
	conversationID string
	senderID       string
	content        string
	beganAt        time.Time
	confirmedID    string
	failed         bool
}

// Store is the single source of truth read by consumers.
type Store struct {
	// wmu serializes writers and subscriber delivery.
	wmu sync.Mutex
	mu  sync.RWMutex

	clock        clockwork.Clock
	localUserID  string
	operatorMode bool
	typingTTL    time.Duration
	echoWindow   time.Duration

	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	loaded        map[string]bool
	typing        map[string]map[string]time.Time
	unread        map[string]int
	pending       map[string]*pendingSend
	selected      string
	conn          models.ConnState
	presence      models.OperatorStatus
	presenceSeq   uint64

	subs subscriptions
}

// New builds an empty store and the reconciler that owns its writes.
func New(opts Options) (*Store, *Reconciler) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = DefaultEchoWindow
	}
	s := &Store{
		clock:         opts.Clock,
		localUserID:   opts.LocalUserID,
		operatorMode:  opts.OperatorMode,
		typingTTL:     opts.TypingTTL,
		echoWindow:    opts.EchoWindow,
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		loaded:        make(map[string]bool),
		typing:        make(map[string]map[string]time.Time),
		unread:        make(map[string]int),
		pending:       make(map[string]*pendingSend),
		conn:          models.ConnDisconnected,
		presence:      models.OperatorOffline,
		subs:          newSubscriptions(),
	}
	return s, &Reconciler{s: s}
}

// LocalUserID returns the id of the local user.
func (s *Store) LocalUserID() string {
	return s.localUserID
}

// Conversations returns all tracked conversations, most recent activity first.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationsLocked()
}

// Conversation returns a single conversation.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return conv.Clone(), true
}

// Messages returns the ordered messages cached for a conversation.
func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.messages[conversationID])
}

// MessagesLoaded reports whether history has been merged for a conversation.
func (s *Store) MessagesLoaded(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded[conversationID]
}

// TypingUsers returns the users currently typing in a conversation.
func (s *Store) TypingUsers(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typingUsersLocked(conversationID, s.clock.Now())
}

// Unread returns the unread counter of a conversation.
func (s *Store) Unread(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[conversationID]
}

// TotalUnread sums unread counters across tracked conversations.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalUnreadLocked()
}

// SelectedID returns the selected conversation id, empty when none.
func (s *Store) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Selected returns the selected conversation.
func (s *Store) Selected() (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedLocked()
}

func (s *Store) ConnectionState() models.ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Store) Presence() models.OperatorStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence
}

// TrackedConversationIDs returns the ids whose topics should be joined.
func (s *Store) TrackedConversationIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trackedIDsLocked()
}

// PendingCount returns the number of unconfirmed optimistic sends.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingCountLocked()
}

// Snapshot is a point-in-time copy of the whole store.
type Snapshot struct {
	Conversations []models.Conversation       `json:"conversations"`
	Messages      map[string][]models.Message `json:"messages"`
	Typing        map[string][]string         `json:"typing"`
	Unread        map[string]int              `json:"unread"`
	TotalUnread   int                         `json:"total_unread"`
	SelectedID    string                      `json:"selected_id,omitempty"`
	Connection    models.ConnState            `json:"connection"`
	Presence      models.OperatorStatus       `json:"presence"`
	Pending       int                         `json:"pending"`
	TakenAt       time.Time                   `json:"taken_at"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	snap := Snapshot{
		Conversations: s.conversationsLocked(),
		Messages:      make(map[string][]models.Message, len(s.messages)),
		Typing:        make(map[string][]string),
		Unread:        make(map[string]int, len(s.unread)),
		TotalUnread:   s.totalUnreadLocked(),
		SelectedID:    s.selected,
		Connection:    s.conn,
		Presence:      s.presence,
		Pending:       s.pendingCountLocked(),
		TakenAt:       now,
	}
	for id, list := range s.messages {
		snap.Messages[id] = copyMessages(list)
	}
	for id := range s.typing {
		if users := s.typingUsersLocked(id, now); len(users) > 0 {
			snap.Typing[id] = users
		}
	}
	for id, n := range s.unread {
		snap.Unread[id] = n
	}
	return snap
}

func (s *Store) conversationsLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].ActivityAt(), out[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) selectedLocked() (models.Conversation, bool) {
	if s.selected == "" {
		return models.Conversation{}, false
	}
	conv, ok := s.conversations[s.selected]
	if !ok {
		return models.Conversation{}, false
	}
	return conv.Clone(), true
}

func (s *Store) typingUsersLocked(conversationID string, now time.Time) []string {
	users := make([]string, 0, len(s.typing[conversationID]))
	for user, deadline := range s.typing[conversationID] {
		if deadline.After(now) {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

func (s *Store) totalUnreadLocked() int {
	total := 0
	for _, n := range s.unread {
		total += n
	}
	return total
}

func (s *Store) trackedIDsLocked() []string {
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) pendingCountLocked() int {
	n := 0
	for _, p := range s.pending {
		if p.confirmedID == "" && !p.failed {
			n++
		}
	}
	return n
}
