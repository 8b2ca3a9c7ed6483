// Package presence coordinates local typing signals and the expiry of
// remote typing entries.
package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"chat-sync/internal/ws"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultMaxWait  = 2 * time.Second
	signalTimeout   = 5 * time.Second
)

// TypingGateway is the REST half of a typing signal.
type TypingGateway interface {
	SendTypingIndicator(ctx context.Context, conversationID string, typing bool) error
}

// TypingTransport is the push-channel half of a typing signal.
type TypingTransport interface {
	SendTyping(ctx context.Context, conversationID, recipientID string, typing bool) error
}

type signal struct {
	conversationID string
	recipientID    string
	typing         bool
}

type typingState struct {
	recipientID string
	timer       clockwork.Timer
	gen         uint64
	pending     bool
	firstInput  time.Time
	active      bool
}

// Typer debounces keystroke activity into typing signals. Signals leave in
// the order they were decided.
type Typer struct {
	gw       TypingGateway
	tr       TypingTransport
	clock    clockwork.Clock
	debounce time.Duration
	maxWait  time.Duration

	mu     sync.Mutex
	states map[string]*typingState
	out    chan signal
}

// TyperOptions configures a Typer; zero values take the defaults.
type TyperOptions struct {
	Debounce time.Duration
	MaxWait  time.Duration
	Clock    clockwork.Clock
}

func NewTyper(gw TypingGateway, tr TypingTransport, opts TyperOptions) *Typer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Typer{
		gw:       gw,
		tr:       tr,
		clock:    opts.Clock,
		debounce: opts.Debounce,
		maxWait:  opts.MaxWait,
		states:   make(map[string]*typingState),
		out:      make(chan signal, 64),
	}
}

// Input records the current input text of a conversation. Non-empty text
// schedules a start signal after the debounce window, or at most maxWait
// after the first unsent keystroke. Empty text cancels it and sends a stop
// if a start went out.
func (t *Typer) Input(conversationID, recipientID, text string) {
	if text == "" {
		t.Stop(conversationID)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(conversationID)
	st.recipientID = recipientID
	now := t.clock.Now()
	if !st.pending {
		st.pending = true
		st.firstInput = now
	}
	st.gen++
	gen := st.gen

	delay := t.debounce
	if untilMax := st.firstInput.Add(t.maxWait).Sub(now); untilMax < delay {
		delay = untilMax
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	if delay <= 0 {
		st.timer = nil
		t.fireLocked(conversationID, st)
		return
	}
	st.timer = t.clock.AfterFunc(delay, func() { t.fire(conversationID, gen) })
}

// Stop cancels any scheduled start and sends a stop if a start went out.
func (t *Typer) Stop(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[conversationID]
	if !ok {
		return
	}
	st.gen++
	st.pending = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if st.active {
		st.active = false
		t.enqueue(signal{conversationID: conversationID, recipientID: st.recipientID, typing: false})
	}
	delete(t.states, conversationID)
}

func (t *Typer) state(conversationID string) *typingState {
	st, ok := t.states[conversationID]
	if !ok {
		st = &typingState{}
		t.states[conversationID] = st
	}
	return st
}

func (t *Typer) fire(conversationID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[conversationID]
	if !ok || st.gen != gen || !st.pending {
		return
	}
	st.timer = nil
	t.fireLocked(conversationID, st)
}

func (t *Typer) fireLocked(conversationID string, st *typingState) {
	st.pending = false
	st.active = true
	t.enqueue(signal{conversationID: conversationID, recipientID: st.recipientID, typing: true})
}

func (t *Typer) enqueue(sig signal) {
	select {
	case t.out <- sig:
	default:
		log.Printf("[typer] queue full, dropped conversation_id=%s typing=%t", sig.conversationID, sig.typing)
	}
}

// Run sends queued signals until ctx is done.
func (t *Typer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-t.out:
			t.send(ctx, sig)
		}
	}
}

func (t *Typer) send(ctx context.Context, sig signal) {
	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()
	if err := t.gw.SendTypingIndicator(ctx, sig.conversationID, sig.typing); err != nil {
		log.Printf("[typer] gateway typing failed conversation_id=%s typing=%t err=%v", sig.conversationID, sig.typing, err)
	}
	err := t.tr.SendTyping(ctx, sig.conversationID, sig.recipientID, sig.typing)
	if err != nil && !errors.Is(err, ws.ErrNotConnected) {
		log.Printf("[typer] transport typing failed conversation_id=%s typing=%t err=%v", sig.conversationID, sig.typing, err)
	}
}
