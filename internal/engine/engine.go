// Package engine wires the transport, gateway, store and background loops
// into one chat synchronization client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"chat-sync/internal/gateway"
	"chat-sync/internal/models"
	"chat-sync/internal/presence"
	"chat-sync/internal/refresher"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrPendingMessage = errors.New("message is not confirmed yet")
)

const (
	defaultHistoryPageSize     = 50
	defaultMarkReadConcurrency = 4
	topicTimeout               = 5 * time.Second
)

// Options configures an Engine.
type Options struct {
	OperatorMode        bool
	HistoryPageSize     int
	ListPageSize        int
	MarkReadConcurrency int
	RefreshInterval     time.Duration
	RefreshDebounce     time.Duration
	RefreshFullEvery    int
	TypingDebounce      time.Duration
	TypingMaxWait       time.Duration
	SweepInterval       time.Duration
	Clock               clockwork.Clock
}

// Engine owns the background loops and exposes the user commands.
type Engine struct {
	gw    gateway.Gateway
	tr    ws.Transport
	rec   *store.Reconciler
	store *store.Store
	audit *telemetry.AuditEmitter
	opts  Options

	refresher *refresher.Refresher
	typer     *presence.Typer
	sweeper   *presence.Sweeper

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New builds an engine around rec. audit may be nil.
func New(gw gateway.Gateway, tr ws.Transport, rec *store.Reconciler, audit *telemetry.AuditEmitter, opts Options) *Engine {
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = defaultHistoryPageSize
	}
	if opts.MarkReadConcurrency <= 0 {
		opts.MarkReadConcurrency = defaultMarkReadConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	e := &Engine{
		gw:    gw,
		tr:    tr,
		rec:   rec,
		store: rec.Store(),
		audit: audit,
		opts:  opts,
		ctx:   context.Background(),
	}
	e.refresher = refresher.New(gw, rec, refresher.Options{
		OperatorMode: opts.OperatorMode,
		Interval:     opts.RefreshInterval,
		Debounce:     opts.RefreshDebounce,
		PageSize:     opts.ListPageSize,
		FullEvery:    opts.RefreshFullEvery,
		Clock:        opts.Clock,
		OnDiscovered: e.joinTopics,
		OnDropped:    e.leaveTopics,
	})
	e.typer = presence.NewTyper(gw, tr, presence.TyperOptions{
		Debounce: opts.TypingDebounce,
		MaxWait:  opts.TypingMaxWait,
		Clock:    opts.Clock,
	})
	e.sweeper = presence.NewSweeper(rec, opts.Clock, opts.SweepInterval)
	return e
}

// Store returns the read side consumers subscribe to.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Start connects, loads the conversation list, joins every topic and runs
// the event loop, refresher, typing sender and sweeper until Stop.
func (e *Engine) Start(ctx context.Context, token string) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.ctx, e.cancel, e.started = runCtx, cancel, true
	e.mu.Unlock()

	e.spawn(e.eventLoop)

	if err := e.tr.Connect(ctx, token); err != nil {
		e.shutdown()
		return fmt.Errorf("connect transport: %w", err)
	}

	if err := e.refresher.Reload(ctx, "initial"); err != nil {
		e.commandFailed(ctx, "initial_load", "", err)
	}

	e.spawn(e.refresher.Run)
	e.spawn(e.typer.Run)
	e.spawn(e.sweeper.Run)
	log.Printf("[engine] started operator_mode=%t conversations=%d", e.opts.OperatorMode, len(e.store.TrackedConversationIDs()))
	return nil
}

// Stop disconnects and waits for background work to finish.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	err := e.tr.Disconnect()
	e.shutdown()
	e.rec.SetConnectionState(models.ConnDisconnected, false)
	log.Printf("[engine] stopped")
	return err
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.started = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.ctx = context.Background()
	e.mu.Unlock()
}

func (e *Engine) runCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Engine) spawn(fn func(ctx context.Context)) {
	ctx := e.runCtx()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

func (e *Engine) eventLoop(ctx context.Context) {
	events := e.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev models.Event) {
	eff := e.rec.Apply(ev)
	if cc, ok := ev.(models.ConnectionChanged); ok && cc.State != models.ConnConnecting {
		e.audit.Emit(ctx, telemetry.AuditEvent{
			Kind:  telemetry.KindConnectionChanged,
			Level: "info",
			Text:  fmt.Sprintf("transport %s", cc.State),
			Attributes: map[string]string{
				"reconnected": fmt.Sprintf("%t", cc.Reconnected),
				"reason":      cc.Reason,
			},
		})
	}
	e.execute(ctx, ev.EventName(), eff)
}

// execute carries out the follow-up work a reconciler change asked for.
func (e *Engine) execute(ctx context.Context, cause string, eff store.Effects) {
	if eff.Anomaly != "" {
		e.audit.Emit(ctx, telemetry.AuditEvent{
			Kind:       telemetry.KindAnomaly,
			Level:      "warn",
			Text:       eff.Anomaly,
			Attributes: map[string]string{"event": cause},
		})
	}
	if eff.Reconnected {
		log.Printf("[engine] reconnected, rejoining topics=%d", len(eff.Join))
		cause = "reconnect"
	}
	e.joinTopics(ctx, eff.Join)
	e.leaveTopics(ctx, eff.Leave)
	if len(eff.MarkRead) > 0 && eff.MarkReadConversation != "" {
		e.markRead(eff.MarkReadConversation, eff.MarkRead)
	}
	if eff.Refresh {
		e.refresher.Trigger(cause)
	}
}

func (e *Engine) joinTopics(ctx context.Context, ids []string) {
	for _, id := range ids {
		tctx, cancel := context.WithTimeout(ctx, topicTimeout)
		err := e.tr.JoinTopic(tctx, id)
		cancel()
		if err != nil {
			log.Printf("[engine] join topic failed conversation_id=%s err=%v", id, err)
		}
	}
}

func (e *Engine) leaveTopics(ctx context.Context, ids []string) {
	for _, id := range ids {
		e.typer.Stop(id)
		tctx, cancel := context.WithTimeout(ctx, topicTimeout)
		if err := e.tr.LeaveTopic(tctx, id); err != nil && !errors.Is(err, ws.ErrNotConnected) {
			log.Printf("[engine] leave topic failed conversation_id=%s err=%v", id, err)
		}
		cancel()
	}
}

func (e *Engine) commandFailed(ctx context.Context, op, conversationID string, err error) {
	kind := gateway.KindOf(err)
	log.Printf("[engine] command failed op=%s conversation_id=%s kind=%s err=%v", op, conversationID, kind, err)
	level := "error"
	if kind == gateway.KindValidation || kind == gateway.KindNotFound || kind == gateway.KindConflict {
		level = "warn"
	}
	e.audit.Emit(ctx, telemetry.AuditEvent{
		Kind:           telemetry.KindCommandFailed,
		Level:          level,
		Text:           err.Error(),
		ConversationID: conversationID,
		Attributes:     map[string]string{"op": op, "kind": string(kind)},
	})
}
