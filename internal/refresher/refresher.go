// Package refresher reloads the conversation list on an interval and on
// demand, as a backstop for missed push events.
package refresher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultDebounce  = 500 * time.Millisecond
	DefaultPageSize  = 100
	DefaultFullEvery = 10
	reloadTimeout    = 20 * time.Second
)

// Lister loads conversation summaries.
type Lister interface {
	ListMyChats(ctx context.Context, pageIndex, pageSize int) ([]models.ConversationSummary, error)
	ListOperatorChats(ctx context.Context, activeOnly bool) ([]models.ConversationSummary, error)
}

// Merger folds a reload into local state.
type Merger interface {
	MergeConversations(summaries []models.ConversationSummary) store.MergeResult
}

type Options struct {
	OperatorMode bool
	Interval     time.Duration
	Debounce     time.Duration
	PageSize     int
	// FullEvery makes every Nth interval reload in operator mode include
	// closed chats, so missed closes and transfers are corrected.
	FullEvery int
	Clock     clockwork.Clock
	// OnDiscovered receives ids a reload added for the first time.
	OnDiscovered func(ctx context.Context, ids []string)
	// OnDropped receives ids a reload removed.
	OnDropped func(ctx context.Context, ids []string)
}

type Refresher struct {
	lister Lister
	merger Merger
	opts   Options
	sf     singleflight.Group

	mu     sync.Mutex
	ctx    context.Context
	timer  clockwork.Timer
	gen    uint64
	causes []string
}

func New(lister Lister, merger Merger, opts Options) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.FullEvery <= 0 {
		opts.FullEvery = DefaultFullEvery
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Refresher{lister: lister, merger: merger, opts: opts, ctx: context.Background()}
}

// Run reloads on every interval tick until ctx is done. Triggered reloads
// use ctx once Run has started.
func (r *Refresher) Run(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	ticker := r.opts.Clock.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.timer != nil {
				r.timer.Stop()
				r.timer = nil
			}
			r.mu.Unlock()
			return
		case <-ticker.Chan():
			if tick%r.opts.FullEvery == 0 {
				_ = r.ReloadAll(ctx, "interval_full")
			} else {
				_ = r.Reload(ctx, "interval")
			}
		}
	}
}

// Trigger asks for a reload after the debounce window. Triggers inside the
// window push it back and collapse into one reload.
func (r *Refresher) Trigger(cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.causes = append(r.causes, cause)
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = r.opts.Clock.AfterFunc(r.opts.Debounce, func() { r.fire(gen) })
}

func (r *Refresher) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	cause := joinCauses(r.causes)
	r.causes = nil
	ctx := r.ctx
	r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	_ = r.Reload(ctx, cause)
}

// Reload loads and merges the list now. Concurrent calls share one request.
// In operator mode only active chats are listed.
func (r *Refresher) Reload(ctx context.Context, cause string) error {
	return r.do(ctx, cause, false)
}

// ReloadAll is Reload including closed chats in operator mode.
func (r *Refresher) ReloadAll(ctx context.Context, cause string) error {
	return r.do(ctx, cause, true)
}

func (r *Refresher) do(ctx context.Context, cause string, full bool) error {
	key := "reload"
	if full && r.opts.OperatorMode {
		key = "reload_all"
	} else {
		full = false
	}
	_, err, shared := r.sf.Do(key, func() (any, error) {
		return nil, r.reload(ctx, full)
	})
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		log.Printf("[refresher] reload failed cause=%s err=%v", cause, err)
	case shared:
		result = "shared"
	}
	observability.IncRefresh(metricCause(cause), result)
	return err
}

func (r *Refresher) reload(ctx context.Context, full bool) error {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	var (
		summaries []models.ConversationSummary
		err       error
	)
	if r.opts.OperatorMode {
		summaries, err = r.lister.ListOperatorChats(ctx, !full)
	} else {
		summaries, err = r.lister.ListMyChats(ctx, 0, r.opts.PageSize)
	}
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	res := r.merger.MergeConversations(summaries)
	if len(res.Added) > 0 {
		log.Printf("[refresher] discovered conversations=%d", len(res.Added))
		if r.opts.OnDiscovered != nil {
			r.opts.OnDiscovered(ctx, res.Added)
		}
	}
	if len(res.Dropped) > 0 {
		log.Printf("[refresher] dropped conversations=%d full=%t", len(res.Dropped), full)
		if r.opts.OnDropped != nil {
			r.opts.OnDropped(ctx, res.Dropped)
		}
	}
	return nil
}

func joinCauses(causes []string) string {
	seen := make(map[string]bool, len(causes))
	out := causes[:0:0]
	for _, c := range causes {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return strings.Join(out, ",")
}

// metricCause keeps label cardinality bounded when causes were joined.
func metricCause(cause string) string {
	if strings.Contains(cause, ",") {
		return "batched"
	}
	return cause
}
