package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

const (
	defaultEventBuffer      = 256
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultInitialBackoff   = time.Second
	defaultMaxBackoff       = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	EventBuffer      int
	Dialer           *websocket.Dialer
	// Clock drives reconnect waits. Defaults to the real clock.
	Clock clockwork.Clock
}

// Client is a gorilla/websocket Transport.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	clock  clockwork.Clock
	events chan models.Event

	mu       sync.RWMutex
	state    models.ConnState
	conn     *websocket.Conn
	info     ConnInfo
	token    string
	sessions int
	// stop is closed by Disconnect and ends the reader and reconnect loop.
	stop chan struct{}

	writeMu sync.Mutex
}

var _ Transport = (*Client)(nil)

// NewClient builds a disconnected client.
func NewClient(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = opts.HandshakeTimeout
		dialer = &d
	}
	return &Client{
		opts:   opts,
		dialer: dialer,
		clock:  opts.Clock,
		events: make(chan models.Event, opts.EventBuffer),
		state:  models.ConnDisconnected,
	}
}

func (c *Client) Events() <-chan models.Event {
	return c.events
}

func (c *Client) State() models.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Info returns metadata of the current session.
func (c *Client) Info() ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Connect opens the first session. A failed handshake returns *ConnError and
// leaves the client disconnected; once connected, drops are retried until
// Disconnect.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	c.stop = stop
	c.token = token
	c.mu.Unlock()

	if err := c.dial(ctx, stop); err != nil {
		c.mu.Lock()
		if c.stop == stop {
			c.stop = nil
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context, stop chan struct{}) error {
	c.setState(models.ConnConnecting, "", stop)

	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	ctx, span := otel.Tracer("chat-sync/ws").Start(ctx, "ws.handshake")
	defer span.End()
	span.SetAttributes(attribute.String("ws.url", c.opts.URL))

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, authHeader(token))
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		connErr := &ConnError{URL: c.opts.URL, Err: err}
		if resp != nil {
			connErr.Status = resp.StatusCode
		}
		c.setState(models.ConnDisconnected, err.Error(), stop)
		return connErr
	}

	c.mu.Lock()
	if isClosed(stop) {
		c.mu.Unlock()
		conn.Close()
		return &ConnError{URL: c.opts.URL, Err: errors.New("disconnected during handshake")}
	}
	c.sessions++
	c.conn = conn
	c.info = ConnInfo{
		ConnID:      newConnID(),
		URL:         c.opts.URL,
		Session:     c.sessions,
		ConnectedAt: c.clock.Now(),
	}
	reconnected := c.sessions > 1
	info := c.info
	c.mu.Unlock()

	span.SetAttributes(attribute.String("ws.conn_id", info.ConnID), attribute.Int("ws.session", info.Session))
	log.Printf("[ws] connected conn_id=%s session=%d url=%s", info.ConnID, info.Session, info.URL)
	c.setStateReconnected(models.ConnConnected, reconnected, stop)

	go c.readLoop(conn, stop)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	var reason string
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			break
		}
		ev, err := decodeFrame(payload)
		if err != nil {
			log.Printf("[ws] skip frame err=%v", err)
			continue
		}
		c.emit(ev, stop)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	info := c.info
	c.mu.Unlock()
	conn.Close()

	if isClosed(stop) {
		return
	}
	log.Printf("[ws] connection lost conn_id=%s uptime=%s reason=%s", info.ConnID, info.Uptime(c.clock.Now()), reason)
	c.setState(models.ConnDisconnected, reason, stop)
	c.reconnect(stop)
}

// newReconnectBackOff grows the wait from InitialBackoff to MaxBackoff with
// jitter and never gives up.
func newReconnectBackOff(opts Options, clock backoff.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.MaxElapsedTime = 0
	if clock != nil {
		b.Clock = clock
	}
	b.Reset()
	return b
}

// reconnect retries immediately once, then on an exponential schedule with
// no elapsed-time cap.
func (c *Client) reconnect(stop chan struct{}) {
	b := newReconnectBackOff(c.opts, c.clock)

	var wait time.Duration
	for attempt := 1; ; attempt++ {
		if wait > 0 {
			timer := c.clock.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}
		if isClosed(stop) {
			return
		}
		err := c.dial(context.Background(), stop)
		if err == nil {
			observability.IncReconnectAttempt("success")
			return
		}
		if isClosed(stop) {
			return
		}
		observability.IncReconnectAttempt("failure")
		wait = b.NextBackOff()
		log.Printf("[ws] reconnect failed attempt=%d next_in=%s err=%v", attempt, wait, err)
	}
}

// Disconnect closes the session and stops reconnecting.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	stop := c.stop
	conn := c.conn
	c.stop = nil
	c.conn = nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.setState(models.ConnDisconnected, "client disconnect", stop)
	return err
}

func (c *Client) JoinTopic(ctx context.Context, conversationID string) error {
	return c.write(ctx, joinFrame(conversationID))
}

func (c *Client) LeaveTopic(ctx context.Context, conversationID string) error {
	return c.write(ctx, leaveFrame(conversationID))
}

func (c *Client) SendTyping(ctx context.Context, conversationID, recipientID string, typing bool) error {
	return c.write(ctx, typingFrame(conversationID, recipientID, typing))
}

func (c *Client) write(ctx context.Context, frame outboundFrame) error {
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()
	if conn == nil || state != models.ConnConnected {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.Type, err)
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

func (c *Client) setState(state models.ConnState, reason string, stop chan struct{}) {
	c.transition(state, false, reason, stop)
}

func (c *Client) setStateReconnected(state models.ConnState, reconnected bool, stop chan struct{}) {
	c.transition(state, reconnected, "", stop)
}

func (c *Client) transition(state models.ConnState, reconnected bool, reason string, stop chan struct{}) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.emit(models.ConnectionChanged{State: state, Reconnected: reconnected, Reason: reason}, stop)
}

// emit delivers in order. Once stop is closed, a full buffer drops the event
// instead of blocking.
func (c *Client) emit(ev models.Event, stop chan struct{}) {
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-stop:
		log.Printf("[ws] dropped event=%s after disconnect", ev.EventName())
	}
}
