// Package transport implements the WebSocket client that carries inline
// completion requests to the backend. One Client owns one channel, correlates
// replies to requests by number, republishes stream chunks on a shared feed
// and reconnects after abnormal closes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ricochet1k/inlinecomplete/internal/circuit"
	"github.com/ricochet1k/inlinecomplete/internal/logging"
	"github.com/ricochet1k/inlinecomplete/internal/metrics"
	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

// State is the connection state of a Client.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config configures a Client.
type Config struct {
	// URL is the full WebSocket URL of the completion service. See CompletionURL.
	URL string

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// ReconnectDelay is the fixed wait before each reconnect attempt.
	// Default: 1 second
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects after one
	// abnormal close. Zero or less retries without bound.
	// Default: 5
	MaxReconnectAttempts int

	// HandshakeTimeout bounds the time from dial to the backend's
	// connection acknowledgment. Zero disables the bound.
	// Default: 10 seconds
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = logging.OrNop(l)
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

type result struct {
	reply protocol.Reply
	err   error
}

// connectAttempt is shared by every Initialize call made while it is in flight.
type connectAttempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (a *connectAttempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	attempt      *connectAttempt
	pending      map[int64]chan result
	clientID     string
	reconnecting bool
	disposed     bool

	isDisposed atomic.Bool
	writeMu    sync.Mutex
	feed       *Feed
	breaker    *circuit.Breaker
}

func NewClient(cfg Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaults.ReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		log:     zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateClosed,
		pending: make(map[int64]chan result),
		feed:    NewFeed(defaultFeedBuffer),
		breaker: circuit.NewBreaker(cfg.MaxReconnectAttempts),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize opens the channel and waits for the backend's connection
// acknowledgment. Concurrent calls share one attempt. It returns nil
// immediately if the channel is already open.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	attempt := c.attempt
	if attempt == nil {
		attempt = c.startConnectLocked()
	}
	c.mu.Unlock()

	return attempt.wait(ctx)
}

func (c *Client) startConnectLocked() *connectAttempt {
	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.state = StateConnecting
	go c.connect(a)
	return a
}

func (c *Client) connect(a *connectAttempt) {
	c.log.Debug("connecting to completion backend", zap.String("url", c.cfg.URL))

	conn, resp, err := c.dialer.DialContext(c.ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if c.IsDisposed() {
			err = ErrDisposed
		} else {
			err = fmt.Errorf("dial %s: %w", c.cfg.URL, err)
		}
		c.completeAttempt(a, err)
		return
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = conn.Close()
		c.completeAttempt(a, ErrDisposed)
		return
	}
	previous := c.conn
	c.conn = conn
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	if c.cfg.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	go c.readLoop(conn, a)
}

// completeAttempt settles a connect attempt and updates the client state.
func (c *Client) completeAttempt(a *connectAttempt, err error) {
	c.mu.Lock()
	if c.attempt == a {
		c.attempt = nil
		if !c.disposed {
			if err == nil {
				c.state = StateOpen
			} else {
				c.state = StateClosed
			}
		}
	}
	c.mu.Unlock()

	a.finish(err)
}

func (c *Client) readLoop(conn *websocket.Conn, a *connectAttempt) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, a, err)
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.log.Warn("dropping undecodable message", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case protocol.KindConnection:
			_ = conn.SetReadDeadline(time.Time{})
			c.mu.Lock()
			c.clientID = msg.Connection.ClientID
			c.mu.Unlock()
			c.breaker.Reset()
			c.log.Info("completion backend acknowledged connection", zap.String("client_id", msg.Connection.ClientID))
			c.completeAttempt(a, nil)
		case protocol.KindStream:
			metrics.StreamChunks.Inc()
			c.feed.Broadcast(StreamEvent{Sender: c, Chunk: *msg.Stream})
		case protocol.KindReply:
			c.resolve(*msg.Reply)
		}
	}
}

func (c *Client) resolve(reply protocol.Reply) {
	c.mu.Lock()
	ch, ok := c.pending[reply.ReplyTo]
	if ok {
		delete(c.pending, reply.ReplyTo)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("dropping reply for unknown request", zap.Int64("reply_to", reply.ReplyTo))
		return
	}
	ch <- result{reply: reply}
}

func (c *Client) handleClose(conn *websocket.Conn, a *connectAttempt, err error) {
	c.completeAttempt(a, fmt.Errorf("%w: %v", ErrConnectionClosed, err))

	c.mu.Lock()
	if c.disposed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.attempt == nil {
		c.state = StateClosed
	}
	c.mu.Unlock()
	_ = conn.Close()

	if !isAbnormalClose(err) {
		c.log.Info("completion connection closed", zap.Error(err))
		return
	}
	c.log.Warn("completion connection dropped", zap.Error(err), zap.Duration("reconnect_in", c.cfg.ReconnectDelay))
	c.scheduleReconnect()
}

func isAbnormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway
	}
	// No close frame at all: the peer vanished.
	return true
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.disposed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.ctx.Done():
			c.stopReconnecting()
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		c.mu.Lock()
		if c.disposed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		attempt := c.attempt
		if attempt == nil && c.state != StateOpen {
			attempt = c.startConnectLocked()
		}
		c.mu.Unlock()

		var err error
		if attempt != nil {
			err = attempt.wait(c.ctx)
		}
		if err == nil {
			c.mu.Lock()
			// A drop that raced with the acknowledgment found reconnecting
			// set and did not schedule; keep going in that case.
			if c.state == StateOpen || c.disposed {
				c.reconnecting = false
				c.mu.Unlock()
				metrics.Reconnects.WithLabelValues("success").Inc()
				return
			}
			c.mu.Unlock()
			continue
		}

		if c.IsDisposed() {
			c.stopReconnecting()
			return
		}
		metrics.Reconnects.WithLabelValues("failure").Inc()
		if c.breaker.RecordFailure() {
			c.log.Error("giving up reconnecting to completion backend",
				zap.Int("attempts", c.breaker.FailureCount()), zap.Error(err))
			c.stopReconnecting()
			return
		}
		c.log.Warn("reconnect failed", zap.Int("attempt", c.breaker.FailureCount()), zap.Error(err))
	}
}

func (c *Client) stopReconnecting() {
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

// SendMessage transmits req and waits for the reply whose reply_to matches
// req.Number. The caller owns numbering: numbers must be unique for the
// lifetime of the client. A reply carrying a backend error is returned as a
// reply, not as an error. Cancelling ctx abandons the request.
func (c *Client) SendMessage(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return protocol.Reply{}, ErrDisposed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return protocol.Reply{}, ErrNotConnected
	}
	if _, dup := c.pending[req.Number]; dup {
		c.mu.Unlock()
		return protocol.Reply{}, fmt.Errorf("request %d already in flight", req.Number)
	}
	ch := make(chan result, 1)
	c.pending[req.Number] = ch
	c.mu.Unlock()

	metrics.InflightRequests.Inc()
	defer metrics.InflightRequests.Dec()

	if err := c.write(conn, req); err != nil {
		c.forget(req.Number)
		return protocol.Reply{}, fmt.Errorf("send request %d: %w", req.Number, err)
	}

	select {
	case res := <-ch:
		return res.reply, res.err
	case <-ctx.Done():
		c.forget(req.Number)
		return protocol.Reply{}, ctx.Err()
	}
}

func (c *Client) forget(number int64) {
	c.mu.Lock()
	delete(c.pending, number)
	c.mu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Subscribe returns a subscription to every stream chunk this client
// receives. Chunks are not routed by token.
func (c *Client) Subscribe(bufSize int) *Subscription {
	return c.feed.Subscribe(bufSize)
}

// Dispose closes the channel, stops the stream feed and fails every pending
// request with ErrDisposed. It is safe to call more than once.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.isDisposed.Store(true)
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	attempt := c.attempt
	c.attempt = nil
	pending := c.pending
	c.pending = make(map[int64]chan result)
	c.mu.Unlock()

	c.cancel()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.feed.Stop()

	for _, ch := range pending {
		ch <- result{err: ErrDisposed}
	}
	if attempt != nil {
		attempt.finish(ErrDisposed)
	}

	c.log.Debug("completion transport disposed", zap.Int("rejected", len(pending)))
}

func (c *Client) IsDisposed() bool {
	return c.isDisposed.Load()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the identifier the backend assigned on the current connection.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}
