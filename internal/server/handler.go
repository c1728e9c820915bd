package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aidarkhanov/nanoid"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ricochet1k/inlinecomplete/internal/logging"
	"github.com/ricochet1k/inlinecomplete/internal/metrics"
	"github.com/ricochet1k/inlinecomplete/internal/transport"
	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

const (
	tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	tokenLength   = 12

	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxMessageSize      = 4 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.log = logging.OrNop(l)
	}
}

// WithToken requires clients to present token. See authorized.
func WithToken(token string) Option {
	return func(h *Handler) {
		h.token = token
	}
}

// WithName sets the completer label used in metrics.
func WithName(name string) Option {
	return func(h *Handler) {
		h.name = name
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// Handler serves the completion WebSocket endpoint.
type Handler struct {
	ctx          context.Context
	cancel       context.CancelFunc
	completer    Completer
	log          *zap.Logger
	token        string
	name         string
	pingInterval time.Duration
}

func NewHandler(completer Completer, opts ...Option) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		ctx:          ctx,
		cancel:       cancel,
		completer:    completer,
		log:          zap.NewNop(),
		name:         "default",
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close disconnects every client with a going-away close frame. Connections
// accepted afterwards are closed immediately.
func (h *Handler) Close() {
	h.cancel()
}

// Mount registers the completion, health and metrics routes.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/"+transport.ServicePath, h.serveCompletion)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
}

// Router returns a chi router with every route mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func (h *Handler) serveCompletion(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	clientID := uuid.New().String()
	c := newConn(ws, h.log.With(zap.String("client_id", clientID)))
	defer c.close(websocket.CloseNormalClosure)
	stop := context.AfterFunc(h.ctx, func() { c.close(websocket.CloseGoingAway) })
	defer stop()

	if err := c.send(protocol.NewConnectionAck(clientID)); err != nil {
		c.log.Warn("cannot send connection ack", zap.Error(err))
		return
	}
	c.log.Debug("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(ctx, h.pingInterval)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("client connection lost", zap.Error(err))
			}
			return
		}

		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("ignoring malformed request", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handleRequest(ctx, c, req)
		}()
	}
}

// authorized accepts the token as a query parameter or as an
// "Authorization: token <value>" header.
func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	if r.URL.Query().Get("token") == h.token {
		return true
	}
	return r.Header.Get("Authorization") == "token "+h.token
}

func (h *Handler) handleRequest(ctx context.Context, c *conn, req protocol.Request) {
	log := c.log.With(zap.Int64("number", req.Number), zap.Bool("stream", req.Stream))
	start := time.Now()

	if !req.Stream {
		var b strings.Builder
		err := h.completer.Complete(ctx, req, func(fragment string) error {
			b.WriteString(fragment)
			return nil
		})
		reply := protocol.Reply{ReplyTo: req.Number}
		if err != nil {
			reply.Error = errorDetail(err)
		} else {
			reply.List = protocol.ItemList{Items: []protocol.Item{{InsertText: b.String()}}}
		}
		h.finish(log, err)
		if err := c.send(reply); err != nil {
			log.Debug("cannot send reply", zap.Error(err))
		}
		return
	}

	token, err := nanoid.Generate(tokenAlphabet, tokenLength)
	if err != nil {
		log.Error("cannot generate stream token", zap.Error(err))
		_ = c.send(protocol.Reply{ReplyTo: req.Number, Error: errorDetail(err)})
		return
	}
	announce := protocol.Reply{
		ReplyTo: req.Number,
		List:    protocol.ItemList{Items: []protocol.Item{{InsertText: "", IsIncomplete: true, Token: token}}},
	}
	if err := c.send(announce); err != nil {
		log.Debug("cannot announce stream", zap.Error(err))
		return
	}

	first := true
	err = h.completer.Complete(ctx, req, func(fragment string) error {
		if first {
			metrics.TimeToFirstChunk.WithLabelValues(h.name).Observe(time.Since(start).Seconds())
			first = false
		}
		return c.send(protocol.NewStreamChunk(req.Number, protocol.Item{InsertText: fragment, Token: token}, false))
	})
	h.finish(log, err)
	if ctx.Err() != nil {
		return
	}

	done := protocol.NewStreamChunk(req.Number, protocol.Item{Token: token}, true)
	if err != nil {
		done.Error = errorDetail(err)
	}
	if err := c.send(done); err != nil {
		log.Debug("cannot finish stream", zap.Error(err))
	}
}

func (h *Handler) finish(log *zap.Logger, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		log.Warn("completion failed", zap.Error(err))
	}
	metrics.ServerRequests.WithLabelValues(h.name, status).Inc()
}

// conn serializes writes to one client's WebSocket.
type conn struct {
	ws        *websocket.Conn
	log       *zap.Logger
	mu        sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log *zap.Logger) *conn {
	ws.SetReadLimit(maxMessageSize)
	return &conn{ws: ws, log: log}
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *conn) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *conn) close(code int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}
