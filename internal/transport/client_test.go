package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/inlinecomplete/pkg/protocol"
)

const testTimeout = 5 * time.Second

type testBackend struct {
	srv         *httptest.Server
	connections atomic.Int32
}

// newTestBackend serves a WebSocket endpoint that hands each accepted
// connection, numbered from 1, to handle.
func newTestBackend(t *testing.T, handle func(n int32, conn *websocket.Conn)) *testBackend {
	t.Helper()
	b := &testBackend{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(b.connections.Add(1), conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewClient(cfg)
	t.Cleanup(c.Dispose)
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func ack(conn *websocket.Conn, n int32) error {
	return conn.WriteJSON(protocol.NewConnectionAck(fmt.Sprintf("client-%d", n)))
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// dropConn closes the TCP connection without a close frame, which the
// client observes as close code 1006.
func dropConn(conn *websocket.Conn) {
	_ = conn.NetConn().Close()
}

func TestClient_InitializeWaitsForAck(t *testing.T) {
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		if ack(conn, n) != nil {
			return
		}
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)

	start := time.Now()
	require.NoError(t, c.Initialize(testContext(t)))

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, "client-1", c.ClientID())
}

func TestClient_ConcurrentInitializeSharesAttempt(t *testing.T) {
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		time.Sleep(30 * time.Millisecond)
		if ack(conn, n) != nil {
			return
		}
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	ctx := testContext(t)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Initialize(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), b.connections.Load())
}

func TestClient_InitializeFailsWhenClosedBeforeAck(t *testing.T) {
	b := newTestBackend(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "not today"))
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)

	err := c.Initialize(testContext(t))
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)
}

func TestClient_InitializeAfterDispose(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/unused", nil)
	c.Dispose()

	assert.ErrorIs(t, c.Initialize(testContext(t)), ErrDisposed)
}

func TestClient_SendMessageBeforeInitialize(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/unused", nil)

	_, err := c.SendMessage(testContext(t), protocol.Request{Number: 1})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_RepliesCorrelatedOutOfOrder(t *testing.T) {
	const n = 8
	order := []int{5, 2, 7, 0, 3, 6, 1, 4}

	b := newTestBackend(t, func(id int32, conn *websocket.Conn) {
		if ack(conn, id) != nil {
			return
		}
		reqs := make([]protocol.Request, 0, n)
		for len(reqs) < n {
			var req protocol.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		for _, i := range order {
			req := reqs[i]
			if err := conn.WriteJSON(protocol.Reply{
				ReplyTo: req.Number,
				List:    protocol.ItemList{Items: []protocol.Item{{InsertText: fmt.Sprintf("reply-%d", req.Number)}}},
			}); err != nil {
				return
			}
		}
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	ctx := testContext(t)
	require.NoError(t, c.Initialize(ctx))

	replies := make([]protocol.Reply, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i], errs[i] = c.SendMessage(ctx, protocol.Request{Number: int64(i + 1), Prefix: "x", Stream: true})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		number := int64(i + 1)
		assert.Equal(t, number, replies[i].ReplyTo)
		require.Len(t, replies[i].List.Items, 1)
		assert.Equal(t, fmt.Sprintf("reply-%d", number), replies[i].List.Items[0].InsertText)
	}
}

func TestClient_StreamChunksReachEverySubscriber(t *testing.T) {
	b := newTestBackend(t, func(id int32, conn *websocket.Conn) {
		if ack(conn, id) != nil {
			return
		}
		var req protocol.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.NewStreamChunk(req.Number, protocol.Item{InsertText: "def", Token: "1"}, false))
		_ = conn.WriteJSON(protocol.Reply{ReplyTo: req.Number})
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	ctx := testContext(t)
	require.NoError(t, c.Initialize(ctx))

	first := c.Subscribe(4)
	second := c.Subscribe(4)
	defer first.Close()
	defer second.Close()

	reply, err := c.SendMessage(ctx, protocol.Request{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reply.ReplyTo)

	for _, sub := range []*Subscription{first, second} {
		select {
		case ev := <-sub.Events:
			assert.Same(t, c, ev.Sender)
			assert.Equal(t, "def", ev.Chunk.Response.InsertText)
			assert.Equal(t, "1", ev.Chunk.Response.Token)
		case <-ctx.Done():
			t.Fatal("subscriber did not receive stream chunk")
		}
	}
}

func TestClient_ReconnectsOnceAfterAbnormalClose(t *testing.T) {
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if ack(conn, n) != nil {
			return
		}
		if n == 1 {
			dropConn(conn)
			return
		}
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	require.NoError(t, c.Initialize(testContext(t)))

	require.Eventually(t, func() bool {
		return b.connections.Load() == 2 && c.State() == StateOpen
	}, testTimeout, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), b.connections.Load())
	assert.Equal(t, "client-2", c.ClientID())
}

func TestClient_NoReconnectAfterNormalClose(t *testing.T) {
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if ack(conn, n) != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	require.NoError(t, c.Initialize(testContext(t)))

	require.Eventually(t, func() bool { return c.State() == StateClosed }, testTimeout, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), b.connections.Load())
}

func TestClient_PendingRequestSurvivesReconnect(t *testing.T) {
	seen := make(chan int64, 1)
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if ack(conn, n) != nil {
			return
		}
		if n == 1 {
			var req protocol.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			seen <- req.Number
			dropConn(conn)
			return
		}
		number := <-seen
		_ = conn.WriteJSON(protocol.Reply{ReplyTo: number, List: protocol.ItemList{Items: []protocol.Item{{InsertText: "late"}}}})
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	ctx := testContext(t)
	require.NoError(t, c.Initialize(ctx))

	reply, err := c.SendMessage(ctx, protocol.Request{Number: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(42), reply.ReplyTo)
	assert.Equal(t, "late", reply.List.Items[0].InsertText)
}

func TestClient_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			if ack(conn, n) != nil {
				return
			}
		}
		dropConn(conn)
	})
	c := newTestClient(t, b.url(), func(cfg *Config) {
		cfg.MaxReconnectAttempts = 2
	})
	require.NoError(t, c.Initialize(testContext(t)))

	require.Eventually(t, func() bool { return b.connections.Load() == 3 }, testTimeout, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(3), b.connections.Load())
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_DisposeRejectsPendingAndStopsFeed(t *testing.T) {
	received := make(chan struct{}, 2)
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if ack(conn, n) != nil {
			return
		}
		for {
			var req protocol.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			received <- struct{}{}
		}
	})
	c := newTestClient(t, b.url(), nil)
	ctx := testContext(t)
	require.NoError(t, c.Initialize(ctx))
	sub := c.Subscribe(1)

	errs := make(chan error, 2)
	for i := int64(1); i <= 2; i++ {
		go func(number int64) {
			_, err := c.SendMessage(ctx, protocol.Request{Number: number})
			errs <- err
		}(i)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-ctx.Done():
			t.Fatal("backend did not receive requests")
		}
	}

	c.Dispose()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrDisposed)
		case <-ctx.Done():
			t.Fatal("pending request was not rejected")
		}
	}
	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("subscription was not closed")
	}
	assert.True(t, c.IsDisposed())
}

func TestClient_DisposeIsIdempotent(t *testing.T) {
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if ack(conn, n) != nil {
			return
		}
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	require.NoError(t, c.Initialize(testContext(t)))

	assert.NotPanics(t, func() {
		c.Dispose()
		c.Dispose()
	})
	assert.True(t, c.IsDisposed())
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_DisposePreventsReconnect(t *testing.T) {
	dropped := make(chan struct{})
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if ack(conn, n) != nil {
			return
		}
		dropConn(conn)
		close(dropped)
	})
	c := newTestClient(t, b.url(), func(cfg *Config) {
		cfg.ReconnectDelay = 100 * time.Millisecond
	})
	require.NoError(t, c.Initialize(testContext(t)))

	<-dropped
	c.Dispose()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), b.connections.Load())
}

func TestClient_SendMessageHonorsContext(t *testing.T) {
	b := newTestBackend(t, func(n int32, conn *websocket.Conn) {
		if ack(conn, n) != nil {
			return
		}
		drain(conn)
	})
	c := newTestClient(t, b.url(), nil)
	require.NoError(t, c.Initialize(testContext(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.SendMessage(ctx, protocol.Request{Number: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}
