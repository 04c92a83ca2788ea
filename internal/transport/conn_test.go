package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/status"
)

// wsServer accepts websocket connections and records every frame read.
type wsServer struct {
	srv      *httptest.Server
	received chan string
	conns    chan *websocket.Conn
	auth     chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		received: make(chan string, 64),
		conns:    make(chan *websocket.Conn, 8),
		auth:     make(chan string, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		s.conns <- c
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			s.received <- string(data)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (s *wsServer) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
		return ""
	}
}

func startConn(t *testing.T, opts Options) *Conn {
	t.Helper()
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = 10 * time.Millisecond
		opts.ReconnectMax = 20 * time.Millisecond
	}
	c := New(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEmitWhileDisconnectedDrops(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1"})
	assert.False(t, c.Emit("joinChat", 1))
	assert.False(t, c.Connected())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestConnectEmitAndReceive(t *testing.T) {
	srv := newWSServer(t)
	c := startConn(t, Options{URL: srv.url(), Token: "tok"})

	connected := make(chan struct{}, 4)
	c.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })

	got := make(chan string, 4)
	c.On("receiveMessage", func(data json.RawMessage) { got <- string(data) })

	c.Start(context.Background())
	assert.Equal(t, "Bearer tok", <-srv.auth)
	server := srv.nextConn(t)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connect handler not called")
	}
	require.True(t, c.Connected())

	require.True(t, c.Emit("joinChat", 7))
	assert.JSONEq(t, `{"event":"joinChat","data":7}`, srv.nextFrame(t))

	require.NoError(t, server.Write(context.Background(), websocket.MessageText,
		[]byte(`{"event":"receiveMessage","data":{"chatId":7,"text":"hi"}}`)))
	select {
	case data := <-got:
		assert.JSONEq(t, `{"chatId":7,"text":"hi"}`, data)
	case <-time.After(5 * time.Second):
		t.Fatal("receiveMessage handler not called")
	}
}

func TestHandlersRunInOrderAndOffIsIndependent(t *testing.T) {
	c := New(Options{})
	var calls []string
	first := c.On("e", func(json.RawMessage) { calls = append(calls, "first") })
	c.On("e", func(json.RawMessage) { calls = append(calls, "second") })
	c.On("e", func(json.RawMessage) { calls = append(calls, "third") })

	c.dispatch(frame{event: "e"})
	assert.Equal(t, []string{"first", "second", "third"}, calls)

	calls = nil
	c.Off("e", first)
	c.Off("e", first)
	c.dispatch(frame{event: "e"})
	assert.Equal(t, []string{"second", "third"}, calls)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	c := New(Options{})
	called := false
	c.On("e", func(json.RawMessage) { panic("boom") })
	c.On("e", func(json.RawMessage) { called = true })
	c.dispatch(frame{event: "e"})
	assert.True(t, called)
}

func TestReconnectFiresConnectAgain(t *testing.T) {
	srv := newWSServer(t)
	c := startConn(t, Options{URL: srv.url()})

	var connects atomic.Int32
	disconnected := make(chan struct{}, 4)
	c.On(EventConnect, func(json.RawMessage) { connects.Add(1) })
	c.On(EventDisconnect, func(json.RawMessage) { disconnected <- struct{}{} })
	c.Start(context.Background())

	first := srv.nextConn(t)
	require.Eventually(t, func() bool { return connects.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close(websocket.StatusGoingAway, "restart"))
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect handler not called")
	}

	srv.nextConn(t)
	require.Eventually(t, func() bool { return connects.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, c.Connected, 5*time.Second, 5*time.Millisecond)
}

func TestUnauthorizedUpgradeIsPermanent(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	machine := status.NewMachine(nil)
	c := startConn(t, Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Status: machine})
	c.Start(context.Background())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop")
	}
	assert.ErrorIs(t, c.Err(), chaterrors.ErrUnauthorized)
	assert.Equal(t, status.AuthRequired, machine.Current())
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCloseReportsClosedStatus(t *testing.T) {
	srv := newWSServer(t)
	machine := status.NewMachine(nil)
	c := startConn(t, Options{URL: srv.url(), Status: machine})
	c.Start(context.Background())
	srv.nextConn(t)
	require.Eventually(t, func() bool { return machine.Current() == status.Connected }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, status.Closed, machine.Current())
	assert.NoError(t, c.Err())
	assert.False(t, c.Connected())
}

// idleConn never delivers a frame and never answers pings.
type idleConn struct{}

func (idleConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}
func (idleConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }
func (idleConn) Ping(context.Context) error                                 { return errors.New("no pong") }
func (idleConn) Close(websocket.StatusCode, string) error                   { return nil }

func TestIdleConnectionIsRedialed(t *testing.T) {
	var dials atomic.Int32
	c := startConn(t, Options{
		URL:         "ws://idle",
		IdleTimeout: 30 * time.Millisecond,
		Dial: func(context.Context, string, http.Header) (WSConn, *http.Response, error) {
			dials.Add(1)
			return idleConn{}, nil, nil
		},
	})
	c.Start(context.Background())
	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestDialFailureRetries(t *testing.T) {
	var mu sync.Mutex
	var headers []string
	c := startConn(t, Options{
		URL:   "ws://down",
		Token: "t",
		Dial: func(_ context.Context, _ string, h http.Header) (WSConn, *http.Response, error) {
			mu.Lock()
			headers = append(headers, h.Get("Authorization"))
			mu.Unlock()
			return nil, nil, errors.New("connection refused")
		},
	})
	c.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(headers) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "Bearer t", headers[0])
	mu.Unlock()
}

func TestDecodeFrame(t *testing.T) {
	f, ok := decodeFrame([]byte(`{"event":"receiveMessage","data":{"chatId":"1"}}`))
	require.True(t, ok)
	assert.Equal(t, "receiveMessage", f.event)
	assert.JSONEq(t, `{"chatId":"1"}`, string(f.data))

	_, ok = decodeFrame([]byte(`{"data":1}`))
	assert.False(t, ok)
	_, ok = decodeFrame([]byte(`not json`))
	assert.False(t, ok)

	f, ok = decodeFrame([]byte(`{"event":"ping"}`))
	require.True(t, ok)
	assert.Nil(t, f.data)
}
