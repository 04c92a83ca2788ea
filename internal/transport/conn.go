// Package transport is the session's single websocket connection to the
// chat server. Frames are JSON envelopes {"event": name, "data": payload};
// handlers are registered per event name and run serially on one dispatch
// goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatsync/internal/bus"
	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/status"
)

// Built-in events dispatched locally, never received from the server.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second

	// outboundChanSize bounds frames waiting for the writer. Emit drops
	// frames once it is full.
	outboundChanSize = 256

	// dispatchChanSize buffers inbound frames ahead of the handlers.
	dispatchChanSize = 256

	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20

	// jitterDivisor: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// WSConn abstracts the websocket so the loop can be tested without a real
// server. *websocket.Conn satisfies this interface.
type WSConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a websocket. resp may be set on a failed handshake.
type DialFunc func(ctx context.Context, url string, header http.Header) (WSConn, *http.Response, error)

func dialWebsocket(ctx context.Context, url string, header http.Header) (WSConn, *http.Response, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, resp, err
	}
	c.SetReadLimit(maxFrameSize)
	return c, resp, nil
}

// Handler receives the raw data of an event.
type Handler func(data json.RawMessage)

// HandlerID identifies one registration for Off.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type frame struct {
	event string
	data  json.RawMessage
}

// Options configures a Conn.
type Options struct {
	URL          string
	Token        string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// IdleTimeout closes and redials a connection that has read nothing
	// (pongs included) for this long. Zero disables it.
	IdleTimeout time.Duration

	Status *status.Machine
	Bus    *bus.Bus
	Log    *zap.Logger
	Dial   DialFunc
}

// Conn is one logical connection that survives reconnects. Create it with
// New, start it with Start and stop it with Close. A Conn cannot be
// restarted; a new identity needs a new Conn.
type Conn struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	handlers map[string][]handlerEntry
	nextID   HandlerID
	out      chan []byte

	events chan frame

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New creates a stopped connection.
func New(opts Options) *Conn {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectMin)
	}
	if opts.Dial == nil {
		opts.Dial = dialWebsocket
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		opts:     opts,
		log:      log.Named("transport"),
		handlers: make(map[string][]handlerEntry),
		events:   make(chan frame, dispatchChanSize),
		done:     make(chan struct{}),
	}
}

// On registers fn for event. Handlers for one event run in registration
// order.
func (c *Conn) On(event string, fn Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	return id
}

// Off removes the registration id from event. Other handlers, including
// other registrations of the same function, are untouched.
func (c *Conn) Off(event string, id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.handlers[event]
	for i, e := range entries {
		if e.id == id {
			c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

// Emit queues event for the live connection and returns immediately. It
// reports false when the frame was dropped because the connection is down
// or the outbound queue is full.
func (c *Conn) Emit(event string, payload any) bool {
	data, err := encodeFrame(event, payload)
	if err != nil {
		c.log.Error("encoding frame", zap.String("event", event), zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out == nil {
		c.log.Debug("not connected, dropping frame", zap.String("event", event))
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		c.log.Warn("outbound queue full, dropping frame", zap.String("event", event))
		return false
	}
}

// Connected reports whether a live connection is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

// Start launches the connection loop and the dispatch goroutine. It
// returns immediately; later calls are no-ops.
func (c *Conn) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started {
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.err = c.run(ctx)
		// A permanent failure ends the connection; stop dispatching too.
		cancel()
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()
}

// Close stops the connection and waits for its goroutines to exit.
func (c *Conn) Close() error {
	c.lifeMu.Lock()
	if !c.started {
		c.started = true
		close(c.done)
	}
	cancel := c.cancel
	c.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

// Done is closed once the connection has fully stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error after Done is closed: nil after Close,
// an ErrUnauthorized chain when the server rejected the token.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// run dials, serves and redials until ctx is done or the server rejects
// the credentials.
func (c *Conn) run(ctx context.Context) error {
	backoff := c.opts.ReconnectMin
	for {
		c.transition(status.Connecting)
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.transition(status.Closed)
				return nil
			}
			if errors.Is(err, chaterrors.ErrUnauthorized) {
				c.log.Warn("server rejected credentials", zap.Error(err))
				c.transition(status.AuthRequired)
				return err
			}
			c.log.Warn("connect failed", zap.Error(err), zap.Duration("backoff", backoff))
			c.transition(status.Reconnecting)
			if !c.sleep(ctx, backoff) {
				c.transition(status.Closed)
				return nil
			}
			backoff = min(backoff*2, c.opts.ReconnectMax)
			continue
		}

		backoff = c.opts.ReconnectMin
		err = c.serve(ctx, ws)
		if ctx.Err() != nil {
			c.transition(status.Closed)
			return nil
		}
		c.log.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		c.transition(status.Reconnecting)
		if !c.sleep(ctx, backoff) {
			c.transition(status.Closed)
			return nil
		}
	}
}

func (c *Conn) dial(ctx context.Context) (WSConn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, resp, err := c.opts.Dial(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket upgrade returned %d", chaterrors.ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dialing %s: %w", chaterrors.ErrNetwork, c.opts.URL, err)
	}
	return ws, nil
}

// serve runs one live connection until it fails or ctx is done. The
// reader, writer and idle watchdog share an errgroup; the first to fail
// tears the others down.
func (c *Conn) serve(ctx context.Context, ws WSConn) error {
	out := make(chan []byte, outboundChanSize)
	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())

	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	c.transition(status.Connected)
	c.opts.Bus.Publish(bus.NewEvent(bus.KindTransportConnected, c.opts.URL))
	c.log.Info("connected", zap.String("url", c.opts.URL))
	c.enqueue(ctx, frame{event: EventConnect})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, ws, &lastRead) })
	g.Go(func() error { return c.writeLoop(gctx, ws, out) })
	if c.opts.IdleTimeout > 0 {
		g.Go(func() error { return c.watchIdle(gctx, ws, &lastRead) })
	}
	err := g.Wait()

	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
	_ = ws.Close(websocket.StatusNormalClosure, "")
	c.opts.Bus.Publish(bus.NewEvent(bus.KindTransportLost, c.opts.URL))
	c.enqueue(ctx, frame{event: EventDisconnect})
	return err
}

func (c *Conn) readLoop(ctx context.Context, ws WSConn, lastRead *atomic.Int64) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		lastRead.Store(time.Now().UnixNano())
		if typ != websocket.MessageText {
			c.log.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
			continue
		}
		f, ok := decodeFrame(data)
		if !ok {
			c.log.Debug("ignoring frame without event name", zap.Int("bytes", len(data)))
			continue
		}
		if !c.enqueue(ctx, f) {
			return ctx.Err()
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, ws WSConn, out <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}
}

// watchIdle pings a quiet connection and gives up on it after
// IdleTimeout without any read.
func (c *Conn) watchIdle(ctx context.Context, ws WSConn, lastRead *atomic.Int64) error {
	idle := c.opts.IdleTimeout
	ticker := time.NewTicker(max(idle/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		elapsed := time.Since(time.Unix(0, lastRead.Load()))
		if elapsed >= idle {
			return fmt.Errorf("idle for %s", elapsed.Round(time.Millisecond))
		}
		if elapsed >= idle/3 {
			pctx, cancel := context.WithTimeout(ctx, idle-elapsed)
			if err := ws.Ping(pctx); err == nil {
				lastRead.Store(time.Now().UnixNano())
			}
			cancel()
		}
	}
}

// enqueue hands a frame to the dispatch goroutine. It reports false when
// ctx ended first.
func (c *Conn) enqueue(ctx context.Context, f frame) bool {
	select {
	case c.events <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.events:
			c.dispatch(f)
		}
	}
}

func (c *Conn) dispatch(f frame) {
	c.mu.Lock()
	entries := append([]handlerEntry(nil), c.handlers[f.event]...)
	c.mu.Unlock()

	if len(entries) == 0 {
		c.log.Debug("no handler for event", zap.String("event", f.event))
		return
	}
	for _, e := range entries {
		c.call(f, e.fn)
	}
}

func (c *Conn) call(f frame, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", zap.String("event", f.event), zap.Any("panic", r))
		}
	}()
	fn(f.data)
}

func (c *Conn) transition(to status.State) {
	if err := c.opts.Status.Transition(to); err != nil {
		c.log.Debug("status transition", zap.Error(err))
	}
}

func (c *Conn) sleep(ctx context.Context, backoff time.Duration) bool {
	jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // reconnect jitter needs no crypto rand
	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(envelope{Event: event, Data: payload})
}

// decodeFrame peeks the event name and slices out the raw payload without
// decoding it.
func decodeFrame(data []byte) (frame, bool) {
	name := gjson.GetBytes(data, "event")
	if name.Type != gjson.String || name.Str == "" {
		return frame{}, false
	}
	f := frame{event: name.Str}
	if d := gjson.GetBytes(data, "data"); d.Exists() {
		f.data = json.RawMessage(d.Raw)
	}
	return f, true
}
