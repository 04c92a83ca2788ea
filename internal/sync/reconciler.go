package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
)

// EventReceiveMessage is the server push carrying one message.
const EventReceiveMessage = "receiveMessage"

// DefaultDedupWindow is the content dedup window for messages that carry
// neither a seq nor a client id.
const DefaultDedupWindow = 2 * time.Second

// Transport is the part of transport.Conn the reconciler listens on.
type Transport interface {
	On(event string, fn transport.Handler) transport.HandlerID
	Off(event string, id transport.HandlerID)
}

// Rooms is the part of rooms.Manager the reconciler drives.
type Rooms interface {
	Join(chatID model.ID) bool
	Leave(chatID model.ID)
	IsJoined(chatID model.ID) bool
}

// SnapshotFunc fetches the history of ref.
type SnapshotFunc func(ctx context.Context, ref model.ConversationRef) (history.Snapshot, error)

// Options tunes a Reconciler.
type Options struct {
	// DedupWindow bounds content dedup. Zero disables it; negative selects
	// DefaultDedupWindow.
	DedupWindow  time.Duration
	LeaveOnClose bool
	Bus          *bus.Bus
	Log          *zap.Logger
	Now          func() time.Time
}

// Opened, Seeded, Appended and Closed are the bus payloads published by
// conversations.
type (
	Opened struct {
		Ref model.ConversationRef `json:"ref"`
	}
	Seeded struct {
		Ref      model.ConversationRef `json:"ref"`
		Messages []model.Message       `json:"messages"`
	}
	Appended struct {
		Ref     model.ConversationRef `json:"ref"`
		Message model.Message         `json:"message"`
		// Index is the message's position in the sequence. When it was
		// inserted before existing messages Sequence holds the full
		// sequence after the insert.
		Index    int             `json:"index"`
		Sequence []model.Message `json:"sequence,omitempty"`
	}
	Closed struct {
		Ref model.ConversationRef `json:"ref"`
	}
)

// Reconciler is the room-indexed registry of open conversations.
type Reconciler struct {
	conn  Transport
	rooms Rooms
	opts  Options
	log   *zap.Logger

	mu     gosync.Mutex
	convs  map[model.ID]*Conversation
	active model.ID
}

// NewReconciler creates an empty registry.
func NewReconciler(conn Transport, rooms Rooms, opts Options) *Reconciler {
	if opts.DedupWindow < 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		conn:  conn,
		rooms: rooms,
		opts:  opts,
		log:   log.Named("reconciler"),
		convs: make(map[model.ID]*Conversation),
	}
}

// Open opens ref: it registers the conversation, joins its room, starts
// listening and seeds it from fetch. Live messages that arrive before the
// snapshot is applied are buffered and merged after it. Opening a chat
// that is already open returns the existing conversation.
//
// If fetch fails the conversation is closed and the error returned.
func (r *Reconciler) Open(ctx context.Context, ref model.ConversationRef, fetch SnapshotFunc) (*Conversation, error) {
	if ref.ChatID.IsZero() {
		return nil, fmt.Errorf("%w: conversation without chat id", chaterrors.ErrValidation)
	}

	r.mu.Lock()
	if c, ok := r.convs[ref.ChatID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	fctx, cancel := context.WithCancel(ctx)
	c := &Conversation{
		r:       r,
		ref:     ref,
		cancel:  cancel,
		seenSeq: make(map[int64]struct{}),
		seenCID: make(map[string]struct{}),
	}
	r.convs[ref.ChatID] = c
	r.mu.Unlock()

	c.mu.Lock()
	c.handler = r.conn.On(EventReceiveMessage, c.onLive)
	c.mu.Unlock()
	r.rooms.Join(ref.ChatID)
	r.opts.Bus.Publish(bus.NewEvent(bus.KindConversationOpened, Opened{Ref: ref}))
	r.log.Info("conversation opened", zap.String("chat_id", ref.ChatID.String()), zap.String("kind", string(ref.Kind)))

	snap, err := fetch(fctx, ref)
	if err != nil {
		r.closeConversation(c)
		return nil, fmt.Errorf("loading history of %s: %w", ref.ChatID, err)
	}
	if !c.seed(snap.Messages) {
		r.log.Debug("discarding snapshot for closed conversation", zap.String("chat_id", ref.ChatID.String()))
		return nil, fmt.Errorf("%w: %s closed while loading", chaterrors.ErrConversationNotOpen, ref.ChatID)
	}
	return c, nil
}

// Get returns the open conversation for chatID.
func (r *Reconciler) Get(chatID model.ID) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[chatID]
	return c, ok
}

// List returns the open conversations ordered by chat id.
func (r *Reconciler) List() []*Conversation {
	r.mu.Lock()
	out := make([]*Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Conversation) int {
		switch {
		case a.ref.ChatID < b.ref.ChatID:
			return -1
		case a.ref.ChatID > b.ref.ChatID:
			return 1
		}
		return 0
	})
	return out
}

// Close closes the conversation for chatID. The room stays joined unless
// LeaveOnClose is set. It reports whether a conversation was open.
func (r *Reconciler) Close(chatID model.ID) bool {
	r.mu.Lock()
	c, ok := r.convs[chatID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.closeConversation(c)
	return true
}

// CloseAll closes every open conversation.
func (r *Reconciler) CloseAll() {
	for _, c := range r.List() {
		r.closeConversation(c)
	}
}

func (r *Reconciler) closeConversation(c *Conversation) {
	r.mu.Lock()
	if r.convs[c.ref.ChatID] == c {
		delete(r.convs, c.ref.ChatID)
	}
	if r.active == c.ref.ChatID {
		r.active = ""
	}
	r.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handler := c.handler
	c.mu.Unlock()

	c.cancel()
	r.conn.Off(EventReceiveMessage, handler)
	if r.opts.LeaveOnClose {
		r.rooms.Leave(c.ref.ChatID)
	}
	r.opts.Bus.Publish(bus.NewEvent(bus.KindConversationClosed, Closed{Ref: c.ref}))
	r.log.Info("conversation closed", zap.String("chat_id", c.ref.ChatID.String()))
}

// SetActive marks chatID as the foreground conversation. It reports false
// when chatID is not open.
func (r *Reconciler) SetActive(chatID model.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[chatID]; !ok {
		return false
	}
	r.active = chatID
	return true
}

// Active returns the foreground chat id, empty when none.
func (r *Reconciler) Active() model.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

type recentEntry struct {
	sender model.ID
	text   string
	at     time.Time
}

// Conversation is the reconciled state of one open chat.
type Conversation struct {
	r       *Reconciler
	ref     model.ConversationRef
	cancel  context.CancelFunc
	handler transport.HandlerID

	mu      gosync.Mutex
	msgs    []model.Message
	pending []model.Message
	seeded  bool
	closed  bool
	seenSeq map[int64]struct{}
	seenCID map[string]struct{}
	recent  []recentEntry
}

// Ref returns the conversation's reference.
func (c *Conversation) Ref() model.ConversationRef { return c.ref }

// Messages returns a copy of the reconciled sequence.
func (c *Conversation) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.msgs)
}

// Seeded reports whether the snapshot has been applied.
func (c *Conversation) Seeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seeded
}

// Closed reports whether the conversation was closed.
func (c *Conversation) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribed reports whether live messages for this chat are being
// accepted: the conversation is open and its room is joined.
func (c *Conversation) Subscribed() bool {
	return !c.Closed() && c.r.rooms.IsJoined(c.ref.ChatID)
}

// seed applies the snapshot, then the buffered live messages. It reports
// false when the conversation was closed or already seeded.
func (c *Conversation) seed(snapshot []model.Message) bool {
	now := c.r.opts.Now()

	c.mu.Lock()
	if c.closed || c.seeded {
		c.mu.Unlock()
		return false
	}
	c.msgs = make([]model.Message, 0, len(snapshot)+len(c.pending))
	for _, m := range snapshot {
		m.ChatID = c.ref.ChatID
		// History may legitimately repeat a text, and snapshot entries
		// never enter the content window.
		c.admit(m, now, false)
	}
	c.seeded = true
	seededMsgs := slices.Clone(c.msgs)

	pending := c.pending
	c.pending = nil
	// Only the last len(pending) snapshot entries can be copies of
	// messages buffered during the fetch.
	var tail []model.Message
	if c.r.opts.DedupWindow > 0 {
		tail = slices.Clone(seededMsgs[max(0, len(seededMsgs)-len(pending)):])
	}
	var appended []Appended
	for _, m := range pending {
		var dup bool
		if tail, dup = consumeOverlap(tail, m); dup {
			continue
		}
		if a, ok := c.acceptLocked(m, now); ok {
			appended = append(appended, a)
		}
	}
	c.mu.Unlock()

	c.r.opts.Bus.Publish(bus.NewEvent(bus.KindConversationSeeded, Seeded{Ref: c.ref, Messages: seededMsgs}))
	for _, a := range appended {
		c.r.opts.Bus.Publish(bus.NewEvent(bus.KindMessageAppended, a))
	}
	c.r.log.Debug("conversation seeded",
		zap.String("chat_id", c.ref.ChatID.String()),
		zap.Int("snapshot", len(seededMsgs)),
		zap.Int("buffered", len(pending)))
	return true
}

// consumeOverlap matches a buffered message without seq or client id
// against the snapshot tail by sender and text. A matched entry is
// removed so it absorbs one buffered copy only.
func consumeOverlap(tail []model.Message, m model.Message) ([]model.Message, bool) {
	if m.Seq > 0 || m.ClientMsgID != "" {
		return tail, false
	}
	for i, s := range tail {
		if s.Seq == 0 && s.ClientMsgID == "" && s.SenderID == m.SenderID && s.Text == m.Text {
			return slices.Delete(tail, i, i+1), true
		}
	}
	return tail, false
}

// onLive handles receiveMessage. It runs on the transport's dispatch
// goroutine.
func (c *Conversation) onLive(data json.RawMessage) {
	var m model.Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.r.log.Debug("undecodable receiveMessage", zap.Error(err))
		return
	}
	if m.ChatID != c.ref.ChatID {
		return
	}
	if !c.r.rooms.IsJoined(c.ref.ChatID) {
		return
	}
	c.Accept(m)
}

// Accept applies one live message. Before the snapshot is applied it is
// buffered. It reports whether the message entered the sequence now.
func (c *Conversation) Accept(m model.Message) bool {
	if m.ChatID != c.ref.ChatID {
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if !c.seeded {
		c.pending = append(c.pending, m)
		c.mu.Unlock()
		return false
	}
	a, ok := c.acceptLocked(m, c.r.opts.Now())
	c.mu.Unlock()

	if ok {
		c.r.opts.Bus.Publish(bus.NewEvent(bus.KindMessageAppended, a))
	}
	return ok
}

func (c *Conversation) acceptLocked(m model.Message, now time.Time) (Appended, bool) {
	idx, ok := c.admit(m, now, true)
	if !ok {
		return Appended{}, false
	}
	c.remember(m, now)
	a := Appended{Ref: c.ref, Message: m, Index: idx}
	if idx < len(c.msgs)-1 {
		a.Sequence = slices.Clone(c.msgs)
	}
	return a, true
}

// admit runs dedup and inserts m, returning its index. Preference: seq,
// then client id, then sender+text within the window when window is set.
func (c *Conversation) admit(m model.Message, now time.Time, window bool) (int, bool) {
	switch {
	case m.Seq > 0:
		if _, dup := c.seenSeq[m.Seq]; dup {
			return 0, false
		}
	case m.ClientMsgID != "":
		if _, dup := c.seenCID[m.ClientMsgID]; dup {
			return 0, false
		}
	case window && c.r.opts.DedupWindow > 0:
		for _, e := range c.recent {
			if e.sender == m.SenderID && e.text == m.Text && now.Sub(e.at) < c.r.opts.DedupWindow {
				return 0, false
			}
		}
	}

	if m.Seq > 0 {
		c.seenSeq[m.Seq] = struct{}{}
	}
	if m.ClientMsgID != "" {
		c.seenCID[m.ClientMsgID] = struct{}{}
	}

	idx := len(c.msgs)
	if m.Seq > 0 {
		for idx > 0 && c.msgs[idx-1].Seq > m.Seq {
			idx--
		}
	}
	c.msgs = slices.Insert(c.msgs, idx, m)
	return idx, true
}

// remember records m for the content window and prunes expired entries.
func (c *Conversation) remember(m model.Message, now time.Time) {
	window := c.r.opts.DedupWindow
	if window <= 0 {
		return
	}
	kept := c.recent[:0]
	for _, e := range c.recent {
		if now.Sub(e.at) < window {
			kept = append(kept, e)
		}
	}
	c.recent = append(kept, recentEntry{sender: m.SenderID, text: m.Text, at: now})
}
