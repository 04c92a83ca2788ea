package sync

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
)

const previewLen = 100

// Engine mirrors reconciled conversations into the local cache. It
// consumes conversation.seeded and message.appended from the bus and
// writes them idempotently.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger.Named("engine"),
	}
}

// Start subscribes to the bus and ingests events until Stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	// One subscription keeps a snapshot ordered before the messages
	// appended after it.
	ch, unsub := e.bus.Subscribe("", 512)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the ingest goroutine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConversationSeeded:
		s, ok := evt.Payload.(Seeded)
		if !ok {
			return
		}
		if err := e.IngestSnapshot(s.Ref, s.Messages); err != nil {
			e.logger.Error("failed to ingest snapshot", zap.Error(err), zap.String("chat_id", s.Ref.ChatID.String()))
		} else {
			e.logger.Debug("snapshot ingested", zap.String("chat_id", s.Ref.ChatID.String()), zap.Int("messages", len(s.Messages)))
		}
	case bus.KindMessageAppended:
		a, ok := evt.Payload.(Appended)
		if !ok {
			return
		}
		var err error
		if a.Sequence != nil {
			err = e.IngestSnapshot(a.Ref, a.Sequence)
		} else {
			err = e.IngestMessage(a.Ref, a.Message, a.Index)
		}
		if err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("chat_id", a.Ref.ChatID.String()))
		}
	}
}

// IngestMessage stores one message at position idx and bumps the chat's
// preview (idempotent).
func (e *Engine) IngestMessage(ref model.ConversationRef, m model.Message, idx int) error {
	now := time.Now().UnixMilli()
	if err := e.db.UpsertChat(chatRecord(ref, &m, now)); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	rec := messageRecord(ref.ChatID, m, idx, now)
	if err := e.db.UpsertMessage(&rec); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// IngestSnapshot replaces the cached sequence of a chat.
func (e *Engine) IngestSnapshot(ref model.ConversationRef, msgs []model.Message) error {
	now := time.Now().UnixMilli()
	var last *model.Message
	if len(msgs) > 0 {
		last = &msgs[len(msgs)-1]
	}
	if err := e.db.UpsertChat(chatRecord(ref, last, now)); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	recs := make([]store.Message, len(msgs))
	for i, m := range msgs {
		recs[i] = messageRecord(ref.ChatID, m, i, now)
	}
	if err := e.db.ReplaceMessages(ref.ChatID.String(), recs); err != nil {
		return fmt.Errorf("replace messages: %w", err)
	}
	return nil
}

func chatRecord(ref model.ConversationRef, last *model.Message, now int64) *store.Chat {
	c := &store.Chat{
		ChatID:        ref.ChatID.String(),
		Kind:          string(ref.Kind),
		Title:         ref.Title(),
		CounterpartID: ref.Counterpart.ID.String(),
	}
	if last != nil {
		c.LastMessageAt = now
		if !last.SentAt.IsZero() {
			c.LastMessageAt = last.SentAt.UnixMilli()
		}
		c.LastMessagePreview = truncate(last.Text, previewLen)
	}
	return c
}

func messageRecord(chatID model.ID, m model.Message, idx int, now int64) store.Message {
	rec := store.Message{
		ChatID:      chatID.String(),
		MsgKey:      m.Key(idx),
		Position:    int64(idx),
		SenderID:    m.SenderID.String(),
		SenderName:  m.SenderName,
		Body:        m.Text,
		Seq:         m.Seq,
		ClientMsgID: m.ClientMsgID,
		ReceivedAt:  now,
	}
	if !m.SentAt.IsZero() {
		rec.SentAt = m.SentAt.UnixMilli()
	}
	return rec
}

// FromStore converts a cached message back to the domain type.
func FromStore(rec store.Message) model.Message {
	m := model.Message{
		ChatID:      model.ID(rec.ChatID),
		SenderID:    model.ID(rec.SenderID),
		Text:        rec.Body,
		SenderName:  rec.SenderName,
		Seq:         rec.Seq,
		ClientMsgID: rec.ClientMsgID,
	}
	if rec.SentAt > 0 {
		m.SentAt = time.UnixMilli(rec.SentAt)
	}
	return m
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Keep the cut on a rune boundary.
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
