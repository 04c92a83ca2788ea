// Package outbox sends user messages over the live connection.
package outbox

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/matheus3301/chatsync/internal/bus"
	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
)

// EventSendMessage is the wire event carrying an outbound message.
const EventSendMessage = "sendMessage"

// DefaultMaxLength bounds message text in bytes.
const DefaultMaxLength = 5000

// Emitter is the part of transport.Conn the dispatcher writes to.
type Emitter interface {
	Emit(event string, payload any) bool
}

// Rooms is the part of rooms.Manager used to close the join race.
type Rooms interface {
	Join(chatID model.ID) bool
	IsJoined(chatID model.ID) bool
}

// Outbound is the sendMessage payload. Queued reports whether the frame
// reached the connection's write queue; it is not serialized.
type Outbound struct {
	ChatID      model.ID `json:"chatId"`
	SenderID    model.ID `json:"senderId"`
	Text        string   `json:"text"`
	ClientMsgID string   `json:"clientMsgId"`
	Queued      bool     `json:"-"`
}

// Dispatcher validates and emits messages for one identity. It never
// inserts into a conversation: the server's echo is the only source of
// displayed messages.
type Dispatcher struct {
	conn      Emitter
	rooms     Rooms
	self      model.Identity
	maxLength int
	bus       *bus.Bus
	logger    *zap.Logger
	newID     func() string
}

// NewDispatcher creates a dispatcher sending as self. maxLength <= 0
// selects DefaultMaxLength.
func NewDispatcher(conn Emitter, rooms Rooms, self model.Identity, maxLength int, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		conn:      conn,
		rooms:     rooms,
		self:      self,
		maxLength: maxLength,
		bus:       b,
		logger:    logger.Named("outbox"),
		newID:     uuid.NewString,
	}
}

// Normalize rejects whitespace-only text, NFC-normalises the rest and
// enforces the length bound. Surrounding whitespace is kept; the text goes
// out as typed.
func Normalize(text string, maxLength int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", chaterrors.ErrEmptyMessage
	}
	text = norm.NFC.String(text)
	if len(text) > maxLength {
		return "", fmt.Errorf("%w: %d bytes, limit %d", chaterrors.ErrMessageTooLong, len(text), maxLength)
	}
	return text, nil
}

// Send emits text to ref's chat. Whitespace-only text is rejected without
// emitting. If the room is not joined yet the join is emitted first on the
// same ordered connection.
func (d *Dispatcher) Send(ref model.ConversationRef, text string) (Outbound, error) {
	if ref.ChatID.IsZero() {
		return Outbound{}, fmt.Errorf("%w: chat id is required", chaterrors.ErrValidation)
	}
	text, err := Normalize(text, d.maxLength)
	if err != nil {
		return Outbound{}, err
	}

	if !d.rooms.IsJoined(ref.ChatID) {
		d.rooms.Join(ref.ChatID)
	}

	out := Outbound{
		ChatID:      ref.ChatID,
		SenderID:    d.self.ID,
		Text:        text,
		ClientMsgID: d.newID(),
	}
	out.Queued = d.conn.Emit(EventSendMessage, out)
	if !out.Queued {
		d.logger.Warn("message dropped, not connected",
			zap.String("chat_id", ref.ChatID.String()), zap.String("client_msg_id", out.ClientMsgID))
	} else {
		d.logger.Debug("message sent",
			zap.String("chat_id", ref.ChatID.String()), zap.String("client_msg_id", out.ClientMsgID))
	}
	d.bus.Publish(bus.NewEvent(bus.KindMessageSent, out))
	return out, nil
}
