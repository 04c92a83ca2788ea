package bus

import "time"

// Event kinds. Subscribers filter on the prefix before the dot.
const (
	KindStatusChanged      = "session.status_changed"
	KindIdentityChanged    = "session.identity_changed"
	KindTransportConnected = "transport.connected"
	KindTransportLost      = "transport.disconnected"
	KindConversationOpened = "conversation.opened"
	KindConversationSeeded = "conversation.seeded"
	KindConversationClosed = "conversation.closed"
	KindMessageAppended    = "message.appended"
	KindMessageSent        = "message.sent"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
