package model

import "time"

// Identity is an authenticated user as resolved by the identity endpoint.
type Identity struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
}

// User is an entry of the user directory.
type User = Identity

// Group is a named group chat.
type Group struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// Kind distinguishes private from group conversations.
type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

// ConversationRef identifies exactly one channel on the transport.
// Counterpart is set for private chats, Name for groups.
type ConversationRef struct {
	Kind        Kind     `json:"kind"`
	ChatID      ID       `json:"chatId"`
	Counterpart Identity `json:"counterpart,omitzero"`
	Name        string   `json:"name,omitempty"`
}

// PrivateRef returns a reference to a one-to-one conversation.
func PrivateRef(chatID ID, counterpart Identity) ConversationRef {
	return ConversationRef{Kind: KindPrivate, ChatID: chatID, Counterpart: counterpart}
}

// GroupRef returns a reference to a group conversation.
func GroupRef(chatID ID, name string) ConversationRef {
	return ConversationRef{Kind: KindGroup, ChatID: chatID, Name: name}
}

// Title is the display name of the conversation.
func (r ConversationRef) Title() string {
	if r.Kind == KindGroup {
		return r.Name
	}
	return r.Counterpart.Username
}

// Message is a single chat message. Seq, ClientMsgID and SentAt are only
// present when the server provides them.
type Message struct {
	ChatID      ID        `json:"chatId"`
	SenderID    ID        `json:"senderId"`
	Text        string    `json:"text"`
	SenderName  string    `json:"senderName,omitempty"`
	Seq         int64     `json:"seq,omitempty"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	SentAt      time.Time `json:"createdAt,omitzero"`
}

// Key returns a stable identity for the message at position in its chat,
// used by the local cache. Messages without seq, client id or server
// timestamp are keyed by position, since identical texts may repeat.
func (m Message) Key(position int) string {
	switch {
	case m.Seq > 0:
		return "seq:" + itoa(m.Seq)
	case m.ClientMsgID != "":
		return "cid:" + m.ClientMsgID
	case !m.SentAt.IsZero():
		return "ts:" + itoa(m.SentAt.UnixMilli()) + ":" + string(m.SenderID)
	default:
		return "pos:" + itoa(int64(position))
	}
}
