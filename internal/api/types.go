package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type StatusResponse struct {
	Profile       string          `json:"profile"`
	State         string          `json:"state"`
	User          *model.Identity `json:"user,omitempty"`
	Connected     bool            `json:"connected"`
	Conversations int             `json:"conversations"`
	ChatCount     int64           `json:"chatCount"`
	MessageCount  int64           `json:"messageCount"`
	UptimeMs      int64           `json:"uptimeMs"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type IdentityResponse struct {
	User model.Identity `json:"user"`
}

// WatchRequest filters streamed events by kind prefix; empty means all.
type WatchRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

// Event is a bus event as streamed to clients.
type Event struct {
	ID         string          `json:"id"`
	Profile    string          `json:"profile"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type UsersResponse struct {
	Users []model.User `json:"users"`
}

type GroupsResponse struct {
	Groups []model.Group `json:"groups"`
}

type CreateGroupRequest struct {
	Name      string     `json:"name"`
	MemberIDs []model.ID `json:"memberIds"`
}

type GroupResponse struct {
	Group model.Group `json:"group"`
}

type UserRequest struct {
	UserID model.ID `json:"userId"`
}

// OpenPrivateRequest opens the chat with UserID. Username is looked up in
// the directory when empty.
type OpenPrivateRequest struct {
	UserID   model.ID `json:"userId"`
	Username string   `json:"username,omitempty"`
}

type OpenGroupRequest struct {
	GroupID model.ID `json:"groupId"`
	Name    string   `json:"name,omitempty"`
}

type ChatRequest struct {
	ChatID model.ID `json:"chatId"`
	Limit  int      `json:"limit,omitempty"`
}

// Conversation describes an open conversation.
type Conversation struct {
	Ref          model.ConversationRef `json:"ref"`
	Seeded       bool                  `json:"seeded"`
	Subscribed   bool                  `json:"subscribed"`
	Active       bool                  `json:"active"`
	MessageCount int                   `json:"messageCount"`
}

type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type CloseResponse struct {
	Closed bool `json:"closed"`
}

type MembersResponse struct {
	Members []string `json:"members"`
}

// CachedChat is a conversation known to the local cache.
type CachedChat struct {
	ChatID             model.ID   `json:"chatId"`
	Kind               model.Kind `json:"kind"`
	Title              string     `json:"title"`
	LastMessageAt      time.Time  `json:"lastMessageAt,omitzero"`
	LastMessagePreview string     `json:"lastMessagePreview,omitempty"`
}

type ChatsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ChatsResponse struct {
	Chats   []CachedChat `json:"chats"`
	HasMore bool         `json:"hasMore"`
}

type MessagesResponse struct {
	Messages []model.Message `json:"messages"`
}

type SendRequest struct {
	ChatID model.ID `json:"chatId"`
	Text   string   `json:"text"`
}

type SendResponse struct {
	ClientMsgID string `json:"clientMsgId"`
	// Queued is false when the connection was down and the message was
	// dropped.
	Queued bool `json:"queued"`
}

type SearchRequest struct {
	Query  string   `json:"query"`
	ChatID model.ID `json:"chatId,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

type SearchHit struct {
	Message model.Message `json:"message"`
	Snippet string        `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchHit `json:"results"`
	HasMore bool        `json:"hasMore"`
}
