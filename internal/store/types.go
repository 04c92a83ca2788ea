package store

// Chat is the cached view of a conversation for the conversation list.
type Chat struct {
	ChatID             string
	Kind               string
	Title              string
	CounterpartID      string
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a reconciled message as persisted in the local cache.
type Message struct {
	ID          int64
	ChatID      string
	MsgKey      string
	Position    int64
	SenderID    string
	SenderName  string
	Body        string
	Seq         int64
	ClientMsgID string
	SentAt      int64
	ReceivedAt  int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
