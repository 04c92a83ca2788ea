package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertChat inserts or updates a chat record. Empty title, counterpart and
// a zero last-message timestamp never overwrite known values.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (chat_id, kind, title, counterpart_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			kind = excluded.kind,
			title = COALESCE(NULLIF(excluded.title, ''), chats.title),
			counterpart_id = COALESCE(NULLIF(excluded.counterpart_id, ''), chats.counterpart_id),
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE
				WHEN excluded.last_message_at >= chats.last_message_at AND excluded.last_message_preview != ''
				THEN excluded.last_message_preview
				ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ChatID, c.Kind, c.Title, c.CounterpartID, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT chat_id, kind, title, counterpart_id, last_message_at, last_message_preview
		FROM chats
		ORDER BY last_message_at DESC, chat_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ChatID, &c.Kind, &c.Title, &c.CounterpartID, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil when it is not cached.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT chat_id, kind, title, counterpart_id, last_message_at, last_message_preview
		FROM chats WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.Kind, &c.Title, &c.CounterpartID, &c.LastMessageAt, &c.LastMessagePreview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChat drops a chat and its cached messages.
func (db *DB) DeleteChat(chatID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	return tx.Commit()
}

// Counts returns the number of cached chats and messages.
func (db *DB) Counts() (chats, messages int64, err error) {
	err = db.QueryRow(`SELECT (SELECT COUNT(*) FROM chats), (SELECT COUNT(*) FROM messages)`).Scan(&chats, &messages)
	return chats, messages, err
}
