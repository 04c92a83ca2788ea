package store

import (
	"database/sql"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (chat_id, msg_key, position, sender_id, sender_name, body, seq, client_msg_id, sent_at, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id, msg_key) DO UPDATE SET
		position = excluded.position,
		sender_name = excluded.sender_name,
		body = excluded.body,
		sent_at = excluded.sent_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(e execer, m *Message) error {
	received := m.ReceivedAt
	if received == 0 {
		received = time.Now().UnixMilli()
	}
	_, err := e.Exec(upsertMessageSQL,
		m.ChatID, m.MsgKey, m.Position, m.SenderID, m.SenderName, m.Body,
		m.Seq, m.ClientMsgID, m.SentAt, received)
	return err
}

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_key).
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db, m)
}

// ReplaceMessages swaps the cached sequence of a chat for msgs in one
// transaction. Used when a conversation is seeded from a fresh snapshot.
func (db *DB) ReplaceMessages(chatID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].ChatID = chatID
		if err := upsertMessage(tx, &msgs[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns up to limit messages of a chat, the most recent
// ones, in conversation order.
func (db *DB) ListMessages(chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_key, position, sender_id, sender_name, body, seq, client_msg_id, sent_at, received_at
		FROM (
			SELECT * FROM messages
			WHERE chat_id = ?
			ORDER BY position DESC, id DESC
			LIMIT ?
		)
		ORDER BY position ASC, id ASC`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner, m *Message, extra ...any) error {
	dest := []any{&m.ID, &m.ChatID, &m.MsgKey, &m.Position, &m.SenderID, &m.SenderName,
		&m.Body, &m.Seq, &m.ClientMsgID, &m.SentAt, &m.ReceivedAt}
	return s.Scan(append(dest, extra...)...)
}
