package store

import (
	"database/sql"
	"errors"
	"time"
)

// TokenKey is the kv key holding the bearer token.
const TokenKey = "auth.token"

// GetValue returns the value stored under key. ok is false when absent.
func (db *DB) GetValue(key string) (value string, ok bool, err error) {
	err = db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetValue inserts or replaces the value under key.
func (db *DB) SetValue(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// DeleteValue removes key. Deleting a missing key is not an error.
func (db *DB) DeleteValue(key string) error {
	_, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Tokens adapts the kv table to the identity token store.
type Tokens struct {
	DB *DB
}

func (t Tokens) Load() (string, bool, error) { return t.DB.GetValue(TokenKey) }

func (t Tokens) Save(token string) error { return t.DB.SetValue(TokenKey, token) }

func (t Tokens) Clear() error { return t.DB.DeleteValue(TokenKey) }
