package model

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ID is the canonical form of a server-assigned identifier (chat or user).
// The REST API and the live channel do not agree on whether ids are JSON
// numbers or strings, so both decode to the same canonical string here and
// nothing past the wire boundary compares raw values.
type ID string

// IsZero reports whether the id is empty.
func (id ID) IsZero() bool { return id == "" }

func (id ID) String() string { return string(id) }

// ParseID canonicalises a user-supplied id (flags, CLI args).
func ParseID(s string) ID {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ID(strconv.FormatInt(n, 10))
	}
	return ID(s)
}

// UnmarshalJSON accepts a JSON number, string or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	switch r.Type {
	case gjson.Null:
		*id = ""
	case gjson.String:
		*id = ParseID(r.Str)
	case gjson.Number:
		*id = ID(canonicalNumber(r))
	default:
		return fmt.Errorf("decoding id: unsupported JSON value %s", bytes.TrimSpace(data))
	}
	return nil
}

// MarshalJSON writes integer ids as JSON numbers and everything else as
// strings, so a server keyed on numeric room names sees the form it issued.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isInteger() {
		return []byte(id), nil
	}
	return []byte(strconv.Quote(string(id))), nil
}

func (id ID) isInteger() bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil
}

func canonicalNumber(r gjson.Result) string {
	if n, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	if r.Num == float64(int64(r.Num)) {
		return strconv.FormatInt(int64(r.Num), 10)
	}
	return r.Raw
}
