package errors

import "errors"

// Auth errors.
var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrUnauthorized    = errors.New("invalid or expired token")
)

// Transport/server errors.
var (
	ErrNetwork     = errors.New("request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Validation errors. Rejected before any network call.
var (
	ErrValidation           = errors.New("invalid input")
	ErrEmptyMessage         = errors.New("message text cannot be empty")
	ErrMessageTooLong       = errors.New("message exceeds maximum length")
	ErrGroupNameRequired    = errors.New("group name is required")
	ErrGroupMembersRequired = errors.New("group needs at least one member")
)

// Conversation errors.
var (
	ErrConversationNotOpen = errors.New("conversation is not open")
	ErrSessionClosed       = errors.New("session is not open")
)
