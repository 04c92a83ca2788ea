// Package api serves the daemon's control API over gRPC. Messages are
// plain Go structs carried by a JSON codec, so the service descriptors
// are declared by hand instead of generated.
package api

import (
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	grpcstatus "google.golang.org/grpc/status"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
)

// Codec is the content subtype clients must request.
const Codec = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return Codec }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, chaterrors.ErrValidation),
		errors.Is(err, chaterrors.ErrEmptyMessage),
		errors.Is(err, chaterrors.ErrMessageTooLong),
		errors.Is(err, chaterrors.ErrGroupNameRequired),
		errors.Is(err, chaterrors.ErrGroupMembersRequired):
		code = codes.InvalidArgument
	case errors.Is(err, chaterrors.ErrUnauthenticated),
		errors.Is(err, chaterrors.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, chaterrors.ErrConversationNotOpen):
		code = codes.NotFound
	case errors.Is(err, chaterrors.ErrNetwork),
		errors.Is(err, chaterrors.ErrSessionClosed):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, err.Error())
}
