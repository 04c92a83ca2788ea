package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	grpcstatus "google.golang.org/grpc/status"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("wrap: %w", chaterrors.ErrValidation), codes.InvalidArgument},
		{chaterrors.ErrEmptyMessage, codes.InvalidArgument},
		{chaterrors.ErrMessageTooLong, codes.InvalidArgument},
		{chaterrors.ErrGroupNameRequired, codes.InvalidArgument},
		{chaterrors.ErrGroupMembersRequired, codes.InvalidArgument},
		{chaterrors.ErrUnauthenticated, codes.Unauthenticated},
		{fmt.Errorf("%w: rejected", chaterrors.ErrUnauthorized), codes.Unauthenticated},
		{chaterrors.ErrConversationNotOpen, codes.NotFound},
		{fmt.Errorf("%w: dial", chaterrors.ErrNetwork), codes.Unavailable},
		{chaterrors.ErrSessionClosed, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := toStatus(tt.err)
			assert.Equal(t, tt.want, grpcstatus.Code(err))
			assert.Equal(t, tt.err.Error(), grpcstatus.Convert(err).Message())
		})
	}
}

func TestToStatusKeepsStatusErrors(t *testing.T) {
	in := grpcstatus.Error(codes.Aborted, "stop")
	assert.Equal(t, in, toStatus(in))
	assert.NoError(t, toStatus(nil))
}

func TestJSONCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(Codec)
	require.NotNil(t, c)

	data, err := c.Marshal(&SendRequest{ChatID: "12", Text: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chatId":12,"text":"hi"}`, string(data))

	var out OpenPrivateRequest
	require.NoError(t, c.Unmarshal([]byte(`{"userId":"7"}`), &out))
	assert.Equal(t, model.ID("7"), out.UserID)
}
