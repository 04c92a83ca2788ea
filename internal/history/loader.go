// Package history fetches conversation snapshots from the REST API.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/rest"
)

// API is the subset of the REST client used for history.
type API interface {
	StartPrivateChat(ctx context.Context, token string, userID model.ID) (*rest.PrivateChat, error)
	FetchGroupMessages(ctx context.Context, token string, groupID model.ID) ([]model.Message, error)
	FetchGroupMembers(ctx context.Context, token string, groupID model.ID) ([]string, error)
}

// Snapshot is the server's history of one chat at fetch time.
type Snapshot struct {
	ChatID   model.ID
	Messages []model.Message
}

// Loader wraps the history endpoints for one session token.
type Loader struct {
	api   API
	token string
	log   *zap.Logger
}

// NewLoader creates a loader that authenticates with token.
func NewLoader(api API, token string, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{api: api, token: token, log: log.Named("history")}
}

// StartPrivate resolves, creating if needed, the private chat with
// counterpart and returns it with its history.
func (l *Loader) StartPrivate(ctx context.Context, counterpart model.ID) (Snapshot, error) {
	chat, err := l.api.StartPrivateChat(ctx, l.token, counterpart)
	if err != nil {
		return Snapshot{}, fmt.Errorf("starting private chat with %s: %w", counterpart, err)
	}
	return Snapshot{ChatID: chat.ChatID, Messages: stamp(chat.ChatID, chat.Messages)}, nil
}

// Fetch returns the history of ref. Private chats resume through the
// counterpart, groups are fetched by id.
func (l *Loader) Fetch(ctx context.Context, ref model.ConversationRef) (Snapshot, error) {
	switch ref.Kind {
	case model.KindPrivate:
		snap, err := l.StartPrivate(ctx, ref.Counterpart.ID)
		if err != nil {
			return Snapshot{}, err
		}
		if !ref.ChatID.IsZero() && snap.ChatID != ref.ChatID {
			return Snapshot{}, fmt.Errorf("%w: private chat with %s resolved to %s, expected %s",
				chaterrors.ErrAPIResponse, ref.Counterpart.ID, snap.ChatID, ref.ChatID)
		}
		return snap, nil
	case model.KindGroup:
		msgs, err := l.api.FetchGroupMessages(ctx, l.token, ref.ChatID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("fetching group %s: %w", ref.ChatID, err)
		}
		return Snapshot{ChatID: ref.ChatID, Messages: stamp(ref.ChatID, msgs)}, nil
	default:
		return Snapshot{}, fmt.Errorf("%w: unknown conversation kind %q", chaterrors.ErrValidation, ref.Kind)
	}
}

// FetchOrEmpty is Fetch with a uniform fallback: a network failure or an
// error response (4xx/5xx) yields an empty snapshot so the conversation
// still opens and live messages flow. A rejected token is returned.
func (l *Loader) FetchOrEmpty(ctx context.Context, ref model.ConversationRef) (Snapshot, error) {
	snap, err := l.Fetch(ctx, ref)
	if err == nil {
		return snap, nil
	}
	if recoverable(err) {
		l.log.Warn("history unavailable, starting empty",
			zap.String("chat_id", ref.ChatID.String()), zap.Error(err))
		return Snapshot{ChatID: ref.ChatID}, nil
	}
	return Snapshot{}, err
}

func recoverable(err error) bool {
	if errors.Is(err, chaterrors.ErrUnauthorized) {
		return false
	}
	return errors.Is(err, chaterrors.ErrNetwork) || errors.Is(err, chaterrors.ErrAPIResponse)
}

// Members returns a group's member usernames in server order.
func (l *Loader) Members(ctx context.Context, groupID model.ID) ([]string, error) {
	members, err := l.api.FetchGroupMembers(ctx, l.token, groupID)
	if err != nil {
		return nil, fmt.Errorf("fetching members of %s: %w", groupID, err)
	}
	return members, nil
}

// stamp fills in the chat id of history entries that omit it.
func stamp(chatID model.ID, msgs []model.Message) []model.Message {
	for i := range msgs {
		if msgs[i].ChatID.IsZero() {
			msgs[i].ChatID = chatID
		}
	}
	return msgs
}
