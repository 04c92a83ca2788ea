// Package session owns everything scoped to one signed-in identity: the
// live connection, room subscriptions, open conversations and the outbound
// dispatcher. Identity changes close the session and open a new one.
package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/rooms"
	"github.com/matheus3301/chatsync/internal/status"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Options are the tunables of a session, usually taken from config.
type Options struct {
	WebsocketURL     string
	JoinEvent        string
	LeaveOnClose     bool
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	IdleTimeout      time.Duration
	DedupWindow      time.Duration
	MaxMessageLength int
}

// Deps are the collaborators shared across sessions.
type Deps struct {
	API    history.API
	Bus    *bus.Bus
	Status *status.Machine
	Log    *zap.Logger
	// Dial overrides the websocket dialer. Nil uses the real one.
	Dial transport.DialFunc
}

// Session is one authenticated session.
type Session struct {
	identity model.Identity
	log      *zap.Logger

	conn   *transport.Conn
	rooms  *rooms.Manager
	rec    *chatsync.Reconciler
	loader *history.Loader
	out    *outbox.Dispatcher
}

// Open builds the session-scoped components for identity and starts
// connecting. It does not wait for the connection.
func Open(ctx context.Context, opts Options, deps Deps, identity model.Identity, token string) (*Session, error) {
	if token == "" || identity.ID.IsZero() {
		return nil, chaterrors.ErrUnauthenticated
	}
	if opts.WebsocketURL == "" {
		return nil, fmt.Errorf("%w: websocket url is required", chaterrors.ErrValidation)
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("user_id", identity.ID.String()))

	conn := transport.New(transport.Options{
		URL:          opts.WebsocketURL,
		Token:        token,
		ReconnectMin: opts.ReconnectMin,
		ReconnectMax: opts.ReconnectMax,
		IdleTimeout:  opts.IdleTimeout,
		Status:       deps.Status,
		Bus:          deps.Bus,
		Log:          log,
		Dial:         deps.Dial,
	})
	rm := rooms.New(conn, opts.JoinEvent, log)
	s := &Session{
		identity: identity,
		log:      log.Named("session"),
		conn:     conn,
		rooms:    rm,
		rec: chatsync.NewReconciler(conn, rm, chatsync.Options{
			DedupWindow:  opts.DedupWindow,
			LeaveOnClose: opts.LeaveOnClose,
			Bus:          deps.Bus,
			Log:          log,
		}),
		loader: history.NewLoader(deps.API, token, log),
		out:    outbox.NewDispatcher(conn, rm, identity, opts.MaxMessageLength, deps.Bus, log),
	}
	conn.Start(ctx)
	s.log.Info("session opened", zap.String("username", identity.Username))
	return s, nil
}

// Close closes every conversation and the connection.
func (s *Session) Close() error {
	s.rec.CloseAll()
	s.rooms.Close()
	err := s.conn.Close()
	s.log.Info("session closed")
	return err
}

// Identity returns the session's user.
func (s *Session) Identity() model.Identity { return s.identity }

// Connected reports whether the live connection is up.
func (s *Session) Connected() bool { return s.conn.Connected() }

// Done is closed when the connection stops for good, after Close or when
// the server rejected the token.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

// Err returns the reason the connection stopped; it wraps ErrUnauthorized
// on an auth failure.
func (s *Session) Err() error { return s.conn.Err() }

// OpenPrivate resolves the private chat with counterpart and opens it.
func (s *Session) OpenPrivate(ctx context.Context, counterpart model.Identity) (*chatsync.Conversation, error) {
	if counterpart.ID.IsZero() {
		return nil, fmt.Errorf("%w: user id is required", chaterrors.ErrValidation)
	}
	if counterpart.ID == s.identity.ID {
		return nil, fmt.Errorf("%w: cannot open a private chat with yourself", chaterrors.ErrValidation)
	}
	// Resolving the chat id needs one round trip; the history is fetched
	// again once the room is joined so nothing sent in between is lost.
	resolved, err := s.loader.StartPrivate(ctx, counterpart.ID)
	if err != nil {
		return nil, err
	}
	ref := model.PrivateRef(resolved.ChatID, counterpart)
	return s.rec.Open(ctx, ref, s.loader.FetchOrEmpty)
}

// OpenGroup opens a group conversation.
func (s *Session) OpenGroup(ctx context.Context, group model.Group) (*chatsync.Conversation, error) {
	if group.ID.IsZero() {
		return nil, fmt.Errorf("%w: group id is required", chaterrors.ErrValidation)
	}
	return s.rec.Open(ctx, model.GroupRef(group.ID, group.Name), s.loader.FetchOrEmpty)
}

// CloseConversation closes chatID. It reports whether it was open.
func (s *Session) CloseConversation(chatID model.ID) bool {
	return s.rec.Close(chatID)
}

// Focus marks chatID as the foreground conversation.
func (s *Session) Focus(chatID model.ID) error {
	if !s.rec.SetActive(chatID) {
		return fmt.Errorf("%w: %s", chaterrors.ErrConversationNotOpen, chatID)
	}
	return nil
}

// Active returns the foreground chat id.
func (s *Session) Active() model.ID { return s.rec.Active() }

// Conversation returns the open conversation for chatID.
func (s *Session) Conversation(chatID model.ID) (*chatsync.Conversation, bool) {
	return s.rec.Get(chatID)
}

// Conversations lists open conversations by chat id.
func (s *Session) Conversations() []*chatsync.Conversation {
	return s.rec.List()
}

// Send sends text to an open conversation. The message shows up in the
// conversation when the server echoes it.
func (s *Session) Send(chatID model.ID, text string) (outbox.Outbound, error) {
	conv, ok := s.rec.Get(chatID)
	if !ok {
		return outbox.Outbound{}, fmt.Errorf("%w: %s", chaterrors.ErrConversationNotOpen, chatID)
	}
	return s.out.Send(conv.Ref(), text)
}

// Members returns the usernames of a group's members.
func (s *Session) Members(ctx context.Context, groupID model.ID) ([]string, error) {
	return s.loader.Members(ctx, groupID)
}

// Joined returns the chat ids joined on the connection.
func (s *Session) Joined() []model.ID { return s.rooms.Joined() }
