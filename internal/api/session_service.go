package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// Identity is the subset of the identity holder the API drives.
type Identity interface {
	Current() (model.Identity, string, bool)
	Login(ctx context.Context, username, password string) (model.Identity, error)
	Signup(ctx context.Context, username, password string) (model.Identity, error)
	Logout() error
}

// Sessions returns the session of the signed-in user.
type Sessions interface {
	Current() (*session.Session, error)
}

// SessionService implements SessionServer.
type SessionService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	identity  Identity
	sessions  Sessions
	bus       *bus.Bus
	db        *store.DB
	log       *zap.Logger
}

// NewSessionService creates a new session service. db may be nil.
func NewSessionService(profile string, machine *status.Machine, id Identity, sessions Sessions, b *bus.Bus, db *store.DB, log *zap.Logger) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		identity:  id,
		sessions:  sessions,
		bus:       b,
		db:        db,
		log:       logging.OrNop(log).Named("api"),
	}
}

func (s *SessionService) Status(_ context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:  s.profile,
		State:    string(s.machine.Current()),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if user, _, ok := s.identity.Current(); ok {
		resp.User = &user
	}
	if sess, err := s.sessions.Current(); err == nil {
		resp.Connected = sess.Connected()
		resp.Conversations = len(sess.Conversations())
	}
	if s.db != nil {
		if chats, msgs, err := s.db.Counts(); err == nil {
			resp.ChatCount, resp.MessageCount = chats, msgs
		}
	}
	return resp, nil
}

func (s *SessionService) Login(ctx context.Context, req *Credentials) (*IdentityResponse, error) {
	user, err := s.identity.Login(ctx, req.Username, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}
	return &IdentityResponse{User: user}, nil
}

func (s *SessionService) Signup(ctx context.Context, req *Credentials) (*IdentityResponse, error) {
	user, err := s.identity.Signup(ctx, req.Username, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}
	return &IdentityResponse{User: user}, nil
}

func (s *SessionService) Logout(_ context.Context, _ *Empty) (*Empty, error) {
	if err := s.identity.Logout(); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *SessionService) WatchEvents(req *WatchRequest, stream EventSender) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out := &Event{
				ID:         uuid.NewString(),
				Profile:    s.profile,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp,
			}
			if evt.Payload != nil {
				payload, err := json.Marshal(evt.Payload)
				if err != nil {
					s.log.Warn("encoding event payload", zap.String("kind", evt.Kind), zap.Error(err))
				} else {
					out.Payload = payload
				}
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
