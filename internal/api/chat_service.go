package api

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// Directory is the subset of the REST client behind the chat service.
type Directory interface {
	ListUsers(ctx context.Context, token string) ([]model.User, error)
	ListGroups(ctx context.Context, token string) ([]model.Group, error)
	CreateGroup(ctx context.Context, token, name string, memberIDs []model.ID) (model.Group, error)
	DeletePrivateChat(ctx context.Context, token string, userID model.ID) error
}

// ChatService implements ChatServer.
type ChatService struct {
	identity Identity
	dir      Directory
	sessions Sessions
	db       *store.DB
	log      *zap.Logger
}

// NewChatService creates a chat service. db may be nil, which disables
// Chats and cache cleanup.
func NewChatService(id Identity, dir Directory, sessions Sessions, db *store.DB, log *zap.Logger) *ChatService {
	return &ChatService{identity: id, dir: dir, sessions: sessions, db: db, log: logging.OrNop(log).Named("api")}
}

func (s *ChatService) token() (model.Identity, string, error) {
	user, token, ok := s.identity.Current()
	if !ok {
		return model.Identity{}, "", chaterrors.ErrUnauthenticated
	}
	return user, token, nil
}

func (s *ChatService) ListUsers(ctx context.Context, _ *Empty) (*UsersResponse, error) {
	_, token, err := s.token()
	if err != nil {
		return nil, toStatus(err)
	}
	users, err := s.dir.ListUsers(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	return &UsersResponse{Users: users}, nil
}

func (s *ChatService) ListGroups(ctx context.Context, _ *Empty) (*GroupsResponse, error) {
	_, token, err := s.token()
	if err != nil {
		return nil, toStatus(err)
	}
	groups, err := s.dir.ListGroups(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GroupsResponse{Groups: groups}, nil
}

func (s *ChatService) CreateGroup(ctx context.Context, req *CreateGroupRequest) (*GroupResponse, error) {
	_, token, err := s.token()
	if err != nil {
		return nil, toStatus(err)
	}
	g, err := s.dir.CreateGroup(ctx, token, req.Name, req.MemberIDs)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GroupResponse{Group: g}, nil
}

// DeletePrivate deletes the private chat with a user on the server, then
// closes it locally and drops it from the cache.
func (s *ChatService) DeletePrivate(ctx context.Context, req *UserRequest) (*Empty, error) {
	_, token, err := s.token()
	if err != nil {
		return nil, toStatus(err)
	}
	if req.UserID.IsZero() {
		return nil, toStatus(fmt.Errorf("%w: user id is required", chaterrors.ErrValidation))
	}
	if err := s.dir.DeletePrivateChat(ctx, token, req.UserID); err != nil {
		return nil, toStatus(err)
	}
	sess, err := s.sessions.Current()
	if err != nil {
		return &Empty{}, nil
	}
	for _, c := range sess.Conversations() {
		ref := c.Ref()
		if ref.Kind != model.KindPrivate || ref.Counterpart.ID != req.UserID {
			continue
		}
		sess.CloseConversation(ref.ChatID)
		if s.db != nil {
			if err := s.db.DeleteChat(ref.ChatID.String()); err != nil {
				s.log.Warn("dropping cached chat", zap.String("chat_id", ref.ChatID.String()), zap.Error(err))
			}
		}
	}
	return &Empty{}, nil
}

func (s *ChatService) OpenPrivate(ctx context.Context, req *OpenPrivateRequest) (*ConversationResponse, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	counterpart := model.Identity{ID: req.UserID, Username: req.Username}
	if counterpart.Username == "" && !counterpart.ID.IsZero() {
		counterpart.Username = s.lookupUsername(ctx, counterpart.ID)
	}
	conv, err := sess.OpenPrivate(ctx, counterpart)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConversationResponse{Conversation: describe(conv, sess.Active())}, nil
}

// lookupUsername finds a user's name in the directory, falling back to
// the id.
func (s *ChatService) lookupUsername(ctx context.Context, id model.ID) string {
	_, token, err := s.token()
	if err != nil {
		return id.String()
	}
	users, err := s.dir.ListUsers(ctx, token)
	if err != nil {
		s.log.Debug("looking up username", zap.Error(err))
		return id.String()
	}
	for _, u := range users {
		if u.ID == id {
			return u.Username
		}
	}
	return id.String()
}

func (s *ChatService) OpenGroup(ctx context.Context, req *OpenGroupRequest) (*ConversationResponse, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	conv, err := sess.OpenGroup(ctx, model.Group{ID: req.GroupID, Name: req.Name})
	if err != nil {
		return nil, toStatus(err)
	}
	return &ConversationResponse{Conversation: describe(conv, sess.Active())}, nil
}

func (s *ChatService) CloseConversation(_ context.Context, req *ChatRequest) (*CloseResponse, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	return &CloseResponse{Closed: sess.CloseConversation(req.ChatID)}, nil
}

func (s *ChatService) Focus(_ context.Context, req *ChatRequest) (*Empty, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := sess.Focus(req.ChatID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatService) ListConversations(_ context.Context, _ *Empty) (*ConversationsResponse, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	active := sess.Active()
	convs := sess.Conversations()
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, describe(c, active))
	}
	return &ConversationsResponse{Conversations: out}, nil
}

func (s *ChatService) Members(ctx context.Context, req *ChatRequest) (*MembersResponse, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	members, err := sess.Members(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MembersResponse{Members: members}, nil
}

// Chats lists conversations known to the local cache, most recent first.
func (s *ChatService) Chats(_ context.Context, req *ChatsRequest) (*ChatsResponse, error) {
	if s.db == nil {
		return &ChatsResponse{}, nil
	}
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	chats, err := s.db.ListChats(limit, req.Offset)
	if err != nil {
		return nil, toStatus(fmt.Errorf("list chats: %w", err))
	}
	out := make([]CachedChat, 0, len(chats))
	for _, c := range chats {
		out = append(out, cachedChat(c))
	}
	return &ChatsResponse{Chats: out, HasMore: len(chats) == limit}, nil
}

func describe(c *chatsync.Conversation, active model.ID) Conversation {
	return Conversation{
		Ref:          c.Ref(),
		Seeded:       c.Seeded(),
		Subscribed:   c.Subscribed(),
		Active:       c.Ref().ChatID == active,
		MessageCount: len(c.Messages()),
	}
}

func cachedChat(c store.Chat) CachedChat {
	out := CachedChat{
		ChatID:             model.ID(c.ChatID),
		Kind:               model.Kind(c.Kind),
		Title:              c.Title,
		LastMessagePreview: c.LastMessagePreview,
	}
	if c.LastMessageAt > 0 {
		out.LastMessageAt = time.UnixMilli(c.LastMessageAt)
	}
	return out
}

var _ Sessions = (*session.Manager)(nil)
