package api

import (
	"context"
	"fmt"
	"strings"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// MessageService implements MessageServer.
type MessageService struct {
	sessions Sessions
	db       *store.DB
}

// NewMessageService creates a message service. History and Search read
// the local cache in db.
func NewMessageService(sessions Sessions, db *store.DB) *MessageService {
	return &MessageService{sessions: sessions, db: db}
}

// Messages returns the reconciled sequence of an open conversation.
func (s *MessageService) Messages(_ context.Context, req *ChatRequest) (*MessagesResponse, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	conv, ok := sess.Conversation(req.ChatID)
	if !ok {
		return nil, toStatus(fmt.Errorf("%w: %s", chaterrors.ErrConversationNotOpen, req.ChatID))
	}
	msgs := conv.Messages()
	if req.Limit > 0 && len(msgs) > req.Limit {
		msgs = msgs[len(msgs)-req.Limit:]
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (s *MessageService) Send(_ context.Context, req *SendRequest) (*SendResponse, error) {
	sess, err := s.sessions.Current()
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := sess.Send(req.ChatID, req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendResponse{ClientMsgID: out.ClientMsgID, Queued: out.Queued}, nil
}

// History reads a chat from the local cache; the conversation does not
// have to be open.
func (s *MessageService) History(_ context.Context, req *ChatRequest) (*MessagesResponse, error) {
	if req.ChatID.IsZero() {
		return nil, toStatus(fmt.Errorf("%w: chat id is required", chaterrors.ErrValidation))
	}
	recs, err := s.db.ListMessages(req.ChatID.String(), req.Limit)
	if err != nil {
		return nil, toStatus(fmt.Errorf("list messages: %w", err))
	}
	msgs := make([]model.Message, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, chatsync.FromStore(r))
	}
	return &MessagesResponse{Messages: msgs}, nil
}

func (s *MessageService) Search(_ context.Context, req *SearchRequest) (*SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, toStatus(fmt.Errorf("%w: query is required", chaterrors.ErrValidation))
	}
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	results, err := s.db.SearchMessages(req.Query, req.ChatID.String(), limit)
	if err != nil {
		return nil, toStatus(fmt.Errorf("search messages: %w", err))
	}
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{Message: chatsync.FromStore(r.Message), Snippet: r.Snippet})
	}
	return &SearchResponse{Results: hits, HasMore: len(results) == limit}, nil
}
