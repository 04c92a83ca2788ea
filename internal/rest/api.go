package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
)

func validateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", chaterrors.ErrValidation)
	}
	return nil
}

// Login exchanges credentials for a bearer token and the user's identity.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	return c.authenticate(ctx, "/api/auth/login", username, password)
}

// Signup registers a new account and returns its token and identity.
func (c *Client) Signup(ctx context.Context, username, password string) (*AuthResponse, error) {
	return c.authenticate(ctx, "/api/auth/signup", username, password)
}

func (c *Client) authenticate(ctx context.Context, endpoint, username, password string) (*AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}
	var resp AuthResponse
	req := Credentials{Username: strings.TrimSpace(username), Password: password}
	if err := c.do(ctx, http.MethodPost, endpoint, "", req, &resp); err != nil {
		return nil, err
	}
	if resp.Token == "" || resp.User.ID.IsZero() {
		return nil, fmt.Errorf("%w: %s response missing token or user", chaterrors.ErrAPIResponse, endpoint)
	}
	return &resp, nil
}

// Me resolves the identity behind token.
func (c *Client) Me(ctx context.Context, token string) (model.Identity, error) {
	var id model.Identity
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", token, nil, &id); err != nil {
		return model.Identity{}, err
	}
	if id.ID.IsZero() {
		return model.Identity{}, fmt.Errorf("%w: identity without id", chaterrors.ErrAPIResponse)
	}
	return id, nil
}

// ListUsers returns every user except the caller.
func (c *Client) ListUsers(ctx context.Context, token string) ([]model.User, error) {
	var users []model.User
	if err := c.do(ctx, http.MethodGet, "/api/users", token, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// StartPrivateChat starts or resumes the private chat with userID.
func (c *Client) StartPrivateChat(ctx context.Context, token string, userID model.ID) (*PrivateChat, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("%w: user id is required", chaterrors.ErrValidation)
	}
	var chat PrivateChat
	if err := c.do(ctx, http.MethodPost, "/api/chats/private", token, PrivateChatRequest{UserID: userID}, &chat); err != nil {
		return nil, err
	}
	if chat.ChatID.IsZero() {
		return nil, fmt.Errorf("%w: private chat without chatId", chaterrors.ErrAPIResponse)
	}
	return &chat, nil
}

// DeletePrivateChat removes the private chat with userID.
func (c *Client) DeletePrivateChat(ctx context.Context, token string, userID model.ID) error {
	if userID.IsZero() {
		return fmt.Errorf("%w: user id is required", chaterrors.ErrValidation)
	}
	return c.do(ctx, http.MethodDelete, "/api/chats/private", token, PrivateChatRequest{UserID: userID}, nil)
}

// ListGroups returns the groups the caller belongs to.
func (c *Client) ListGroups(ctx context.Context, token string) ([]model.Group, error) {
	var groups []model.Group
	if err := c.do(ctx, http.MethodGet, "/api/chats/group", token, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// CreateGroup creates a named group. The name and at least one member are
// required; validation happens before any request is sent.
func (c *Client) CreateGroup(ctx context.Context, token, name string, memberIDs []model.ID) (model.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Group{}, chaterrors.ErrGroupNameRequired
	}
	members := make([]model.ID, 0, len(memberIDs))
	for _, id := range memberIDs {
		if !id.IsZero() {
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return model.Group{}, chaterrors.ErrGroupMembersRequired
	}

	var group model.Group
	req := CreateGroupRequest{Name: name, MemberIDs: members}
	if err := c.do(ctx, http.MethodPost, "/api/chats/group", token, req, &group); err != nil {
		return model.Group{}, err
	}
	if group.Name == "" {
		group.Name = name
	}
	return group, nil
}

// FetchGroupMessages returns the persisted history of a group.
func (c *Client) FetchGroupMessages(ctx context.Context, token string, groupID model.ID) ([]model.Message, error) {
	if groupID.IsZero() {
		return nil, fmt.Errorf("%w: group id is required", chaterrors.ErrValidation)
	}
	var msgs []model.Message
	endpoint := "/api/chats/group/fetch/" + url.PathEscape(groupID.String())
	if err := c.do(ctx, http.MethodGet, endpoint, token, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// FetchGroupMembers returns the usernames of a group's members, in server
// order.
func (c *Client) FetchGroupMembers(ctx context.Context, token string, groupID model.ID) ([]string, error) {
	if groupID.IsZero() {
		return nil, fmt.Errorf("%w: group id is required", chaterrors.ErrValidation)
	}
	var members []string
	endpoint := "/api/chats/group/fetch/" + url.PathEscape(groupID.String()) + "/members"
	if err := c.do(ctx, http.MethodGet, endpoint, token, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}
