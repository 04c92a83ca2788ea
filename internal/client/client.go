// Package client talks to a running daemon over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is lazy;
// errors surface on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.Codec)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return invoke[api.StatusResponse](ctx, c, api.SessionServiceName, "Status", &api.Empty{})
}

func (c *Client) Login(ctx context.Context, username, password string) (model.Identity, error) {
	resp, err := invoke[api.IdentityResponse](ctx, c, api.SessionServiceName, "Login", &api.Credentials{Username: username, Password: password})
	if err != nil {
		return model.Identity{}, err
	}
	return resp.User, nil
}

func (c *Client) Signup(ctx context.Context, username, password string) (model.Identity, error) {
	resp, err := invoke[api.IdentityResponse](ctx, c, api.SessionServiceName, "Signup", &api.Credentials{Username: username, Password: password})
	if err != nil {
		return model.Identity{}, err
	}
	return resp.User, nil
}

func (c *Client) Logout(ctx context.Context) error {
	_, err := invoke[api.Empty](ctx, c, api.SessionServiceName, "Logout", &api.Empty{})
	return err
}

// WatchEvents streams daemon events whose kind starts with namespace to
// fn until ctx is done, the stream ends, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, namespace string, fn func(*api.Event) error) error {
	desc := &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+api.SessionServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&api.WatchRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(api.Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) ListUsers(ctx context.Context) ([]model.User, error) {
	resp, err := invoke[api.UsersResponse](ctx, c, api.ChatServiceName, "ListUsers", &api.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) ListGroups(ctx context.Context) ([]model.Group, error) {
	resp, err := invoke[api.GroupsResponse](ctx, c, api.ChatServiceName, "ListGroups", &api.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []model.ID) (model.Group, error) {
	resp, err := invoke[api.GroupResponse](ctx, c, api.ChatServiceName, "CreateGroup", &api.CreateGroupRequest{Name: name, MemberIDs: memberIDs})
	if err != nil {
		return model.Group{}, err
	}
	return resp.Group, nil
}

func (c *Client) DeletePrivate(ctx context.Context, userID model.ID) error {
	_, err := invoke[api.Empty](ctx, c, api.ChatServiceName, "DeletePrivate", &api.UserRequest{UserID: userID})
	return err
}

func (c *Client) OpenPrivate(ctx context.Context, userID model.ID, username string) (api.Conversation, error) {
	resp, err := invoke[api.ConversationResponse](ctx, c, api.ChatServiceName, "OpenPrivate", &api.OpenPrivateRequest{UserID: userID, Username: username})
	if err != nil {
		return api.Conversation{}, err
	}
	return resp.Conversation, nil
}

func (c *Client) OpenGroup(ctx context.Context, groupID model.ID, name string) (api.Conversation, error) {
	resp, err := invoke[api.ConversationResponse](ctx, c, api.ChatServiceName, "OpenGroup", &api.OpenGroupRequest{GroupID: groupID, Name: name})
	if err != nil {
		return api.Conversation{}, err
	}
	return resp.Conversation, nil
}

func (c *Client) CloseConversation(ctx context.Context, chatID model.ID) (bool, error) {
	resp, err := invoke[api.CloseResponse](ctx, c, api.ChatServiceName, "CloseConversation", &api.ChatRequest{ChatID: chatID})
	if err != nil {
		return false, err
	}
	return resp.Closed, nil
}

func (c *Client) Focus(ctx context.Context, chatID model.ID) error {
	_, err := invoke[api.Empty](ctx, c, api.ChatServiceName, "Focus", &api.ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) ListConversations(ctx context.Context) ([]api.Conversation, error) {
	resp, err := invoke[api.ConversationsResponse](ctx, c, api.ChatServiceName, "ListConversations", &api.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) Members(ctx context.Context, groupID model.ID) ([]string, error) {
	resp, err := invoke[api.MembersResponse](ctx, c, api.ChatServiceName, "Members", &api.ChatRequest{ChatID: groupID})
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *Client) Chats(ctx context.Context, limit, offset int) (*api.ChatsResponse, error) {
	return invoke[api.ChatsResponse](ctx, c, api.ChatServiceName, "Chats", &api.ChatsRequest{Limit: limit, Offset: offset})
}

func (c *Client) Messages(ctx context.Context, chatID model.ID, limit int) ([]model.Message, error) {
	resp, err := invoke[api.MessagesResponse](ctx, c, api.MessageServiceName, "Messages", &api.ChatRequest{ChatID: chatID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Send(ctx context.Context, chatID model.ID, text string) (*api.SendResponse, error) {
	return invoke[api.SendResponse](ctx, c, api.MessageServiceName, "Send", &api.SendRequest{ChatID: chatID, Text: text})
}

func (c *Client) History(ctx context.Context, chatID model.ID, limit int) ([]model.Message, error) {
	resp, err := invoke[api.MessagesResponse](ctx, c, api.MessageServiceName, "History", &api.ChatRequest{ChatID: chatID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Search(ctx context.Context, query string, chatID model.ID, limit int) (*api.SearchResponse, error) {
	return invoke[api.SearchResponse](ctx, c, api.MessageServiceName, "Search", &api.SearchRequest{Query: query, ChatID: chatID, Limit: limit})
}
