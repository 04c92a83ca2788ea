package api

import (
	"context"

	"google.golang.org/grpc"
)

// Fully qualified service names.
const (
	SessionServiceName = "chatsync.v1.SessionService"
	ChatServiceName    = "chatsync.v1.ChatService"
	MessageServiceName = "chatsync.v1.MessageService"
)

// SessionServer is implemented by SessionService.
type SessionServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Login(context.Context, *Credentials) (*IdentityResponse, error)
	Signup(context.Context, *Credentials) (*IdentityResponse, error)
	Logout(context.Context, *Empty) (*Empty, error)
	WatchEvents(*WatchRequest, EventSender) error
}

// ChatServer is implemented by ChatService.
type ChatServer interface {
	ListUsers(context.Context, *Empty) (*UsersResponse, error)
	ListGroups(context.Context, *Empty) (*GroupsResponse, error)
	CreateGroup(context.Context, *CreateGroupRequest) (*GroupResponse, error)
	DeletePrivate(context.Context, *UserRequest) (*Empty, error)
	OpenPrivate(context.Context, *OpenPrivateRequest) (*ConversationResponse, error)
	OpenGroup(context.Context, *OpenGroupRequest) (*ConversationResponse, error)
	CloseConversation(context.Context, *ChatRequest) (*CloseResponse, error)
	Focus(context.Context, *ChatRequest) (*Empty, error)
	ListConversations(context.Context, *Empty) (*ConversationsResponse, error)
	Members(context.Context, *ChatRequest) (*MembersResponse, error)
	Chats(context.Context, *ChatsRequest) (*ChatsResponse, error)
}

// MessageServer is implemented by MessageService.
type MessageServer interface {
	Messages(context.Context, *ChatRequest) (*MessagesResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
	History(context.Context, *ChatRequest) (*MessagesResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
}

// EventSender is the server side of the WatchEvents stream.
type EventSender interface {
	Send(*Event) error
	Context() context.Context
}

type eventSender struct {
	grpc.ServerStream
}

func (s *eventSender) Send(e *Event) error { return s.SendMsg(e) }

// unary adapts a typed method to a grpc.MethodDesc.
func unary[S, Req, Resp any](service, method string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*Req))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + method}
			return interceptor(ctx, in, info, call)
		},
	}
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "Status", SessionServer.Status),
		unary(SessionServiceName, "Login", SessionServer.Login),
		unary(SessionServiceName, "Signup", SessionServer.Signup),
		unary(SessionServiceName, "Logout", SessionServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SessionServer).WatchEvents(in, &eventSender{stream})
			},
		},
	},
	Metadata: "chatsync/v1/session",
}

var chatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListUsers", ChatServer.ListUsers),
		unary(ChatServiceName, "ListGroups", ChatServer.ListGroups),
		unary(ChatServiceName, "CreateGroup", ChatServer.CreateGroup),
		unary(ChatServiceName, "DeletePrivate", ChatServer.DeletePrivate),
		unary(ChatServiceName, "OpenPrivate", ChatServer.OpenPrivate),
		unary(ChatServiceName, "OpenGroup", ChatServer.OpenGroup),
		unary(ChatServiceName, "CloseConversation", ChatServer.CloseConversation),
		unary(ChatServiceName, "Focus", ChatServer.Focus),
		unary(ChatServiceName, "ListConversations", ChatServer.ListConversations),
		unary(ChatServiceName, "Members", ChatServer.Members),
		unary(ChatServiceName, "Chats", ChatServer.Chats),
	},
	Metadata: "chatsync/v1/chat",
}

var messageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "Messages", MessageServer.Messages),
		unary(MessageServiceName, "Send", MessageServer.Send),
		unary(MessageServiceName, "History", MessageServer.History),
		unary(MessageServiceName, "Search", MessageServer.Search),
	},
	Metadata: "chatsync/v1/message",
}

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&chatServiceDesc, srv)
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&messageServiceDesc, srv)
}
