package rest

import "github.com/matheus3301/chatsync/internal/model"

// Credentials is the body of login and signup.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by login and signup.
type AuthResponse struct {
	Token string         `json:"token"`
	User  model.Identity `json:"user"`
}

// PrivateChatRequest starts, resumes or deletes a private chat.
type PrivateChatRequest struct {
	UserID model.ID `json:"userId"`
}

// PrivateChat is a resolved one-to-one chat with its history.
type PrivateChat struct {
	ChatID   model.ID        `json:"chatId"`
	Messages []model.Message `json:"messages"`
}

// CreateGroupRequest is the body of group creation.
type CreateGroupRequest struct {
	Name      string     `json:"name"`
	MemberIDs []model.ID `json:"memberIds"`
}
