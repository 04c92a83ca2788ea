package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client())
}

// --- do() internals ---

func TestDo_SetsBearerAndContentType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/x", r.URL.Path)
		w.Write([]byte(`{}`))
	})
	require.NoError(t, c.do(context.Background(), http.MethodPost, "/x", "tok", struct{}{}, nil))
}

func TestDo_NoTokenNoAuthorizationHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.Write([]byte(`[]`))
	})
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/x", "", nil, nil))
}

func TestDo_ErrorBodyMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"username taken"}`))
	})
	err := c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "username taken", apiErr.Message)
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
	assert.False(t, IsUnauthorized(err))
}

func TestDo_ErrorWithoutBodyUsesGenericMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, genericErrorMessage, apiErr.Message)
}

func TestDo_UnauthorizedStatuses(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		err := c.do(context.Background(), http.MethodGet, "/x", "tok", nil, nil)
		assert.True(t, IsUnauthorized(err), "status %d", status)
	}
}

func TestDo_NoContentIsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	var out map[string]any
	require.NoError(t, c.do(context.Background(), http.MethodDelete, "/x", "tok", nil, &out))
	assert.Nil(t, out)
}

func TestDo_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := NewClient(srv.URL, srv.Client())
	srv.Close()

	err := c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
}

func TestDo_DecodeFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	var out model.Identity
	err := c.do(context.Background(), http.MethodGet, "/x", "", nil, &out)
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a?b", sanitize("a\x01b"))
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, sanitize(string(long)), 256)
}

// --- endpoints ---

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var creds Credentials
		require.NoError(t, json.Unmarshal(body, &creds))
		assert.Equal(t, "alice", creds.Username)
		assert.Equal(t, "pw", creds.Password)
		w.Write([]byte(`{"token":"t1","user":{"id":7,"username":"alice"}}`))
	})

	resp, err := c.Login(context.Background(), " alice ", "pw")
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.Token)
	assert.Equal(t, model.ID("7"), resp.User.ID)
	assert.Equal(t, "alice", resp.User.Username)
}

func TestLogin_EmptyCredentialsNoRequest(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.Login(context.Background(), "  ", "pw")
	assert.ErrorIs(t, err, chaterrors.ErrValidation)
	_, err = c.Signup(context.Background(), "bob", "")
	assert.ErrorIs(t, err, chaterrors.ErrValidation)
	assert.False(t, called)
}

func TestSignup_MissingToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/signup", r.URL.Path)
		w.Write([]byte(`{"user":{"id":1,"username":"bob"}}`))
	})
	_, err := c.Signup(context.Background(), "bob", "pw")
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestMe(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/me", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"3","username":"carol"}`))
	})
	id, err := c.Me(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, model.Identity{ID: "3", Username: "carol"}, id)
}

func TestStartPrivateChat_NumericAndStringIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"userId":9}`, string(body))
		w.Write([]byte(`{"chatId":"12","messages":[{"chatId":12,"senderId":"9","text":"hey"}]}`))
	})
	chat, err := c.StartPrivateChat(context.Background(), "tok", "9")
	require.NoError(t, err)
	assert.Equal(t, model.ID("12"), chat.ChatID)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, model.ID("12"), chat.Messages[0].ChatID)
	assert.Equal(t, model.ID("9"), chat.Messages[0].SenderID)
}

func TestDeletePrivateChat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/chats/private", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.DeletePrivateChat(context.Background(), "tok", "4"))
}

func TestListUsersAndGroups(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users":
			w.Write([]byte(`[{"id":1,"username":"a"},{"id":"2","username":"b"}]`))
		case "/api/chats/group":
			w.Write([]byte(`[{"id":5,"name":"team"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	users, err := c.ListUsers(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []model.User{{ID: "1", Username: "a"}, {ID: "2", Username: "b"}}, users)

	groups, err := c.ListGroups(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []model.Group{{ID: "5", Name: "team"}}, groups)
}

func TestCreateGroup_Validation(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.CreateGroup(context.Background(), "tok", " ", []model.ID{"1"})
	assert.ErrorIs(t, err, chaterrors.ErrGroupNameRequired)
	_, err = c.CreateGroup(context.Background(), "tok", "team", []model.ID{""})
	assert.ErrorIs(t, err, chaterrors.ErrGroupMembersRequired)
	assert.False(t, called)
}

func TestCreateGroup(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"team","memberIds":[1,2]}`, string(body))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":8,"name":"team"}`))
	})
	g, err := c.CreateGroup(context.Background(), "tok", "team", []model.ID{"1", "2"})
	require.NoError(t, err)
	assert.Equal(t, model.Group{ID: "8", Name: "team"}, g)
}

func TestFetchGroupMessagesAndMembers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chats/group/fetch/5":
			w.Write([]byte(`[{"chatId":5,"senderId":1,"senderName":"a","text":"x","seq":1}]`))
		case "/api/chats/group/fetch/5/members":
			w.Write([]byte(`["a","b"]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	msgs, err := c.FetchGroupMessages(context.Background(), "tok", "5")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, "a", msgs[0].SenderName)

	members, err := c.FetchGroupMembers(context.Background(), "tok", "5")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	_, err = c.FetchGroupMembers(context.Background(), "tok", "6")
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
}
