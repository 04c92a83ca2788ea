package session

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chattest"
	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/status"
)

const waitFor = 3 * time.Second

func newServer(t *testing.T) *chattest.Server {
	t.Helper()
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	return srv
}

func openSession(t *testing.T, srv *chattest.Server, id model.Identity, token string) *Session {
	t.Helper()
	s, err := Open(context.Background(), Options{
		WebsocketURL: srv.WebsocketURL(),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, Deps{
		API:    rest.NewClient(srv.URL, nil),
		Bus:    bus.New(),
		Status: status.NewMachine(nil),
	}, id, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.Eventually(t, s.Connected, waitFor, 5*time.Millisecond)
	return s
}

func countFrames(srv *chattest.Server, event string) int {
	n := 0
	for _, f := range srv.Frames() {
		if f == event {
			n++
		}
	}
	return n
}

func texts(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestOpen_RequiresIdentity(t *testing.T) {
	_, err := Open(context.Background(), Options{WebsocketURL: "ws://x"}, Deps{}, model.Identity{}, "tok")
	require.ErrorIs(t, err, chaterrors.ErrUnauthenticated)

	_, err = Open(context.Background(), Options{}, Deps{}, model.Identity{ID: "1"}, "tok")
	require.ErrorIs(t, err, chaterrors.ErrValidation)
}

func TestPrivateEchoReachesBothSidesOnce(t *testing.T) {
	srv := newServer(t)
	alice, aliceTok := srv.AddUser("alice", "pw")
	bob, bobTok := srv.AddUser("bob", "pw")

	sa := openSession(t, srv, alice, aliceTok)
	sb := openSession(t, srv, bob, bobTok)

	ca, err := sa.OpenPrivate(context.Background(), bob)
	require.NoError(t, err)
	cb, err := sb.OpenPrivate(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, ca.Ref().ChatID, cb.Ref().ChatID)
	assert.Equal(t, "bob", ca.Ref().Title())

	chatID := ca.Ref().ChatID
	require.Eventually(t, func() bool {
		return srv.InRoom(alice.ID, chatID) && srv.InRoom(bob.ID, chatID)
	}, waitFor, 5*time.Millisecond)

	out, err := sa.Send(chatID, "hi")
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.NotEmpty(t, out.ClientMsgID)

	for _, c := range []interface{ Messages() []model.Message }{ca, cb} {
		require.Eventually(t, func() bool { return len(c.Messages()) == 1 }, waitFor, 5*time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"hi"}, texts(ca.Messages()))
	assert.Equal(t, []string{"hi"}, texts(cb.Messages()))
	assert.Equal(t, alice.ID, cb.Messages()[0].SenderID)
}

func TestOpenPrivate_RejectsSelf(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	s := openSession(t, srv, alice, tok)

	_, err := s.OpenPrivate(context.Background(), alice)
	require.ErrorIs(t, err, chaterrors.ErrValidation)
}

func TestGroupHistoryThenLive(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	bob, _ := srv.AddUser("bob", "pw")
	g := srv.AddGroup("team", alice.ID, bob.ID)
	srv.Post(g.ID, bob.ID, "earlier")

	s := openSession(t, srv, alice, tok)
	conv, err := s.OpenGroup(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, conv.Seeded())
	assert.Equal(t, []string{"earlier"}, texts(conv.Messages()))

	require.Eventually(t, func() bool { return srv.InRoom(alice.ID, g.ID) }, waitFor, 5*time.Millisecond)
	srv.Post(g.ID, bob.ID, "now")
	require.Eventually(t, func() bool { return len(conv.Messages()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"earlier", "now"}, texts(conv.Messages()))

	members, err := s.Members(context.Background(), g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)
}

func TestOpenGroupWithFailingHistoryStartsEmpty(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	bob, _ := srv.AddUser("bob", "pw")
	g := srv.AddGroup("team", alice.ID, bob.ID)
	srv.Post(g.ID, bob.ID, "earlier")
	srv.FailHistory(true)

	s := openSession(t, srv, alice, tok)
	conv, err := s.OpenGroup(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, conv.Seeded())
	assert.Empty(t, conv.Messages())

	require.Eventually(t, func() bool { return srv.InRoom(alice.ID, g.ID) }, waitFor, 5*time.Millisecond)
	srv.Post(g.ID, bob.ID, "now")
	require.Eventually(t, func() bool { return len(conv.Messages()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"now"}, texts(conv.Messages()))
}

func TestSend_ConversationNotOpen(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	bob, _ := srv.AddUser("bob", "pw")
	g := srv.AddGroup("team", alice.ID, bob.ID)
	s := openSession(t, srv, alice, tok)

	_, err := s.Send(g.ID, "hello")
	require.ErrorIs(t, err, chaterrors.ErrConversationNotOpen)

	_, err = s.OpenGroup(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, s.CloseConversation(g.ID))
	assert.False(t, s.CloseConversation(g.ID))

	_, err = s.Send(g.ID, "hello")
	require.ErrorIs(t, err, chaterrors.ErrConversationNotOpen)
}

func TestFocus(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	g := srv.AddGroup("team", alice.ID)
	s := openSession(t, srv, alice, tok)

	require.ErrorIs(t, s.Focus(g.ID), chaterrors.ErrConversationNotOpen)
	_, err := s.OpenGroup(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, s.Focus(g.ID))
	assert.Equal(t, g.ID, s.Active())
	assert.Len(t, s.Conversations(), 1)
}

func TestRejoinAfterReconnect(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	bob, _ := srv.AddUser("bob", "pw")
	g := srv.AddGroup("team", alice.ID, bob.ID)

	s := openSession(t, srv, alice, tok)
	conv, err := s.OpenGroup(context.Background(), g)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return countFrames(srv, "joinChat") >= 1 }, waitFor, 5*time.Millisecond)
	joins := countFrames(srv, "joinChat")

	srv.DropConnections()
	require.Eventually(t, func() bool { return countFrames(srv, "joinChat") > joins }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []model.ID{g.ID}, s.Joined())

	srv.Post(g.ID, bob.ID, "after")
	require.Eventually(t, func() bool {
		return slices.Equal(texts(conv.Messages()), []string{"after"})
	}, waitFor, 5*time.Millisecond)
}

func TestRejectedTokenStopsSession(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	srv.Revoke(tok)

	s, err := Open(context.Background(), Options{WebsocketURL: srv.WebsocketURL()}, Deps{
		API: rest.NewClient(srv.URL, nil),
	}, alice, tok)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	require.ErrorIs(t, s.Err(), chaterrors.ErrUnauthorized)
	assert.False(t, s.Connected())
}

func TestClose_StopsConnection(t *testing.T) {
	srv := newServer(t)
	alice, tok := srv.AddUser("alice", "pw")
	s := openSession(t, srv, alice, tok)

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not stop")
	}
	assert.False(t, s.Connected())
}
