package daemon

import (
	"context"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/chattest"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/status"
)

const (
	testProfile = "test"
	waitFor     = 5 * time.Second
)

// testHome points CHATSYNC_HOME at a short temp dir so the socket path
// stays under the 104-char Unix socket limit on macOS.
func testHome(t *testing.T) {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "chatsync-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("CHATSYNC_HOME", home)
}

func testConfig(srv *chattest.Server) *config.Config {
	cfg := config.Default()
	cfg.ServerURL = srv.URL
	cfg.ReconnectMin = config.Duration(10 * time.Millisecond)
	cfg.ReconnectMax = config.Duration(50 * time.Millisecond)
	cfg.LogLevel = "error"
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*fxtest.App, *client.Client) {
	t.Helper()
	app := fxtest.New(t, Module(Params{Profile: testProfile, Config: cfg}))
	app.RequireStart()

	c, err := client.New(profile.SocketPath(testProfile))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return app, c
}

func waitState(t *testing.T, c *client.Client, want status.State) *api.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		resp, err := c.Status(context.Background())
		if err == nil && resp.State == string(want) {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never reached %s (last: %+v, err: %v)", want, resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func code(err error) codes.Code {
	return grpcstatus.Code(err)
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{Profile: "fxtest"})); err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

// TestStatusTransitionsToAuthRequired verifies the daemon leaves BOOTING
// when no token is stored.
func TestStatusTransitionsToAuthRequired(t *testing.T) {
	testHome(t)
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	app, c := startDaemon(t, testConfig(srv))
	defer app.RequireStop()

	resp := waitState(t, c, status.AuthRequired)
	if resp.Profile != testProfile {
		t.Errorf("profile = %q, want %q", resp.Profile, testProfile)
	}
	if resp.User != nil {
		t.Errorf("user = %+v, want none", resp.User)
	}

	_, err := c.ListUsers(context.Background())
	if code(err) != codes.Unauthenticated {
		t.Errorf("ListUsers without login: code = %v, want Unauthenticated", code(err))
	}
	_, err = c.ListConversations(context.Background())
	if code(err) != codes.Unauthenticated {
		t.Errorf("ListConversations without login: code = %v, want Unauthenticated", code(err))
	}
}

func TestLoginFailureIsUnauthenticated(t *testing.T) {
	testHome(t)
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser("alice", "pw")
	app, c := startDaemon(t, testConfig(srv))
	defer app.RequireStop()

	_, err := c.Login(context.Background(), "alice", "wrong")
	if code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", code(err))
	}
	_, err = c.Login(context.Background(), "", "")
	if code(err) != codes.InvalidArgument {
		t.Errorf("empty credentials: code = %v, want InvalidArgument", code(err))
	}
}

func TestDaemonEndToEnd(t *testing.T) {
	testHome(t)
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	alice, _ := srv.AddUser("alice", "pw")
	bob, _ := srv.AddUser("bob", "pw")
	g := srv.AddGroup("team", alice.ID, bob.ID)
	srv.Post(g.ID, bob.ID, "welcome aboard")

	app, c := startDaemon(t, testConfig(srv))
	defer app.RequireStop()
	ctx := context.Background()

	waitState(t, c, status.AuthRequired)
	user, err := c.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != alice.ID {
		t.Fatalf("user = %+v, want %+v", user, alice)
	}
	resp := waitState(t, c, status.Connected)
	if resp.User == nil || resp.User.Username != "alice" {
		t.Errorf("status user = %+v", resp.User)
	}

	var (
		mu    sync.Mutex
		kinds []string
	)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		_ = c.WatchEvents(watchCtx, "message.", func(e *api.Event) error {
			mu.Lock()
			kinds = append(kinds, e.Kind)
			mu.Unlock()
			return nil
		})
	}()

	groups, err := c.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != g.ID {
		t.Fatalf("groups = %+v", groups)
	}

	conv, err := c.OpenGroup(ctx, g.ID, g.Name)
	if err != nil {
		t.Fatalf("OpenGroup: %v", err)
	}
	if !conv.Seeded || conv.MessageCount != 1 {
		t.Errorf("conversation = %+v, want seeded with 1 message", conv)
	}
	eventually(t, "room join", func() bool { return srv.InRoom(alice.ID, g.ID) })

	sent, err := c.Send(ctx, g.ID, "hello team")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !sent.Queued || sent.ClientMsgID == "" {
		t.Errorf("send = %+v", sent)
	}

	eventually(t, "echo", func() bool {
		msgs, err := c.Messages(ctx, g.ID, 0)
		return err == nil && len(msgs) == 2 && msgs[1].Text == "hello team"
	})

	// The cache follows the conversation through the bus.
	eventually(t, "cached history", func() bool {
		msgs, err := c.History(ctx, g.ID, 10)
		return err == nil && len(msgs) == 2
	})
	found, err := c.Search(ctx, "team", "", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found.Results) != 1 || found.Results[0].Message.Text != "hello team" {
		t.Errorf("search results = %+v", found.Results)
	}
	chats, err := c.Chats(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Chats: %v", err)
	}
	if len(chats.Chats) != 1 || chats.Chats[0].Title != "team" || chats.Chats[0].LastMessagePreview != "hello team" {
		t.Errorf("chats = %+v", chats.Chats)
	}

	members, err := c.Members(ctx, g.ID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	slices.Sort(members)
	if !slices.Equal(members, []string{"alice", "bob"}) {
		t.Errorf("members = %v", members)
	}

	eventually(t, "message events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(kinds, "message.appended") && slices.Contains(kinds, "message.sent")
	})

	if _, err := c.Send(ctx, g.ID, "   "); code(err) != codes.InvalidArgument {
		t.Errorf("blank send: code = %v, want InvalidArgument", code(err))
	}
	if _, err := c.Send(ctx, "404", "hi"); code(err) != codes.NotFound {
		t.Errorf("send to closed chat: code = %v, want NotFound", code(err))
	}

	closed, err := c.CloseConversation(ctx, g.ID)
	if err != nil || !closed {
		t.Fatalf("CloseConversation = %v, %v", closed, err)
	}
	if _, err := c.Messages(ctx, g.ID, 0); code(err) != codes.NotFound {
		t.Errorf("messages of closed chat: code = %v, want NotFound", code(err))
	}
	// History survives closing.
	if msgs, err := c.History(ctx, g.ID, 10); err != nil || len(msgs) != 2 {
		t.Errorf("history after close = %d, %v", len(msgs), err)
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	waitState(t, c, status.AuthRequired)
	if _, err := c.ListConversations(ctx); code(err) != codes.Unauthenticated {
		t.Errorf("after logout: code = %v, want Unauthenticated", code(err))
	}
}

func TestPrivateChatOpenAndDelete(t *testing.T) {
	testHome(t)
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser("alice", "pw")
	bob, _ := srv.AddUser("bob", "pw")

	app, c := startDaemon(t, testConfig(srv))
	defer app.RequireStop()
	ctx := context.Background()

	if _, err := c.Login(ctx, "alice", "pw"); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, status.Connected)

	users, err := c.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != bob.ID {
		t.Fatalf("users = %+v", users)
	}

	conv, err := c.OpenPrivate(ctx, bob.ID, "")
	if err != nil {
		t.Fatalf("OpenPrivate: %v", err)
	}
	if conv.Ref.Kind != model.KindPrivate || conv.Ref.Title() != "bob" {
		t.Errorf("ref = %+v, want private chat titled bob", conv.Ref)
	}
	if err := c.Focus(ctx, conv.Ref.ChatID); err != nil {
		t.Fatalf("Focus: %v", err)
	}
	convs, err := c.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || !convs[0].Active {
		t.Errorf("conversations = %+v", convs)
	}

	if err := c.DeletePrivate(ctx, bob.ID); err != nil {
		t.Fatalf("DeletePrivate: %v", err)
	}
	convs, err = c.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("conversation still open after delete: %+v", convs)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	testHome(t)
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser("alice", "pw")
	bob, _ := srv.AddUser("bob", "pw")

	app, c := startDaemon(t, testConfig(srv))
	defer app.RequireStop()
	ctx := context.Background()
	if _, err := c.Login(ctx, "alice", "pw"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.CreateGroup(ctx, "", []model.ID{bob.ID}); code(err) != codes.InvalidArgument {
		t.Errorf("no name: code = %v, want InvalidArgument", code(err))
	}
	if _, err := c.CreateGroup(ctx, "team", nil); code(err) != codes.InvalidArgument {
		t.Errorf("no members: code = %v, want InvalidArgument", code(err))
	}
	g, err := c.CreateGroup(ctx, "team", []model.ID{bob.ID})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if g.Name != "team" || g.ID.IsZero() {
		t.Errorf("group = %+v", g)
	}
}

// TestStoredTokenRestoresSession verifies a restarted daemon signs back in
// with the persisted token.
func TestStoredTokenRestoresSession(t *testing.T) {
	testHome(t)
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)
	srv.AddUser("alice", "pw")
	cfg := testConfig(srv)

	app, c := startDaemon(t, cfg)
	if _, err := c.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, status.Connected)
	app.RequireStop()

	app, c = startDaemon(t, cfg)
	defer app.RequireStop()
	resp := waitState(t, c, status.Connected)
	if resp.User == nil || resp.User.Username != "alice" {
		t.Errorf("restored user = %+v", resp.User)
	}
}

func TestServerStopRemovesSocket(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "chatsync-sock-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	socketPath := dir + "/d.sock"

	srv, err := newServer(socketPath, zap.NewNop(),
		api.NewSessionService("t", status.NewMachine(nil), nil, nil, nil, nil, nil),
		api.NewChatService(nil, nil, nil, nil, nil),
		api.NewMessageService(nil, nil),
	)
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	go func() { _ = srv.Start() }()
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
}
