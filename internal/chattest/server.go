// Package chattest runs an in-memory chat server speaking the REST and
// websocket protocol, for tests.
package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/matheus3301/chatsync/internal/model"
)

type account struct {
	identity model.Identity
	password string
}

type group struct {
	model.Group
	members []model.ID
}

type client struct {
	ws    *websocket.Conn
	user  model.Identity
	mu    sync.Mutex
	rooms map[model.ID]bool
}

func (c *client) send(event string, data any) {
	b, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.ws.Write(ctx, websocket.MessageText, b)
}

// Server is a fake chat backend. The zero value is not usable; call
// NewServer.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	accounts map[string]*account // by username
	tokens   map[string]model.Identity
	nextID   int
	seq      int64
	privates map[[2]model.ID]model.ID
	groups   map[model.ID]*group
	history  map[model.ID][]model.Message
	clients  map[*client]struct{}
	frames   []string

	// OmitSeq strips seq and clientMsgId from pushed messages, like a
	// server that only relays text.
	OmitSeq bool
	failHistory bool
}

// NewServer starts a server. It is closed by t's cleanup when used with
// Start.
func NewServer() *Server {
	s := &Server{
		accounts: make(map[string]*account),
		tokens:   make(map[string]model.Identity),
		privates: make(map[[2]model.ID]model.ID),
		groups:   make(map[model.ID]*group),
		history:  make(map[model.ID][]model.Message),
		clients:  make(map[*client]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/signup", s.signup)
	mux.HandleFunc("GET /api/auth/me", s.authed(s.me))
	mux.HandleFunc("GET /api/users", s.authed(s.users))
	mux.HandleFunc("POST /api/chats/private", s.authed(s.startPrivate))
	mux.HandleFunc("DELETE /api/chats/private", s.authed(s.deletePrivate))
	mux.HandleFunc("GET /api/chats/group", s.authed(s.listGroups))
	mux.HandleFunc("POST /api/chats/group", s.authed(s.createGroup))
	mux.HandleFunc("GET /api/chats/group/fetch/{id}", s.authed(s.groupMessages))
	mux.HandleFunc("GET /api/chats/group/fetch/{id}/members", s.authed(s.groupMembers))
	mux.HandleFunc("GET /ws", s.websocket)
	s.Server = httptest.NewServer(mux)
	return s
}

// FailHistory makes group history fetches answer 500 while on is set.
func (s *Server) FailHistory(on bool) {
	s.mu.Lock()
	s.failHistory = on
	s.mu.Unlock()
}

// WebsocketURL is the live channel endpoint.
func (s *Server) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

// Close drops every websocket and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) newIDLocked() model.ID {
	s.nextID++
	return model.ID(fmt.Sprint(s.nextID))
}

// AddUser registers an account and returns its identity and a token.
func (s *Server) AddUser(username, password string) (model.Identity, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := model.Identity{ID: s.newIDLocked(), Username: username}
	s.accounts[username] = &account{identity: id, password: password}
	return id, s.issueLocked(id)
}

func (s *Server) issueLocked(id model.Identity) string {
	tok := fmt.Sprintf("tok-%s-%d", id.ID, len(s.tokens)+1)
	s.tokens[tok] = id
	return tok
}

// Revoke invalidates token.
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// AddGroup creates a group with members.
func (s *Server) AddGroup(name string, members ...model.ID) model.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &group{Group: model.Group{ID: s.newIDLocked(), Name: name}, members: members}
	s.groups[g.ID] = g
	return g.Group
}

// DropConnections closes every live websocket, forcing clients to
// reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.ws.Close(websocket.StatusGoingAway, "restart")
	}
}

// Frames returns the event names received over websockets, in order.
func (s *Server) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// Connections returns the number of live websocket clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// InRoom reports whether any live connection of userID has joined chatID.
func (s *Server) InRoom(userID, chatID model.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c.user.ID == userID && c.rooms[chatID] {
			return true
		}
	}
	return false
}

// Post stores and broadcasts a message as if sender had sent it.
func (s *Server) Post(chatID, senderID model.ID, text string) model.Message {
	return s.deliver(model.Message{ChatID: chatID, SenderID: senderID, Text: text})
}

func (s *Server) deliver(m model.Message) model.Message {
	s.mu.Lock()
	s.seq++
	m.Seq = s.seq
	m.SentAt = time.Now().UTC().Truncate(time.Millisecond)
	for _, a := range s.accounts {
		if a.identity.ID == m.SenderID {
			m.SenderName = a.identity.Username
		}
	}
	s.history[m.ChatID] = append(s.history[m.ChatID], m)
	var targets []*client
	for c := range s.clients {
		if c.rooms[m.ChatID] {
			targets = append(targets, c)
		}
	}
	omit := s.OmitSeq
	s.mu.Unlock()

	pushed := m
	if omit {
		pushed.Seq = 0
		pushed.ClientMsgID = ""
		pushed.SentAt = time.Time{}
	}
	for _, c := range targets {
		c.send("receiveMessage", pushed)
	}
	return m
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.identify(r)
	if !ok {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, user: user, rooms: make(map[model.ID]bool)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = ws.CloseNow()
	}()

	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			return
		}
		s.handleFrame(c, data)
	}
}

func (s *Server) handleFrame(c *client, data []byte) {
	event := gjson.GetBytes(data, "event").String()
	payload := gjson.GetBytes(data, "data")

	s.mu.Lock()
	s.frames = append(s.frames, event)
	s.mu.Unlock()

	switch event {
	case "joinChat", "join":
		s.mu.Lock()
		c.rooms[model.ParseID(payload.String())] = true
		s.mu.Unlock()
	case "leaveChat":
		s.mu.Lock()
		delete(c.rooms, model.ParseID(payload.String()))
		s.mu.Unlock()
	case "sendMessage":
		s.deliver(model.Message{
			ChatID:      model.ParseID(payload.Get("chatId").String()),
			SenderID:    c.user.ID,
			Text:        payload.Get("text").String(),
			ClientMsgID: payload.Get("clientMsgId").String(),
		})
	}
}

func (s *Server) identify(r *http.Request) (model.Identity, bool) {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return model.Identity{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[tok]
	return id, ok
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user model.Identity)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.identify(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	s.mu.Lock()
	a, ok := s.accounts[c.Username]
	if !ok || a.password != c.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	tok := s.issueLocked(a.identity)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "user": a.identity})
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	s.mu.Lock()
	if _, exists := s.accounts[c.Username]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "username taken")
		return
	}
	s.mu.Unlock()
	id, tok := s.AddUser(c.Username, c.Password)
	writeJSON(w, http.StatusCreated, map[string]any{"token": tok, "user": id})
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, user model.Identity) {
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) users(w http.ResponseWriter, _ *http.Request, user model.Identity) {
	s.mu.Lock()
	var out []model.Identity
	for _, a := range s.accounts {
		if a.identity.ID != user.ID {
			out = append(out, a.identity)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b model.Identity) int { return strings.Compare(a.Username, b.Username) })
	writeJSON(w, http.StatusOK, out)
}

func pairKey(a, b model.ID) [2]model.ID {
	if b < a {
		a, b = b, a
	}
	return [2]model.ID{a, b}
}

func (s *Server) startPrivate(w http.ResponseWriter, r *http.Request, user model.Identity) {
	var req struct {
		UserID model.ID `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID.IsZero() {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	s.mu.Lock()
	key := pairKey(user.ID, req.UserID)
	chatID, ok := s.privates[key]
	if !ok {
		chatID = s.newIDLocked()
		s.privates[key] = chatID
	}
	msgs := slices.Clone(s.history[chatID])
	s.mu.Unlock()
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": chatID, "messages": msgs})
}

func (s *Server) deletePrivate(w http.ResponseWriter, r *http.Request, user model.Identity) {
	var req struct {
		UserID model.ID `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	s.mu.Lock()
	key := pairKey(user.ID, req.UserID)
	if chatID, ok := s.privates[key]; ok {
		delete(s.history, chatID)
		delete(s.privates, key)
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listGroups(w http.ResponseWriter, _ *http.Request, user model.Identity) {
	s.mu.Lock()
	out := []model.Group{}
	for _, g := range s.groups {
		if slices.Contains(g.members, user.ID) {
			out = append(out, g.Group)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b model.Group) int { return strings.Compare(string(a.ID), string(b.ID)) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request, user model.Identity) {
	var req struct {
		Name      string     `json:"name"`
		MemberIDs []model.ID `json:"memberIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	members := append([]model.ID{user.ID}, req.MemberIDs...)
	writeJSON(w, http.StatusCreated, s.AddGroup(req.Name, members...))
}

func (s *Server) lookupGroup(w http.ResponseWriter, r *http.Request) (*group, bool) {
	s.mu.Lock()
	g, ok := s.groups[model.ParseID(r.PathValue("id"))]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "group not found")
	}
	return g, ok
}

func (s *Server) groupMessages(w http.ResponseWriter, r *http.Request, _ model.Identity) {
	g, ok := s.lookupGroup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	msgs := slices.Clone(s.history[g.ID])
	fail := s.failHistory
	s.mu.Unlock()
	if fail {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) groupMembers(w http.ResponseWriter, r *http.Request, _ model.Identity) {
	g, ok := s.lookupGroup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	names := []string{}
	for _, id := range g.members {
		for _, a := range s.accounts {
			if a.identity.ID == id {
				names = append(names, a.identity.Username)
			}
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, names)
}
