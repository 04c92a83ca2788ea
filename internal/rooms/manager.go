// Package rooms tracks which chat channels are joined on the live
// connection and replays the joins after every reconnect.
package rooms

import (
	"encoding/json"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Wire events for room membership.
const (
	EventJoin       = "joinChat"
	EventJoinLegacy = "join"
	EventLeave      = "leaveChat"
)

// Transport is the part of transport.Conn the manager needs.
type Transport interface {
	Emit(event string, payload any) bool
	On(event string, fn transport.Handler) transport.HandlerID
	Off(event string, id transport.HandlerID)
}

// Manager owns the set of chat ids believed joined. The joined bit is
// optimistic: it is set as soon as the join is emitted.
type Manager struct {
	conn      Transport
	joinEvent string
	log       *zap.Logger

	mu      sync.Mutex
	joined  map[model.ID]struct{}
	connect transport.HandlerID
}

// New creates a manager and registers its reconnect hook on conn.
// joinEvent is EventJoin or EventJoinLegacy; empty selects EventJoin.
func New(conn Transport, joinEvent string, log *zap.Logger) *Manager {
	if joinEvent == "" {
		joinEvent = EventJoin
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		conn:      conn,
		joinEvent: joinEvent,
		log:       log.Named("rooms"),
		joined:    make(map[model.ID]struct{}),
	}
	m.connect = conn.On(transport.EventConnect, func(json.RawMessage) { m.rejoin() })
	return m
}

// Join marks chatID joined and emits the join. Repeated calls while joined
// emit nothing. It reports whether a join was issued.
func (m *Manager) Join(chatID model.ID) bool {
	if chatID.IsZero() {
		return false
	}
	m.mu.Lock()
	if _, ok := m.joined[chatID]; ok {
		m.mu.Unlock()
		return false
	}
	m.joined[chatID] = struct{}{}
	m.mu.Unlock()

	if !m.conn.Emit(m.joinEvent, chatID) {
		m.log.Debug("join deferred until connect", zap.String("chat_id", chatID.String()))
	}
	return true
}

// Leave marks chatID not joined and emits a leave.
func (m *Manager) Leave(chatID model.ID) {
	m.mu.Lock()
	_, ok := m.joined[chatID]
	delete(m.joined, chatID)
	m.mu.Unlock()
	if ok {
		m.conn.Emit(EventLeave, chatID)
	}
}

// IsJoined reports whether chatID is marked joined.
func (m *Manager) IsJoined(chatID model.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.joined[chatID]
	return ok
}

// Joined returns the joined ids, sorted.
func (m *Manager) Joined() []model.ID {
	m.mu.Lock()
	ids := make([]model.ID, 0, len(m.joined))
	for id := range m.joined {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Close unregisters the reconnect hook. Joined state is dropped with the
// connection it belonged to.
func (m *Manager) Close() {
	m.conn.Off(transport.EventConnect, m.connect)
	m.mu.Lock()
	clear(m.joined)
	m.mu.Unlock()
}

// rejoin re-emits one join per joined id on a fresh connection.
func (m *Manager) rejoin() {
	ids := m.Joined()
	for _, id := range ids {
		m.conn.Emit(m.joinEvent, id)
	}
	if len(ids) > 0 {
		m.log.Info("rejoined rooms", zap.Int("count", len(ids)))
	}
}
