package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
)

// Manager keeps at most one Session open and replaces it whenever the
// identity changes. Its Switch method has the shape of an identity
// change listener.
type Manager struct {
	opts Options
	deps Deps
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	cur           *Session
	stopped       bool
	onAuthFailure func()
}

// NewManager creates a manager with no open session.
func NewManager(opts Options, deps Deps) *Manager {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		deps:   deps,
		log:    deps.Log.Named("sessions"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnAuthFailure sets fn to run when the server rejects the session's
// token on the live channel. The daemon uses it to sign out.
func (m *Manager) OnAuthFailure(fn func()) {
	m.mu.Lock()
	m.onAuthFailure = fn
	m.mu.Unlock()
}

// Switch closes the current session, if any, and opens one for id when
// ok is true.
func (m *Manager) Switch(id model.Identity, token string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if m.cur != nil {
		if err := m.cur.Close(); err != nil {
			m.log.Warn("closing session", zap.Error(err))
		}
		m.cur = nil
	}
	m.deps.Bus.Publish(bus.NewEvent(bus.KindIdentityChanged, id))

	if !ok {
		m.transition(status.AuthRequired)
		return
	}
	s, err := Open(m.ctx, m.opts, m.deps, id, token)
	if err != nil {
		m.log.Error("opening session", zap.Error(err))
		m.transition(status.Error)
		return
	}
	m.cur = s
	go m.watch(s)
}

// watch reports an auth failure of s once its connection stops.
func (m *Manager) watch(s *Session) {
	<-s.Done()
	if !errors.Is(s.Err(), chaterrors.ErrUnauthorized) {
		return
	}
	m.mu.Lock()
	current := m.cur == s
	fn := m.onAuthFailure
	m.mu.Unlock()
	if current && fn != nil {
		m.log.Warn("session token rejected")
		fn()
	}
}

// Current returns the open session or ErrUnauthenticated.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil, chaterrors.ErrUnauthenticated
	}
	return m.cur, nil
}

// Close closes the current session. Later switches are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.cancel()
	if m.cur != nil {
		_ = m.cur.Close()
		m.cur = nil
	}
}

func (m *Manager) transition(to status.State) {
	if err := m.deps.Status.Transition(to); err != nil {
		m.log.Debug("status transition", zap.Error(err))
	}
}
