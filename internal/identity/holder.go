// Package identity holds the authenticated user and bearer token of a
// profile. Resolution fails closed: any doubt about a stored token discards
// it.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	chaterrors "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/rest"
)

// TokenStore persists the single bearer token of a profile.
type TokenStore interface {
	Load() (token string, ok bool, err error)
	Save(token string) error
	Clear() error
}

// Authenticator is the subset of the REST client used for identity.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*rest.AuthResponse, error)
	Signup(ctx context.Context, username, password string) (*rest.AuthResponse, error)
	Me(ctx context.Context, token string) (model.Identity, error)
}

// ChangeFunc is called after every identity change. ok is false after
// logout or a failed resolution.
type ChangeFunc func(id model.Identity, token string, ok bool)

// Holder owns the current identity and token.
type Holder struct {
	auth   Authenticator
	tokens TokenStore
	log    *zap.Logger
	now    func() time.Time

	// writeMu orders token store writes with the in-memory state. epoch
	// counts logins, signups and logouts so a slow Resolve can tell that
	// its token was replaced while Me was in flight.
	writeMu sync.Mutex
	epoch   uint64

	mu        sync.RWMutex
	identity  model.Identity
	token     string
	listeners []ChangeFunc
}

// NewHolder creates an empty holder. Call Resolve to restore a stored
// token.
func NewHolder(auth Authenticator, tokens TokenStore, log *zap.Logger) *Holder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Holder{auth: auth, tokens: tokens, log: log, now: time.Now}
}

// OnChange registers fn to run after each login, signup, logout or
// resolution. Listeners run synchronously in registration order.
func (h *Holder) OnChange(fn ChangeFunc) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Current returns the identity and token. ok is false when signed out.
func (h *Holder) Current() (model.Identity, string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.identity, h.token, h.token != ""
}

// Resolve validates the stored token against the server. Any failure
// discards the token and returns ErrUnauthenticated; there is no retry.
// A login, signup or logout that lands while Resolve runs wins: the
// outcome for the old token is then dropped without touching state.
func (h *Holder) Resolve(ctx context.Context) (model.Identity, error) {
	epoch := h.currentEpoch()
	token, ok, err := h.tokens.Load()
	if err != nil {
		return model.Identity{}, fmt.Errorf("loading token: %w", err)
	}
	if !ok || token == "" {
		return model.Identity{}, chaterrors.ErrUnauthenticated
	}

	if expired(token, h.now()) {
		h.log.Info("stored token expired, discarding")
		h.discard(epoch)
		return model.Identity{}, fmt.Errorf("%w: token expired", chaterrors.ErrUnauthenticated)
	}

	id, err := h.auth.Me(ctx, token)
	if err != nil {
		h.log.Warn("stored token rejected, discarding", zap.Error(err))
		h.discard(epoch)
		return model.Identity{}, fmt.Errorf("%w: %w", chaterrors.ErrUnauthenticated, err)
	}

	h.writeMu.Lock()
	if h.epoch != epoch {
		h.writeMu.Unlock()
		h.log.Info("identity changed during resolution, keeping newer one")
		cur, _, _ := h.Current()
		return cur, nil
	}
	h.store(id, token)
	h.writeMu.Unlock()
	h.notify(id, token, true)

	h.log.Info("identity resolved", zap.String("user_id", id.ID.String()), zap.String("username", id.Username))
	return id, nil
}

// Login authenticates with the server and persists the token.
func (h *Holder) Login(ctx context.Context, username, password string) (model.Identity, error) {
	resp, err := h.auth.Login(ctx, username, password)
	if err != nil {
		return model.Identity{}, err
	}
	return h.accept(resp)
}

// Signup registers an account and persists its token.
func (h *Holder) Signup(ctx context.Context, username, password string) (model.Identity, error) {
	resp, err := h.auth.Signup(ctx, username, password)
	if err != nil {
		return model.Identity{}, err
	}
	return h.accept(resp)
}

func (h *Holder) accept(resp *rest.AuthResponse) (model.Identity, error) {
	h.writeMu.Lock()
	h.epoch++
	if err := h.tokens.Save(resp.Token); err != nil {
		h.writeMu.Unlock()
		return model.Identity{}, fmt.Errorf("saving token: %w", err)
	}
	h.store(resp.User, resp.Token)
	h.writeMu.Unlock()
	h.notify(resp.User, resp.Token, true)

	h.log.Info("signed in", zap.String("user_id", resp.User.ID.String()), zap.String("username", resp.User.Username))
	return resp.User, nil
}

// Logout clears the token and identity and notifies listeners before
// returning.
func (h *Holder) Logout() error {
	h.writeMu.Lock()
	h.epoch++
	err := h.tokens.Clear()
	h.store(model.Identity{}, "")
	h.writeMu.Unlock()
	h.notify(model.Identity{}, "", false)

	if err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	h.log.Info("signed out")
	return nil
}

// discard drops the stored token after a failed resolution, unless the
// identity changed since epoch.
func (h *Holder) discard(epoch uint64) {
	h.writeMu.Lock()
	if h.epoch != epoch {
		h.writeMu.Unlock()
		h.log.Info("token replaced during resolution, not discarding")
		return
	}
	if err := h.tokens.Clear(); err != nil {
		h.log.Warn("clearing token", zap.Error(err))
	}
	h.store(model.Identity{}, "")
	h.writeMu.Unlock()
	h.notify(model.Identity{}, "", false)
}

func (h *Holder) currentEpoch() uint64 {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.epoch
}

func (h *Holder) store(id model.Identity, token string) {
	h.mu.Lock()
	h.identity = id
	h.token = token
	h.mu.Unlock()
}

func (h *Holder) notify(id model.Identity, token string, ok bool) {
	h.mu.RLock()
	listeners := append([]ChangeFunc(nil), h.listeners...)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(id, token, ok)
	}
}

// expired reports whether token is a JWT whose exp claim is in the past.
// Tokens that are not JWTs, or carry no exp, are left to the server.
func expired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
