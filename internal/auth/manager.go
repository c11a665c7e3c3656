package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateBootstrapping State = iota
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Authenticator is the backend half of authentication.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (AuthResponse, error)
	Register(ctx context.Context, reg Registration) (AuthResponse, error)
	CurrentUser(ctx context.Context) (User, error)
}

type AuditLogger interface {
	Log(actor, action, target, outcome, detail string) error
}

// StoreWatcher reports out-of-process changes to the session store.
type StoreWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type Snapshot struct {
	State State
	User  *User
}

func (s Snapshot) IsAuthenticated() bool {
	return s.State == StateAuthenticated && s.User != nil
}

type ManagerConfig struct {
	Logger *logrus.Logger
	Audit  AuditLogger
}

// Manager owns the authentication state for the lifetime of the process.
// State only changes through Init, Login, Logout, Invalidate, Reject and
// store sync. An authenticated Manager always holds the token it confirmed;
// the user is never reported against any other token.
type Manager struct {
	store *SessionStore
	authn Authenticator
	log   *logrus.Logger
	audit AuditLogger

	initOnce sync.Once
	initErr  error
	ready    chan struct{}

	// opMu serializes state changes so each check and its transition happen
	// together. It is never held across a backend call.
	opMu sync.Mutex

	mu        sync.RWMutex
	state     State
	user      *User
	token     string
	listeners []func(Snapshot)
	stopWatch context.CancelFunc
}

func NewManager(store *SessionStore, authn Authenticator, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		store: store,
		authn: authn,
		log:   log,
		audit: cfg.Audit,
		ready: make(chan struct{}),
		state: StateBootstrapping,
	}, nil
}

// Init restores a stored session. It runs once; later calls return the first
// result. Every validation failure ends Unauthenticated; the returned error
// only reports a store that could not be cleared afterwards.
func (m *Manager) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		defer close(m.ready)
		m.initErr = m.bootstrap(ctx)
	})
	return m.initErr
}

func (m *Manager) bootstrap(ctx context.Context) error {
	token, ok, err := m.store.Token(ctx)
	if err != nil {
		m.log.WithError(err).Warn("read stored session failed")
		m.settle(StateUnauthenticated, nil, "")
		return nil
	}
	if !ok {
		m.log.Debug("no stored session")
		m.settle(StateUnauthenticated, nil, "")
		return nil
	}

	user, err := m.authn.CurrentUser(ctx)
	if err != nil {
		reason := classifyFailure(err)
		m.log.WithFields(logrus.Fields{
			"reason": reason,
			"error":  err.Error(),
		}).Info("stored session rejected")
		clearErr := m.clearIfStored(ctx, token)
		m.settle(StateUnauthenticated, nil, "")
		m.auditSafe("", "session.restore", "failed", reason)
		if clearErr != nil {
			return fmt.Errorf("clear rejected session: %w", clearErr)
		}
		return nil
	}

	if user.ID == 0 {
		if cached, ok, _ := m.store.CachedUser(ctx); ok && strings.EqualFold(cached.Email, user.Email) {
			user.ID = cached.ID
		}
	}
	if info, err := InspectToken(token); err == nil && !info.ExpiresAt.IsZero() {
		m.log.WithField("expires_at", info.ExpiresAt).Debug("stored token expiry")
	}

	m.settle(StateAuthenticated, &user, token)
	m.log.WithFields(logrus.Fields{"email": user.Email, "role": user.Role.String()}).Info("session restored")
	m.auditSafe(user.Email, "session.restore", "success", "")
	return nil
}

// Ready is closed once Init has finished.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login authenticates against the backend and persists the session. On
// failure the error is returned untouched and state is left as it was.
func (m *Manager) Login(ctx context.Context, email, password string) (User, error) {
	resp, err := m.authn.Login(ctx, email, password)
	if err != nil {
		m.auditSafe(email, "auth.login", "failed", err.Error())
		return User{}, err
	}
	user := resp.User()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := m.store.Save(ctx, Session{Token: resp.Token, User: user}); err != nil {
		m.auditSafe(email, "auth.login", "failed", err.Error())
		return User{}, fmt.Errorf("persist session: %w", err)
	}

	m.transition(StateAuthenticated, &user, resp.Token)
	m.log.WithFields(logrus.Fields{"email": user.Email, "role": user.Role.String()}).Info("logged in")
	m.auditSafe(user.Email, "auth.login", "success", "")
	return user, nil
}

// Register creates an account. It does not sign the new user in.
func (m *Manager) Register(ctx context.Context, reg Registration) (User, error) {
	resp, err := m.authn.Register(ctx, reg)
	if err != nil {
		m.auditSafe(reg.Email, "auth.register", "failed", err.Error())
		return User{}, err
	}
	m.auditSafe(resp.Email, "auth.register", "success", resp.Role.String())
	return resp.User(), nil
}

// Logout clears the stored session. It does not contact the backend and is
// safe to call repeatedly.
func (m *Manager) Logout(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	actor := m.actor()
	err := m.store.Clear(ctx)
	m.transition(StateUnauthenticated, nil, "")
	if actor != "" {
		m.log.WithField("email", actor).Info("logged out")
		m.auditSafe(actor, "auth.logout", "success", "")
	}
	return err
}

// Invalidate ends an authenticated session. The store is cleared only while
// it still holds the confirmed token. It does nothing in any other state.
func (m *Manager) Invalidate(ctx context.Context, reason string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.Snapshot().State != StateAuthenticated {
		return
	}
	m.endLocked(ctx, reason)
}

// Reject handles a backend rejection of token, or of a call that had no token
// to send when token is empty. A rejection of a token other than the
// confirmed one is stale and ignored.
func (m *Manager) Reject(ctx context.Context, token, reason string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	confirmed, authenticated := m.confirmed()
	if !authenticated {
		return
	}
	if token != "" && token != confirmed {
		m.log.WithField("reason", reason).Debug("ignoring rejection of a replaced token")
		return
	}
	if token == "" {
		if stored, ok, err := m.store.Token(ctx); err == nil && ok && stored == confirmed {
			return
		}
	}
	m.endLocked(ctx, reason)
}

// Token returns the stored token for backend calls. While authenticated it
// reports no token unless the store still holds the confirmed one, so a
// session replaced or cleared elsewhere is never used under the wrong user.
func (m *Manager) Token(ctx context.Context) (string, bool, error) {
	stored, ok, err := m.store.Token(ctx)
	if err != nil {
		return "", false, err
	}
	confirmed, authenticated := m.confirmed()
	if authenticated && (!ok || stored != confirmed) {
		m.log.Debug("stored token no longer matches the confirmed session")
		return "", false, nil
	}
	return stored, ok, nil
}

func (m *Manager) endLocked(ctx context.Context, reason string) {
	confirmed, _ := m.confirmed()
	actor := m.actor()
	if err := m.clearIfStored(ctx, confirmed); err != nil {
		m.log.WithError(err).Warn("clear invalidated session failed")
	}
	m.transition(StateUnauthenticated, nil, "")
	m.log.WithFields(logrus.Fields{"email": actor, "reason": reason}).Info("session invalidated")
	m.auditSafe(actor, "session.invalidate", "success", reason)
}

// clearIfStored clears the store when it holds token. A session saved by
// another process is left alone.
func (m *Manager) clearIfStored(ctx context.Context, token string) error {
	stored, ok, err := m.store.Token(ctx)
	if err != nil {
		return err
	}
	if !ok || stored != token {
		return nil
	}
	return m.store.Clear(ctx)
}

// Watch follows out-of-process changes to the store. A cleared or replaced
// token ends the session; a token saved elsewhere is then confirmed with the
// backend and adopted. Dispose stops watching.
func (m *Manager) Watch(ctx context.Context, w StoreWatcher) error {
	watchCtx, cancel := context.WithCancel(ctx)
	if err := w.Watch(watchCtx, func() { m.syncFromStore(watchCtx) }); err != nil {
		cancel()
		return err
	}
	m.mu.Lock()
	prev := m.stopWatch
	m.stopWatch = cancel
	m.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

func (m *Manager) syncFromStore(ctx context.Context) {
	m.opMu.Lock()
	stored, ok, err := m.store.Token(ctx)
	if err != nil {
		m.opMu.Unlock()
		m.log.WithError(err).Warn("read session store after change failed")
		return
	}
	snap := m.Snapshot()
	confirmed, _ := m.confirmed()
	switch {
	case snap.State == StateBootstrapping:
		m.opMu.Unlock()
		return
	case snap.State == StateAuthenticated && ok && stored == confirmed:
		if snap.User.ID == 0 {
			if cached, found, _ := m.store.CachedUser(ctx); found && cached.ID != 0 && strings.EqualFold(cached.Email, snap.User.Email) {
				u := *snap.User
				u.ID = cached.ID
				m.transition(StateAuthenticated, &u, confirmed)
			}
		}
		m.opMu.Unlock()
		return
	case snap.State == StateAuthenticated && !ok:
		m.endLocked(ctx, "session cleared externally")
		m.opMu.Unlock()
		return
	case snap.State == StateAuthenticated:
		m.endLocked(ctx, "session replaced externally")
	case !ok:
		m.opMu.Unlock()
		return
	}
	m.opMu.Unlock()

	m.adopt(ctx, stored)
}

// adopt confirms a token saved by another process and signs in as its user.
func (m *Manager) adopt(ctx context.Context, token string) {
	user, err := m.authn.CurrentUser(ctx)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"reason": classifyFailure(err),
			"error":  err.Error(),
		}).Info("external session not adopted")
		m.auditSafe("", "session.sync", "failed", classifyFailure(err))
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.Snapshot().State != StateUnauthenticated {
		return
	}
	if stored, ok, err := m.store.Token(ctx); err != nil || !ok || stored != token {
		return
	}
	if user.ID == 0 {
		if cached, ok, _ := m.store.CachedUser(ctx); ok && strings.EqualFold(cached.Email, user.Email) {
			user.ID = cached.ID
		}
	}
	m.transition(StateAuthenticated, &user, token)
	m.log.WithFields(logrus.Fields{"email": user.Email, "role": user.Role.String()}).Info("external session adopted")
	m.auditSafe(user.Email, "session.sync", "success", "")
}

// Subscribe registers fn to be called after every state transition.
func (m *Manager) Subscribe(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) IsAuthenticated() bool {
	return m.Snapshot().IsAuthenticated()
}

// User returns the confirmed user, if any.
func (m *Manager) User() (User, bool) {
	snap := m.Snapshot()
	if !snap.IsAuthenticated() {
		return User{}, false
	}
	return *snap.User, true
}

// TokenInfo reads the stored token's claims for display. It returns
// ErrNoSession when the session is not authenticated.
func (m *Manager) TokenInfo(ctx context.Context) (TokenInfo, error) {
	if !m.IsAuthenticated() {
		return TokenInfo{}, ErrNoSession
	}
	token, ok, err := m.Token(ctx)
	if err != nil {
		return TokenInfo{}, err
	}
	if !ok {
		return TokenInfo{}, ErrNoSession
	}
	return InspectToken(token)
}

// Dispose stops store watching and drops listeners.
func (m *Manager) Dispose() {
	m.mu.Lock()
	stop := m.stopWatch
	m.stopWatch = nil
	m.listeners = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// transitionLocked takes opMu around transition.
func (m *Manager) settle(state State, user *User, token string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.transition(state, user, token)
}

func (m *Manager) transition(state State, user *User, token string) {
	m.mu.Lock()
	m.state = state
	m.token = token
	if user != nil {
		u := *user
		m.user = &u
	} else {
		m.user = nil
	}
	snap := m.snapshotLocked()
	listeners := append([]func(Snapshot){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state}
	if m.user != nil {
		u := *m.user
		snap.User = &u
	}
	return snap
}

func (m *Manager) confirmed() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.state == StateAuthenticated
}

func (m *Manager) actor() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return ""
	}
	return m.user.Email
}

func (m *Manager) auditSafe(actor, action, outcome, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(actor, action, "", outcome, detail); err != nil {
		m.log.WithError(err).Warn("write audit entry failed")
	}
}

// classifyFailure names why a stored session could not be confirmed.
func classifyFailure(err error) string {
	var netErr net.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return "decode"
	case errors.As(err, &netErr):
		return "network"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "network"
	}
	return "backend"
}
