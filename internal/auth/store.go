package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Keys held by the session store. They are written and cleared together.
const (
	TokenKey = "auth_token"
	UserKey  = "user"
)

var ErrKeyNotFound = errors.New("key not found")

// KV is the durable key-value backend behind a SessionStore.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// SessionStore persists the token and the cached user. It performs no
// network calls and no validation.
type SessionStore struct {
	kv KV
}

func NewSessionStore(kv KV) (*SessionStore, error) {
	if kv == nil {
		return nil, fmt.Errorf("session kv backend is required")
	}
	return &SessionStore{kv: kv}, nil
}

// Save writes the token, then the user. The two writes are not rolled back
// on partial failure; both are re-derivable on the next login.
func (s *SessionStore) Save(ctx context.Context, sess Session) error {
	if sess.Token == "" {
		return fmt.Errorf("session token is required")
	}
	encoded, err := encodeUser(sess.User)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, TokenKey, sess.Token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	if err := s.kv.Set(ctx, UserKey, encoded); err != nil {
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}

// Token returns the stored token. ok is false when none is stored.
func (s *SessionStore) Token(ctx context.Context) (token string, ok bool, err error) {
	token, err = s.kv.Get(ctx, TokenKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read token: %w", err)
	}
	if token == "" {
		return "", false, nil
	}
	return token, true, nil
}

// CachedUser returns the user saved alongside the token. It is never used to
// decide whether a session is authenticated.
func (s *SessionStore) CachedUser(ctx context.Context) (User, bool, error) {
	raw, err := s.kv.Get(ctx, UserKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("read user: %w", err)
	}
	u, err := decodeUser(raw)
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// Load returns the stored session, or ErrNoSession when no token is stored.
func (s *SessionStore) Load(ctx context.Context) (Session, error) {
	token, ok, err := s.Token(ctx)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrNoSession
	}
	u, _, err := s.CachedUser(ctx)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: u}, nil
}

// Clear removes both keys. Clearing an empty store is not an error.
func (s *SessionStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, TokenKey, UserKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}
