package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when a session row is absent.
var ErrNotFound = errors.New("session: not found")

// Store persists sessions and the revocation list.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	FindSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error

	// RevokeToken inserts a revocation entry. Inserting the same hash twice
	// is a no-op so revocation stays idempotent.
	RevokeToken(ctx context.Context, entry RevokedToken) error
	IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error)

	// PurgeExpired drops sessions and revocation entries whose own expiry
	// has passed. Safe to retry; a naturally expired token can never
	// validate regardless.
	PurgeExpired(ctx context.Context, now time.Time) error
}

// InMemory is a mutex-guarded Store for tests and local runs.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	revoked  map[string]RevokedToken
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		sessions: make(map[string]*Session),
		revoked:  make(map[string]RevokedToken),
	}
}

func (m *InMemory) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *InMemory) FindSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *InMemory) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastSeenAt = at
	return nil
}

func (m *InMemory) RevokeToken(ctx context.Context, entry RevokedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.revoked[entry.TokenHash]; ok {
		return nil
	}
	m.revoked[entry.TokenHash] = entry
	return nil
}

func (m *InMemory) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.revoked[tokenHash]
	return ok, nil
}

func (m *InMemory) PurgeExpired(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
	for hash, entry := range m.revoked {
		if now.After(entry.ExpiresAt) {
			delete(m.revoked, hash)
		}
	}
	return nil
}
