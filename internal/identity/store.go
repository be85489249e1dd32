package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"carelock.org/internal/ids"
)

// Store persists identities.
type Store interface {
	CreateIdentity(ctx context.Context, id *Identity) error
	FindIdentity(ctx context.Context, id string) (*Identity, error)
	FindIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	SetIdentityActive(ctx context.Context, id string, active bool) error
	ListIdentities(ctx context.Context) ([]*Identity, error)
}

// InMemory is a mutex-guarded Store for tests and local runs.
type InMemory struct {
	mu      sync.RWMutex
	byID    map[string]*Identity
	byEmail map[string]string
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:    make(map[string]*Identity),
		byEmail: make(map[string]string),
	}
}

func (m *InMemory) CreateIdentity(ctx context.Context, id *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.ID == "" {
		id.ID = ids.New()
	}
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email == "" || !id.Role.Valid() {
		return ErrInvalidInput
	}
	now := time.Now().UTC()
	if id.CreatedAt.IsZero() {
		id.CreatedAt = now
	}
	id.UpdatedAt = now
	id.Email = email
	cp := *id
	m.byID[id.ID] = &cp
	m.byEmail[email] = id.ID
	return nil
}

func (m *InMemory) FindIdentity(ctx context.Context, id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *InMemory) FindIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *InMemory) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.LastLogin = at
	rec.UpdatedAt = at
	return nil
}

func (m *InMemory) SetIdentityActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Active = active
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMemory) ListIdentities(ctx context.Context) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Identity, 0, len(m.byID))
	for _, rec := range m.byID {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}
