package emergency

import (
	"context"
	"sync"
	"time"

	"carelock.org/internal/ids"
)

// Store persists grants. CreateGrant must serialize concurrent requests for
// the same (identity, patient) pair and reject the second active one; the
// Postgres implementation does this with a row lock, InMemory with a mutex.
type Store interface {
	CreateGrant(ctx context.Context, g *Grant) error
	FindGrant(ctx context.Context, id string) (*Grant, error)
	UpdateGrant(ctx context.Context, g *Grant) error
	FindActiveGrant(ctx context.Context, identityID, patientID string, now time.Time) (*Grant, error)
	ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error)

	// MarkExpired transitions approved grants past their expiry to expired
	// and reports how many changed. Idempotent and restartable.
	MarkExpired(ctx context.Context, now time.Time) (int, error)
	CountActiveGrants(ctx context.Context, now time.Time) (int, error)
}

// GrantFilter narrows grant listings.
type GrantFilter struct {
	IdentityID string
	PatientID  string
	Status     Status
	Limit      int
}

// InMemory is a mutex-guarded Store for tests and local runs.
type InMemory struct {
	mu     sync.Mutex
	grants []*Grant
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// activeForPair reports whether g blocks a new grant for the same pair at
// instant now: pending always does, approved only until it expires.
func activeForPair(g *Grant, now time.Time) bool {
	switch g.Status {
	case StatusPending:
		return true
	case StatusApproved:
		return now.Before(g.ExpiresAt)
	}
	return false
}

func (m *InMemory) CreateGrant(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.grants {
		if existing.IdentityID == g.IdentityID && existing.PatientID == g.PatientID && activeForPair(existing, g.CreatedAt) {
			return ErrDuplicateActiveGrant
		}
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	cp := *g
	m.grants = append(m.grants, &cp)
	return nil
}

func (m *InMemory) FindGrant(ctx context.Context, id string) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.ID == id {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *InMemory) UpdateGrant(ctx context.Context, g *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.grants {
		if existing.ID == g.ID {
			cp := *g
			m.grants[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *InMemory) FindActiveGrant(ctx context.Context, identityID, patientID string, now time.Time) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.IdentityID == identityID && g.PatientID == patientID && g.UsableAt(now) {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *InMemory) ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Grant
	for _, g := range m.grants {
		if f.IdentityID != "" && g.IdentityID != f.IdentityID {
			continue
		}
		if f.PatientID != "" && g.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && g.Status != f.Status {
			continue
		}
		out = append(out, *g)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.grants {
		if g.Status == StatusApproved && !now.Before(g.ExpiresAt) {
			g.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *InMemory) CountActiveGrants(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.grants {
		if activeForPair(g, now) {
			n++
		}
	}
	return n, nil
}
