package audit

import (
	"context"
	"sync"
	"time"

	"carelock.org/internal/ids"
)

// Store persists audit events and security events. Audit events are
// append-only by construction: the interface has no update or delete.
type Store interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, f Filter) ([]Event, uint64, error)
	CountEvents(ctx context.Context, f Filter) (int, error)

	AppendSecurityEvent(ctx context.Context, e *SecurityEvent) error
	ListSecurityEvents(ctx context.Context, f SecurityFilter) ([]SecurityEvent, error)
	ResolveSecurityEvent(ctx context.Context, id, resolvedBy string, at time.Time) error
	HasUnresolvedSecurityEvent(ctx context.Context, t SecurityEventType, ip string, since time.Time) (bool, error)
}

// InMemory is a mutex-guarded Store for tests and local runs.
type InMemory struct {
	mu       sync.RWMutex
	seq      uint64
	events   []Event
	security []SecurityEvent
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (m *InMemory) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	m.seq++
	e.Seq = m.seq
	m.events = append(m.events, *e)
	return nil
}

func matches(e Event, f Filter) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if f.Emergency != nil && e.EmergencyUse != *f.Emergency {
		return false
	}
	if f.IP != "" && e.IP != f.IP {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.OccurredAt.After(f.Until) {
		return false
	}
	if f.AfterSeq > 0 && e.Seq <= f.AfterSeq {
		return false
	}
	return true
}

func (m *InMemory) ListEvents(ctx context.Context, f Filter) ([]Event, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	var cursor uint64
	for _, e := range m.events {
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
		cursor = e.Seq
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, cursor, nil
}

func (m *InMemory) CountEvents(ctx context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.events {
		if matches(e, f) {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) AppendSecurityEvent(ctx context.Context, e *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	m.security = append(m.security, *e)
	return nil
}

func (m *InMemory) ListSecurityEvents(ctx context.Context, f SecurityFilter) ([]SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SecurityEvent
	for _, e := range m.security {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.IdentityID != "" && e.IdentityID != f.IdentityID {
			continue
		}
		if f.IP != "" && e.IP != f.IP {
			continue
		}
		if !f.IncludeResolved && e.Resolved {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *InMemory) ResolveSecurityEvent(ctx context.Context, id, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.security {
		if m.security[i].ID == id {
			m.security[i].Resolved = true
			m.security[i].ResolvedBy = resolvedBy
			m.security[i].ResolvedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (m *InMemory) HasUnresolvedSecurityEvent(ctx context.Context, t SecurityEventType, ip string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.security {
		if e.Type == t && e.IP == ip && !e.Resolved && !e.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}
