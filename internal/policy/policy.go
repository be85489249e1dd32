// Package policy stores operator-tunable settings as key/value pairs so the
// authorization and emergency-access behavior can change without a deploy.
package policy

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known setting keys.
const (
	KeyEmergencyApprovalRequired = "emergency_access_approval_required"
	KeyEmergencyWindow           = "emergency_access_duration"
	KeySessionCeiling            = "session_max_duration"
	KeyFailedLoginThreshold      = "failed_login_threshold"
	KeyFailedLoginWindow         = "failed_login_window"
)

var ErrNotFound = errors.New("policy: setting not found")

// Setting is one stored key/value pair.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists settings.
type Store interface {
	GetSetting(ctx context.Context, key string) (Setting, error)
	PutSetting(ctx context.Context, s Setting) error
	ListSettings(ctx context.Context) ([]Setting, error)
}

// Service reads settings with typed accessors and per-key defaults.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs Service.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("policy store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

// Set writes a setting, recording who changed it.
func (s *Service) Set(ctx context.Context, key, value, updatedBy string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("policy: key is required")
	}
	return s.store.PutSetting(ctx, Setting{
		Key:       key,
		Value:     strings.TrimSpace(value),
		UpdatedBy: updatedBy,
		UpdatedAt: s.now().UTC(),
	})
}

// All lists every stored setting.
func (s *Service) All(ctx context.Context) ([]Setting, error) {
	return s.store.ListSettings(ctx)
}

// Bool returns the setting as a boolean, or def when absent or unparsable.
func (s *Service) Bool(ctx context.Context, key string, def bool) bool {
	setting, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	switch strings.ToLower(setting.Value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// Duration returns the setting as a duration, or def when absent or unparsable.
func (s *Service) Duration(ctx context.Context, key string, def time.Duration) time.Duration {
	setting, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	d, err := time.ParseDuration(setting.Value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Int returns the setting as an integer, or def when absent or unparsable.
func (s *Service) Int(ctx context.Context, key string, def int) int {
	setting, err := s.store.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(setting.Value)
	if err != nil {
		return def
	}
	return n
}

// InMemory is a mutex-guarded Store for tests and local runs.
type InMemory struct {
	mu       sync.RWMutex
	settings map[string]Setting
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{settings: make(map[string]Setting)}
}

func (m *InMemory) GetSetting(ctx context.Context, key string) (Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[key]
	if !ok {
		return Setting{}, ErrNotFound
	}
	return s, nil
}

func (m *InMemory) PutSetting(ctx context.Context, s Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.Key] = s
	return nil
}

func (m *InMemory) ListSettings(ctx context.Context) ([]Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	return out, nil
}
