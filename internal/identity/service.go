package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"carelock.org/internal/obs"
)

// dummyHash absorbs a bcrypt comparison when the identity does not exist so
// the unknown-identity path costs the same as a bad-secret path.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Internal failure causes. Logged distinctly, surfaced uniformly as
// ErrInvalidCredentials.
var (
	errUnknownIdentity  = errors.New("unknown identity")
	errInactiveIdentity = errors.New("inactive identity")
	errBadSecret        = errors.New("bad secret")
)

// Service verifies login credentials against stored identities.
type Service struct {
	store Store
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs Service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	svc := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// HashSecret hashes a plaintext secret with bcrypt.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify checks the secret for the identity resolved by email. On success it
// stamps last-login and returns the identity; every failure comes back as
// ErrInvalidCredentials. The failure cause is logged, never returned.
func (s *Service) Verify(ctx context.Context, email, secret string) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || secret == "" {
		s.logFailure(email, errBadSecret)
		return nil, ErrInvalidCredentials
	}

	id, err := s.store.FindIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn a comparison so timing does not reveal existence.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
			s.logFailure(email, errUnknownIdentity)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(id.PasswordHash), []byte(secret)); err != nil {
		s.logFailure(email, errBadSecret)
		return nil, ErrInvalidCredentials
	}
	if !id.Active {
		s.logFailure(email, errInactiveIdentity)
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if err := s.store.TouchLastLogin(ctx, id.ID, now); err != nil {
		return nil, err
	}
	id.LastLogin = now
	return id, nil
}

// Find loads an identity by ID.
func (s *Service) Find(ctx context.Context, id string) (*Identity, error) {
	return s.store.FindIdentity(ctx, id)
}

// Provision creates a new identity with a hashed secret.
func (s *Service) Provision(ctx context.Context, email, name, secret string, role Role) (*Identity, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidInput
	}
	if !role.Valid() {
		return nil, ErrInvalidInput
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, ErrInvalidInput
	}
	id := &Identity{
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	}
	if err := s.store.CreateIdentity(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// Deactivate marks an identity inactive. Deactivated identities fail
// verification but remain resolvable for audit reporting.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	return s.store.SetIdentityActive(ctx, id, false)
}

func (s *Service) logFailure(email string, cause error) {
	obs.Log("warn", "credential verification failed", map[string]any{
		"email": email,
		"cause": cause.Error(),
	})
}
