package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carelock.org/internal/identity"
	"carelock.org/internal/policy"
)

const (
	issuer         = "carelock"
	defaultCeiling = 8 * time.Hour
)

// Claims are the JWT claims embedded in a session token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager issues, validates and revokes session tokens. A token is an HS256
// JWT whose jti keys the server-side Session row; validation always consults
// the revocation list before trusting the signature's expiry.
type Manager struct {
	store   Store
	secret  []byte
	ceiling time.Duration
	policy  *policy.Service
	now     func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithCeiling sets the fallback absolute session lifetime used when no policy
// setting overrides it.
func WithCeiling(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ceiling = d
		}
	}
}

// WithPolicy lets the session ceiling be retuned through stored settings,
// read when a token is issued. Already issued tokens keep their expiry.
func WithPolicy(svc *policy.Service) Option {
	return func(m *Manager) {
		m.policy = svc
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs Manager.
func NewManager(store Store, secret string, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session token secret is required")
	}
	m := &Manager{
		store:   store,
		secret:  []byte(secret),
		ceiling: defaultCeiling,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue mints a new token for the identity and persists its session row.
func (m *Manager) Issue(ctx context.Context, id *identity.Identity, ip, userAgent string) (*Session, string, error) {
	if id == nil {
		return nil, "", errors.New("identity is required")
	}
	now := m.now().UTC()
	expires := now.Add(m.ceilingFor(ctx))
	jti := uuid.NewString()

	claims := Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        jti,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, "", fmt.Errorf("sign session token: %w", err)
	}

	sess := &Session{
		ID:         jti,
		IdentityID: id.ID,
		TokenHash:  hashToken(token),
		IP:         ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
		ExpiresAt:  expires,
		LastSeenAt: now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, "", err
	}
	return sess, token, nil
}

// Validate checks a token and returns the owning identity id and role.
// Failure paths are side-effect-free; last-activity moves only on success.
func (m *Manager) Validate(ctx context.Context, token string) (*Claims, error) {
	claims, err := m.parse(token)
	if err != nil {
		return nil, err
	}

	revoked, err := m.store.IsTokenRevoked(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}

	sess, err := m.store.FindSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMalformed
		}
		return nil, err
	}
	now := m.now().UTC()
	if now.After(sess.ExpiresAt) {
		return nil, ErrExpired
	}
	if err := m.store.TouchSession(ctx, sess.ID, now); err != nil {
		return nil, err
	}
	return claims, nil
}

// Revoke blacklists a token. Safe to call repeatedly; the entry expires with
// the token's natural lifetime so the list stays bounded.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	claims, err := m.parseAllowExpired(token)
	if err != nil {
		return err
	}
	expires := m.now().UTC().Add(m.ceilingFor(ctx))
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return m.store.RevokeToken(ctx, RevokedToken{
		TokenHash:  hashToken(token),
		IdentityID: claims.Subject,
		ExpiresAt:  expires,
		CreatedAt:  m.now().UTC(),
	})
}

// PurgeExpired drops naturally expired sessions and revocation entries.
func (m *Manager) PurgeExpired(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now().UTC())
}

func (m *Manager) ceilingFor(ctx context.Context) time.Duration {
	if m.policy != nil {
		return m.policy.Duration(ctx, policy.KeySessionCeiling, m.ceiling)
	}
	return m.ceiling
}

func (m *Manager) parse(token string) (*Claims, error) {
	claims, err := m.parseWith(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}
	return claims, nil
}

// parseAllowExpired still requires a valid signature but tolerates an
// elapsed exp claim, so expired tokens can be revoked idempotently.
func (m *Manager) parseAllowExpired(token string) (*Claims, error) {
	claims, err := m.parseWith(token)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) && claims != nil {
		return claims, nil
	}
	return nil, ErrMalformed
}

func (m *Manager) parseWith(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrMalformed
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now().UTC() }))
	var claims *Claims
	if parsed != nil {
		claims, _ = parsed.Claims.(*Claims)
	}
	if err != nil {
		return claims, err
	}
	if claims == nil || claims.Issuer != issuer || strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
