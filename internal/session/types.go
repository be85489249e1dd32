package session

import (
	"errors"
	"time"
)

// Session is the server-side record backing one issued token. The token
// itself is opaque to callers; the record carries the mutable bits
// (last-activity) and the absolute expiry ceiling.
type Session struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	TokenHash  string    `json:"-"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// RevokedToken invalidates a token before its natural expiry. The entry
// mirrors the session expiry so it can be purged once the token would have
// died anyway.
type RevokedToken struct {
	TokenHash  string    `json:"-"`
	IdentityID string    `json:"identity_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	ErrExpired   = errors.New("session: expired")
	ErrRevoked   = errors.New("session: revoked")
	ErrMalformed = errors.New("session: malformed token")
)
