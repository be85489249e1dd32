package emergency

import (
	"errors"
	"time"
)

// Status is the grant state machine position. pending moves to approved or
// denied; approved moves to expired or revoked; denied, expired and revoked
// are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// Grant is one break-glass request. At most one grant per (identity,
// patient) pair may be pending or approved at a time.
type Grant struct {
	ID            string     `json:"id"`
	IdentityID    string     `json:"identity_id"`
	PatientID     string     `json:"patient_id"`
	Justification string     `json:"justification"`
	Token         string     `json:"token,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	RevokedBy     string     `json:"revoked_by,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// UsableAt reports whether the grant overrides authorization at instant now.
// Expiry is evaluated lazily: an approved grant past its expiry is unusable
// even before the sweep marks it expired.
func (g *Grant) UsableAt(now time.Time) bool {
	return g.Status == StatusApproved && now.Before(g.ExpiresAt)
}

var (
	ErrNotFound             = errors.New("emergency: grant not found")
	ErrEmptyJustification   = errors.New("emergency: justification is required")
	ErrMissingPatient       = errors.New("emergency: patient id is required")
	ErrDuplicateActiveGrant = errors.New("emergency: an active grant already exists for this patient")
	ErrInvalidTransition    = errors.New("emergency: invalid grant transition")
	ErrNotAllowed           = errors.New("emergency: operation not permitted for this role")
)
