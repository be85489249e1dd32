package identity

import (
	"errors"
	"time"
)

// Role is the fixed set of clinical roles. Roles are mutually exclusive and
// determine the baseline permission set.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
	RoleNurse  Role = "nurse"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse:
		return true
	}
	return false
}

// MedicalStaff reports whether the role may touch patient data at baseline.
func (r Role) MedicalStaff() bool {
	return r == RoleDoctor || r == RoleNurse
}

// Identity is a provisioned account. Offboarded identities are deactivated,
// never deleted, so the audit trail keeps resolving.
type Identity struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	LastLogin    time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrNotFound     = errors.New("identity: not found")
	ErrInvalidInput = errors.New("identity: invalid input")

	// ErrInvalidCredentials is the only verification failure callers see;
	// unknown identity, inactive identity and bad secret are deliberately
	// indistinguishable to prevent account enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
