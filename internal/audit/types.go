package audit

import (
	"errors"
	"time"
)

// Action enumerates auditable operations.
type Action string

const (
	ActionLogin            Action = "LOGIN"
	ActionLogout           Action = "LOGOUT"
	ActionView             Action = "VIEW"
	ActionCreate           Action = "CREATE"
	ActionUpdate           Action = "UPDATE"
	ActionDelete           Action = "DELETE"
	ActionEmergencyRequest Action = "EMERGENCY_REQUEST"
	ActionEmergencyGrant   Action = "EMERGENCY_GRANT"
	ActionEmergencyAccess  Action = "EMERGENCY_ACCESS"
	ActionUnauthorized     Action = "UNAUTHORIZED_ACCESS"
)

// Event is one immutable audit record. Events are append-only: nothing
// updates or deletes them after Record returns.
type Event struct {
	ID string `json:"id"`

	// Seq is assigned by the store on append and is strictly increasing,
	// so reads for one actor observe events in creation order.
	Seq uint64 `json:"seq"`

	// ActorID is empty for pre-authentication failures.
	ActorID       string    `json:"actor_id,omitempty"`
	PatientID     string    `json:"patient_id,omitempty"`
	RecordID      string    `json:"record_id,omitempty"`
	Action        Action    `json:"action"`
	Resource      string    `json:"resource"`
	IP            string    `json:"ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	EmergencyUse  bool      `json:"emergency_use"`
	Justification string    `json:"justification,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// SecurityEventType enumerates detector outputs.
type SecurityEventType string

const (
	EventFailedLogin        SecurityEventType = "FAILED_LOGIN"
	EventSuspiciousActivity SecurityEventType = "SUSPICIOUS_ACTIVITY"
	EventUnauthorizedAccess SecurityEventType = "UNAUTHORIZED_ACCESS"
	EventEmergencyAccess    SecurityEventType = "EMERGENCY_ACCESS"
)

// Severity orders security events for triage.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SecurityEvent is raised by the detection engine from patterns over audit
// events. The only permitted mutation is resolution by an operator.
type SecurityEvent struct {
	ID          string            `json:"id"`
	Type        SecurityEventType `json:"type"`
	Severity    Severity          `json:"severity"`
	IdentityID  string            `json:"identity_id,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Description string            `json:"description"`
	Resolved    bool              `json:"resolved"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Filter narrows audit event queries. AfterSeq is the pagination cursor:
// results start strictly after it, ordered by Seq.
type Filter struct {
	ActorID   string
	PatientID string
	Action    Action
	Success   *bool
	Emergency *bool
	IP        string
	Since     time.Time
	Until     time.Time
	AfterSeq  uint64
	Limit     int
}

// SecurityFilter narrows security event queries.
type SecurityFilter struct {
	Type            SecurityEventType
	Severity        Severity
	IdentityID      string
	IP              string
	IncludeResolved bool
	Since           time.Time
	Limit           int
}

var (
	ErrNotFound     = errors.New("audit: not found")
	ErrInvalidEvent = errors.New("audit: invalid event")
)
