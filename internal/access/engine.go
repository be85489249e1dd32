package access

import (
	"context"
	"errors"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/emergency"
	"carelock.org/internal/identity"
	"carelock.org/internal/obs"
)

// Reason explains a decision to the caller and the audit trail.
type Reason string

const (
	ReasonUnauthenticated   Reason = "Unauthenticated"
	ReasonRoleAllowed       Reason = "RoleAllowed"
	ReasonRoleDenied        Reason = "RoleDenied"
	ReasonEmergencyOverride Reason = "EmergencyOverride"
)

// Decision is the outcome of one Authorize call.
type Decision struct {
	Allow     bool   `json:"allow"`
	Reason    Reason `json:"reason"`
	GrantID   string `json:"grant_id,omitempty"`
	Emergency bool   `json:"emergency"`
}

// RequestMeta carries origin details into the audit event.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// GrantSource yields the usable emergency grant for a pair, if any.
// emergency.Workflow satisfies it.
type GrantSource interface {
	ActiveFor(ctx context.Context, identityID, patientID string) (*emergency.Grant, error)
}

// Engine evaluates the permission table and emergency overrides.
type Engine struct {
	rules  Ruleset
	grants GrantSource
	audit  *audit.Engine
	now    func() time.Time
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithRuleset swaps the permission table.
func WithRuleset(rs Ruleset) EngineOption {
	return func(e *Engine) {
		if rs != nil {
			e.rules = rs
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs Engine. grants may be nil, which disables overrides.
func NewEngine(auditEngine *audit.Engine, grants GrantSource, opts ...EngineOption) (*Engine, error) {
	if auditEngine == nil {
		return nil, errors.New("audit engine is required")
	}
	e := &Engine{
		rules:  DefaultRuleset(),
		grants: grants,
		audit:  auditEngine,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Authorize decides whether actor may perform action on resource. Exactly one
// audit event is written per call, whatever the outcome; if the write fails
// the decision fails with it. Denials name the action and resource but never
// say whether an override could have existed.
func (e *Engine) Authorize(ctx context.Context, actor *identity.Identity, action audit.Action, resource string, meta RequestMeta) (Decision, error) {
	res := ParseResource(resource)

	if actor == nil || !actor.Active {
		d := Decision{Allow: false, Reason: ReasonUnauthenticated}
		return e.finish(ctx, d, nil, action, resource, res, meta, "")
	}

	if e.rules.Allows(actor.Role, action, res.Type) {
		d := Decision{Allow: true, Reason: ReasonRoleAllowed}
		return e.finish(ctx, d, actor, action, resource, res, meta, "")
	}

	if e.grants != nil && res.PatientID != "" {
		grant, err := e.grants.ActiveFor(ctx, actor.ID, res.PatientID)
		switch {
		case err == nil:
			d := Decision{Allow: true, Reason: ReasonEmergencyOverride, GrantID: grant.ID, Emergency: true}
			return e.finish(ctx, d, actor, action, resource, res, meta, grant.Justification)
		case errors.Is(err, emergency.ErrNotFound):
			// No usable grant; fall through to the baseline denial.
		default:
			// An authoritative read failed. Deny rather than guess, and say
			// nothing about grants to the caller.
			obs.Log("error", "emergency grant lookup failed", map[string]any{"error": err.Error()})
		}
	}

	d := Decision{Allow: false, Reason: ReasonRoleDenied}
	return e.finish(ctx, d, actor, action, resource, res, meta, "")
}

// finish writes the mandatory audit event and the decision metric, then
// returns the decision. An audit failure turns the decision into an error.
func (e *Engine) finish(ctx context.Context, d Decision, actor *identity.Identity, action audit.Action, resource string, res Resource, meta RequestMeta, justification string) (Decision, error) {
	event := &audit.Event{
		PatientID:     res.PatientID,
		Resource:      resource,
		IP:            meta.IP,
		UserAgent:     meta.UserAgent,
		Success:       d.Allow,
		EmergencyUse:  d.Emergency,
		Justification: justification,
		OccurredAt:    e.now().UTC(),
	}
	if actor != nil {
		event.ActorID = actor.ID
	}
	switch {
	case d.Allow && d.Emergency:
		// Break-glass use is its own auditable action; the resource names
		// what was touched.
		event.Action = audit.ActionEmergencyAccess
	case d.Allow:
		event.Action = action
	default:
		event.Action = audit.ActionUnauthorized
		event.Error = string(d.Reason)
	}

	if err := e.audit.Record(ctx, event); err != nil {
		return Decision{}, err
	}
	obs.ObserveDecision(d.Allow, string(d.Reason))
	return d, nil
}
