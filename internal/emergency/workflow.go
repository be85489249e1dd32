// Package emergency implements the break-glass workflow: medical staff may
// request time-boxed access to a patient outside their normal permissions,
// every step of which lands in the audit trail.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/ids"
	"carelock.org/internal/identity"
	"carelock.org/internal/obs"
	"carelock.org/internal/policy"
)

const defaultWindow = time.Hour

// Workflow drives the grant state machine. All mutations go through the
// audit engine; an audit append failure fails the operation.
type Workflow struct {
	store    Store
	audit    *audit.Engine
	policy   *policy.Service
	window   time.Duration
	approval bool
	now      func() time.Time
}

// WorkflowOption configures Workflow.
type WorkflowOption func(*Workflow)

// WithWindow sets the fallback grant duration used when no policy setting
// overrides it.
func WithWindow(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		if d > 0 {
			w.window = d
		}
	}
}

// WithApprovalRequired sets the fallback approval mode used when no policy
// setting overrides it.
func WithApprovalRequired(required bool) WorkflowOption {
	return func(w *Workflow) {
		w.approval = required
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) WorkflowOption {
	return func(w *Workflow) {
		if fn != nil {
			w.now = fn
		}
	}
}

// NewWorkflow constructs Workflow.
func NewWorkflow(store Store, auditEngine *audit.Engine, policySvc *policy.Service, opts ...WorkflowOption) (*Workflow, error) {
	if store == nil {
		return nil, errors.New("emergency store is required")
	}
	if auditEngine == nil {
		return nil, errors.New("audit engine is required")
	}
	if policySvc == nil {
		return nil, errors.New("policy service is required")
	}
	w := &Workflow{
		store:  store,
		audit:  auditEngine,
		policy: policySvc,
		window: defaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RequestInput carries one break-glass request.
type RequestInput struct {
	PatientID     string
	Justification string
	IP            string
	UserAgent     string
}

// Request opens a grant for the actor against a patient. Only medical staff
// may request; a non-blank justification is mandatory; at most one active
// grant per (actor, patient) pair. Every outcome, including rejections, is
// audited.
func (w *Workflow) Request(ctx context.Context, actor *identity.Identity, in RequestInput) (*Grant, error) {
	if actor == nil {
		return nil, ErrNotAllowed
	}
	resource := "emergency:" + in.PatientID

	if !actor.Role.MedicalStaff() {
		if err := w.audit.Record(ctx, &audit.Event{
			ActorID:   actor.ID,
			PatientID: in.PatientID,
			Action:    audit.ActionUnauthorized,
			Resource:  resource,
			IP:        in.IP,
			UserAgent: in.UserAgent,
			Error:     "role may not request emergency access",
		}); err != nil {
			return nil, err
		}
		return nil, ErrNotAllowed
	}
	if strings.TrimSpace(in.PatientID) == "" {
		return nil, ErrMissingPatient
	}
	if strings.TrimSpace(in.Justification) == "" {
		// The rejection itself is evidence; the empty payload is not.
		if err := w.audit.Record(ctx, &audit.Event{
			ActorID:      actor.ID,
			PatientID:    in.PatientID,
			Action:       audit.ActionEmergencyRequest,
			Resource:     resource,
			IP:           in.IP,
			UserAgent:    in.UserAgent,
			EmergencyUse: true,
			Error:        ErrEmptyJustification.Error(),
		}); err != nil {
			return nil, err
		}
		return nil, ErrEmptyJustification
	}

	now := w.now().UTC()
	grant := &Grant{
		ID:            ids.New(),
		IdentityID:    actor.ID,
		PatientID:     in.PatientID,
		Justification: strings.TrimSpace(in.Justification),
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(w.grantWindow(ctx)),
	}
	if !w.approvalRequired(ctx) {
		grant.Status = StatusApproved
		grant.Token = ids.New()
	}

	if err := w.store.CreateGrant(ctx, grant); err != nil {
		if errors.Is(err, ErrDuplicateActiveGrant) {
			if auditErr := w.audit.Record(ctx, &audit.Event{
				ActorID:      actor.ID,
				PatientID:    in.PatientID,
				Action:       audit.ActionEmergencyRequest,
				Resource:     resource,
				IP:           in.IP,
				UserAgent:    in.UserAgent,
				EmergencyUse: true,
				Error:        err.Error(),
			}); auditErr != nil {
				return nil, auditErr
			}
		}
		return nil, err
	}

	if err := w.audit.Record(ctx, &audit.Event{
		ActorID:       actor.ID,
		PatientID:     in.PatientID,
		RecordID:      grant.ID,
		Action:        audit.ActionEmergencyRequest,
		Resource:      resource,
		IP:            in.IP,
		UserAgent:     in.UserAgent,
		EmergencyUse:  true,
		Justification: grant.Justification,
		Success:       true,
	}); err != nil {
		return nil, err
	}
	return grant, nil
}

// Decide approves or denies a pending grant. Admin only. Approval starts the
// access window from the moment of the decision, not the request.
func (w *Workflow) Decide(ctx context.Context, approver *identity.Identity, grantID string, approve bool) (*Grant, error) {
	if approver == nil || approver.Role != identity.RoleAdmin {
		return nil, ErrNotAllowed
	}
	grant, err := w.store.FindGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if grant.Status != StatusPending {
		return nil, fmt.Errorf("%w: grant is %s", ErrInvalidTransition, grant.Status)
	}

	now := w.now().UTC()
	grant.DecidedBy = approver.ID
	grant.DecidedAt = &now
	if approve {
		grant.Status = StatusApproved
		grant.Token = ids.New()
		grant.ExpiresAt = now.Add(w.grantWindow(ctx))
	} else {
		grant.Status = StatusDenied
	}
	if err := w.store.UpdateGrant(ctx, grant); err != nil {
		return nil, err
	}

	if err := w.audit.Record(ctx, &audit.Event{
		ActorID:       approver.ID,
		PatientID:     grant.PatientID,
		RecordID:      grant.ID,
		Action:        audit.ActionEmergencyGrant,
		Resource:      "emergency:" + grant.PatientID,
		EmergencyUse:  true,
		Justification: grant.Justification,
		Success:       approve,
		Error:         decisionNote(approve),
	}); err != nil {
		return nil, err
	}
	return grant, nil
}

func decisionNote(approve bool) string {
	if approve {
		return ""
	}
	return "request denied"
}

// Revoke cuts off a pending or approved grant before its window ends. Admin
// only.
func (w *Workflow) Revoke(ctx context.Context, revoker *identity.Identity, grantID string) (*Grant, error) {
	if revoker == nil || revoker.Role != identity.RoleAdmin {
		return nil, ErrNotAllowed
	}
	grant, err := w.store.FindGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	now := w.now().UTC()
	if grant.Status == StatusApproved && !now.Before(grant.ExpiresAt) {
		// Already lapsed; settle the record rather than rejecting.
		grant.Status = StatusExpired
		if err := w.store.UpdateGrant(ctx, grant); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: grant is %s", ErrInvalidTransition, grant.Status)
	}
	if grant.Status.Terminal() {
		return nil, fmt.Errorf("%w: grant is %s", ErrInvalidTransition, grant.Status)
	}
	grant.Status = StatusRevoked
	grant.RevokedBy = revoker.ID
	grant.RevokedAt = &now
	grant.Token = ""
	if err := w.store.UpdateGrant(ctx, grant); err != nil {
		return nil, err
	}

	if err := w.audit.Record(ctx, &audit.Event{
		ActorID:       revoker.ID,
		PatientID:     grant.PatientID,
		RecordID:      grant.ID,
		Action:        audit.ActionUpdate,
		Resource:      "emergency:" + grant.PatientID,
		EmergencyUse:  true,
		Justification: grant.Justification,
		Success:       true,
	}); err != nil {
		return nil, err
	}
	return grant, nil
}

// ActiveFor returns the usable grant for the pair, if any. Expiry is checked
// against the current clock, so a lapsed grant stops working immediately even
// if the sweep has not caught it yet.
func (w *Workflow) ActiveFor(ctx context.Context, identityID, patientID string) (*Grant, error) {
	return w.store.FindActiveGrant(ctx, identityID, patientID, w.now().UTC())
}

// Get returns one grant by id.
func (w *Workflow) Get(ctx context.Context, grantID string) (*Grant, error) {
	return w.store.FindGrant(ctx, grantID)
}

// Grants lists grants matching the filter.
func (w *Workflow) Grants(ctx context.Context, f GrantFilter) ([]Grant, error) {
	return w.store.ListGrants(ctx, f)
}

// Sweep settles lapsed grants and refreshes the active-grant gauge. Run it
// periodically from the server loop.
func (w *Workflow) Sweep(ctx context.Context) error {
	now := w.now().UTC()
	expired, err := w.store.MarkExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("mark expired grants: %w", err)
	}
	if expired > 0 {
		obs.Log("info", "emergency grants expired", map[string]any{"count": expired})
	}
	active, err := w.store.CountActiveGrants(ctx, now)
	if err != nil {
		return fmt.Errorf("count active grants: %w", err)
	}
	obs.SetActiveEmergencyGrants(active)
	return nil
}

func (w *Workflow) grantWindow(ctx context.Context) time.Duration {
	return w.policy.Duration(ctx, policy.KeyEmergencyWindow, w.window)
}

func (w *Workflow) approvalRequired(ctx context.Context) bool {
	return w.policy.Bool(ctx, policy.KeyEmergencyApprovalRequired, w.approval)
}
