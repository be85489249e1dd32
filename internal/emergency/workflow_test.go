package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/identity"
	"carelock.org/internal/policy"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	wf     *Workflow
	store  *InMemory
	audits *audit.InMemory
	pol    *policy.Service
	clk    *clock
}

func newFixture(t *testing.T, opts ...WorkflowOption) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	audits := audit.NewInMemory()
	eng, err := audit.NewEngine(audits, audit.WithClock(clk.now))
	if err != nil {
		t.Fatalf("audit.NewEngine: %v", err)
	}
	pol, err := policy.NewService(policy.NewInMemory())
	if err != nil {
		t.Fatalf("policy.NewService: %v", err)
	}
	store := NewInMemory()
	opts = append([]WorkflowOption{WithClock(clk.now)}, opts...)
	wf, err := NewWorkflow(store, eng, pol, opts...)
	if err != nil {
		t.Fatalf("NewWorkflow: %v", err)
	}
	return &fixture{wf: wf, store: store, audits: audits, pol: pol, clk: clk}
}

var (
	doctor = &identity.Identity{ID: "doc-1", Role: identity.RoleDoctor, Active: true}
	nurse  = &identity.Identity{ID: "nurse-1", Role: identity.RoleNurse, Active: true}
	admin  = &identity.Identity{ID: "admin-1", Role: identity.RoleAdmin, Active: true}
)

func TestRequestAutoApproved(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(false), WithWindow(time.Hour))
	ctx := context.Background()

	grant, err := f.wf.Request(ctx, doctor, RequestInput{
		PatientID:     "p-1",
		Justification: "unconscious patient in ER",
		IP:            "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if grant.Status != StatusApproved {
		t.Fatalf("status = %s, want approved", grant.Status)
	}
	if grant.Token == "" {
		t.Fatal("approved grant is missing its access token")
	}
	want := f.clk.now().UTC().Add(time.Hour)
	if !grant.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", grant.ExpiresAt, want)
	}

	events, _, err := f.audits.ListEvents(ctx, audit.Filter{Action: audit.ActionEmergencyRequest})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one EMERGENCY_REQUEST event: %v, %d", err, len(events))
	}
	if !events[0].Success || !events[0].EmergencyUse || events[0].Justification == "" {
		t.Fatalf("unexpected audit event: %+v", events[0])
	}
	sec, _ := f.audits.ListSecurityEvents(ctx, audit.SecurityFilter{Type: audit.EventEmergencyAccess})
	if len(sec) != 1 {
		t.Fatalf("expected one EMERGENCY_ACCESS security event, got %d", len(sec))
	}
}

func TestRequestBlankJustificationRejectedButAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "   "})
	if !errors.Is(err, ErrEmptyJustification) {
		t.Fatalf("expected ErrEmptyJustification, got %v", err)
	}

	events, _, _ := f.audits.ListEvents(ctx, audit.Filter{Action: audit.ActionEmergencyRequest})
	if len(events) != 1 {
		t.Fatalf("rejection was not audited: %d events", len(events))
	}
	e := events[0]
	if e.Success || !e.EmergencyUse || e.Justification != "" {
		t.Fatalf("unexpected audit event: %+v", e)
	}
	if grants, _ := f.store.ListGrants(ctx, GrantFilter{}); len(grants) != 0 {
		t.Fatalf("grant was stored despite rejection: %d", len(grants))
	}
}

func TestRequestAdminNotAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.wf.Request(ctx, admin, RequestInput{PatientID: "p-1", Justification: "x"})
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	events, _, _ := f.audits.ListEvents(ctx, audit.Filter{Action: audit.ActionUnauthorized})
	if len(events) != 1 || events[0].ActorID != "admin-1" {
		t.Fatalf("role violation was not audited: %+v", events)
	}
}

func TestRequestDuplicateActiveGrant(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(false))
	ctx := context.Background()

	if _, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "first"}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "second"})
	if !errors.Is(err, ErrDuplicateActiveGrant) {
		t.Fatalf("expected ErrDuplicateActiveGrant, got %v", err)
	}

	// Same doctor, different patient is fine; different doctor, same patient too.
	if _, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-2", Justification: "other patient"}); err != nil {
		t.Fatalf("different patient: %v", err)
	}
	if _, err := f.wf.Request(ctx, nurse, RequestInput{PatientID: "p-1", Justification: "other clinician"}); err != nil {
		t.Fatalf("different clinician: %v", err)
	}
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(true), WithWindow(time.Hour))
	ctx := context.Background()

	grant, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "ICU transfer"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if grant.Status != StatusPending || grant.Token != "" {
		t.Fatalf("pending grant in wrong state: %+v", grant)
	}

	if _, err := f.wf.Decide(ctx, doctor, grant.ID, true); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("non-admin decision: expected ErrNotAllowed, got %v", err)
	}

	// The window starts at the decision, not the request.
	f.clk.advance(20 * time.Minute)
	approved, err := f.wf.Decide(ctx, admin, grant.ID, true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if approved.Status != StatusApproved || approved.Token == "" {
		t.Fatalf("unexpected approved grant: %+v", approved)
	}
	want := f.clk.now().UTC().Add(time.Hour)
	if !approved.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", approved.ExpiresAt, want)
	}
	if approved.DecidedBy != "admin-1" || approved.DecidedAt == nil {
		t.Fatalf("decision metadata missing: %+v", approved)
	}

	if _, err := f.wf.Decide(ctx, admin, grant.ID, false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double decision: expected ErrInvalidTransition, got %v", err)
	}

	events, _, _ := f.audits.ListEvents(ctx, audit.Filter{Action: audit.ActionEmergencyGrant})
	if len(events) != 1 || !events[0].Success {
		t.Fatalf("approval was not audited: %+v", events)
	}
}

func TestDeniedGrantDoesNotBlockNewRequest(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(true))
	ctx := context.Background()

	grant, _ := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "first try"})
	denied, err := f.wf.Decide(ctx, admin, grant.ID, false)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if denied.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", denied.Status)
	}
	if _, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "second try"}); err != nil {
		t.Fatalf("request after denial must succeed: %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(false), WithWindow(time.Hour))
	ctx := context.Background()

	grant, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "ER"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if _, err := f.wf.ActiveFor(ctx, "doc-1", "p-1"); err != nil {
		t.Fatalf("grant should be usable inside the window: %v", err)
	}

	f.clk.advance(time.Hour + time.Minute)

	// Past the window the grant is unusable immediately, before any sweep.
	if _, err := f.wf.ActiveFor(ctx, "doc-1", "p-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	// And it no longer blocks a fresh request.
	if _, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "again"}); err != nil {
		t.Fatalf("request after lapse: %v", err)
	}

	if err := f.wf.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	settled, err := f.wf.Get(ctx, grant.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if settled.Status != StatusExpired {
		t.Fatalf("status after sweep = %s, want expired", settled.Status)
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(false))
	ctx := context.Background()

	grant, _ := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "ER"})

	if _, err := f.wf.Revoke(ctx, nurse, grant.ID); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("non-admin revoke: expected ErrNotAllowed, got %v", err)
	}

	revoked, err := f.wf.Revoke(ctx, admin, grant.ID)
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked.Status != StatusRevoked || revoked.Token != "" || revoked.RevokedBy != "admin-1" {
		t.Fatalf("unexpected revoked grant: %+v", revoked)
	}
	events, _, _ := f.audits.ListEvents(ctx, audit.Filter{ActorID: "admin-1", Action: audit.ActionUpdate})
	if len(events) != 1 || !events[0].EmergencyUse || events[0].Justification == "" {
		t.Fatalf("revocation audit event not emergency-flagged: %+v", events)
	}
	if _, err := f.wf.ActiveFor(ctx, "doc-1", "p-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked grant still usable: %v", err)
	}
	if _, err := f.wf.Revoke(ctx, admin, grant.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double revoke: expected ErrInvalidTransition, got %v", err)
	}
}

func TestPolicyOverridesWindowAndApproval(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(false), WithWindow(time.Hour))
	ctx := context.Background()

	if err := f.pol.Set(ctx, policy.KeyEmergencyWindow, "30m", "admin-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.pol.Set(ctx, policy.KeyEmergencyApprovalRequired, "true", "admin-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	grant, err := f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "ER"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if grant.Status != StatusPending {
		t.Fatalf("policy approval flag ignored: status = %s", grant.Status)
	}
	approved, err := f.wf.Decide(ctx, admin, grant.ID, true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	want := f.clk.now().UTC().Add(30 * time.Minute)
	if !approved.ExpiresAt.Equal(want) {
		t.Fatalf("policy window ignored: expiry = %v, want %v", approved.ExpiresAt, want)
	}
}

func TestConcurrentRequestsSinglePairOneWinner(t *testing.T) {
	f := newFixture(t, WithApprovalRequired(false))
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.wf.Request(ctx, doctor, RequestInput{PatientID: "p-1", Justification: "race"})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrDuplicateActiveGrant):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}
