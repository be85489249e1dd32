package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"carelock.org/internal/identity"
	"carelock.org/internal/policy"
)

const testSecret = "test-signing-secret"

type clock struct{ t time.Time }

func (c *clock) now() time.Time        { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *InMemory, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	store := NewInMemory()
	mgr, err := NewManager(store, testSecret, WithClock(c.now))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr, store, c
}

func testIdentity() *identity.Identity {
	return &identity.Identity{ID: "id-1", Email: "doc@clinic.test", Role: identity.RoleDoctor, Active: true}
}

func TestIssueAndValidate(t *testing.T) {
	mgr, store, c := newTestManager(t)
	ctx := context.Background()

	sess, token, err := mgr.Issue(ctx, testIdentity(), "10.0.0.9", "test-agent")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if sess.ExpiresAt.Sub(sess.CreatedAt) != defaultCeiling {
		t.Fatalf("unexpected ceiling: %v", sess.ExpiresAt.Sub(sess.CreatedAt))
	}

	c.advance(10 * time.Minute)
	claims, err := mgr.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "id-1" || claims.Role != "doctor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	stored, _ := store.FindSession(ctx, sess.ID)
	if !stored.LastSeenAt.Equal(c.t) {
		t.Fatalf("last seen not refreshed: %v", stored.LastSeenAt)
	}
	if !stored.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatal("activity refresh must not extend absolute expiry")
	}
}

// The session_max_duration setting must win over the configured ceiling for
// tokens issued after the change.
func TestIssueHonorsPolicyCeiling(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	pol, err := policy.NewService(policy.NewInMemory())
	if err != nil {
		t.Fatalf("policy.NewService: %v", err)
	}
	if err := pol.Set(ctx, policy.KeySessionCeiling, "30m", "admin-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mgr, err := NewManager(NewInMemory(), testSecret, WithClock(c.now), WithPolicy(pol))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	sess, token, err := mgr.Issue(ctx, testIdentity(), "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != 30*time.Minute {
		t.Fatalf("ceiling = %v, want 30m", got)
	}
	c.advance(31 * time.Minute)
	if _, err := mgr.Validate(ctx, token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after policy ceiling, got %v", err)
	}
}

func TestValidateExpired(t *testing.T) {
	mgr, _, c := newTestManager(t)
	ctx := context.Background()

	_, token, err := mgr.Issue(ctx, testIdentity(), "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c.advance(defaultCeiling + time.Minute)
	if _, err := mgr.Validate(ctx, token); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRevocationIsPermanentAndIdempotent(t *testing.T) {
	mgr, _, c := newTestManager(t)
	ctx := context.Background()

	_, token, err := mgr.Issue(ctx, testIdentity(), "", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := mgr.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := mgr.Revoke(ctx, token); err != nil {
		t.Fatalf("second Revoke: %v", err)
	}

	// Every subsequent validation within the natural lifetime fails Revoked.
	for i := 0; i < 3; i++ {
		if _, err := mgr.Validate(ctx, token); !errors.Is(err, ErrRevoked) {
			t.Fatalf("expected ErrRevoked, got %v", err)
		}
		c.advance(time.Hour)
	}
}

func TestRevokeExpiredTokenStillWorks(t *testing.T) {
	mgr, _, c := newTestManager(t)
	ctx := context.Background()
	_, token, _ := mgr.Issue(ctx, testIdentity(), "", "")
	c.advance(defaultCeiling + time.Hour)
	if err := mgr.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke expired: %v", err)
	}
}

func TestValidateFailureHasNoSideEffects(t *testing.T) {
	mgr, store, c := newTestManager(t)
	ctx := context.Background()

	sess, token, _ := mgr.Issue(ctx, testIdentity(), "", "")
	lastSeen := sess.LastSeenAt

	_ = mgr.Revoke(ctx, token)
	c.advance(time.Minute)
	if _, err := mgr.Validate(ctx, token); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	stored, _ := store.FindSession(ctx, sess.ID)
	if !stored.LastSeenAt.Equal(lastSeen) {
		t.Fatal("failed validation refreshed last activity")
	}
}

func TestMalformedTokens(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := mgr.Validate(ctx, token); !errors.Is(err, ErrMalformed) {
			t.Fatalf("token %q: expected ErrMalformed, got %v", token, err)
		}
	}

	// A token signed with another secret must not validate.
	other, _ := NewManager(NewInMemory(), "other-secret")
	_, token, _ := other.Issue(ctx, testIdentity(), "", "")
	if _, err := mgr.Validate(ctx, token); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for foreign signature, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	mgr, store, c := newTestManager(t)
	ctx := context.Background()

	sess, token, _ := mgr.Issue(ctx, testIdentity(), "", "")
	_ = mgr.Revoke(ctx, token)

	c.advance(defaultCeiling + time.Minute)
	if err := mgr.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if _, err := store.FindSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session purged, got %v", err)
	}
	revoked, _ := store.IsTokenRevoked(ctx, hashToken(token))
	if revoked {
		t.Fatal("expected revocation entry purged")
	}
}
