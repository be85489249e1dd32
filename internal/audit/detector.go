package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carelock.org/internal/obs"
	"carelock.org/internal/policy"
)

// DetectorConfig tunes the threshold rules. Zero values fall back to the
// defaults below so operators only override what they care about.
type DetectorConfig struct {
	FailedLoginThreshold int
	FailedLoginWindow    time.Duration

	FailedLoginSeverity  Severity
	EmergencySeverity    Severity
	UnauthorizedSeverity Severity
	SuspiciousSeverity   Severity
}

const (
	defaultFailedLoginThreshold = 5
	defaultFailedLoginWindow    = 15 * time.Minute
)

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.FailedLoginThreshold <= 0 {
		c.FailedLoginThreshold = defaultFailedLoginThreshold
	}
	if c.FailedLoginWindow <= 0 {
		c.FailedLoginWindow = defaultFailedLoginWindow
	}
	if c.FailedLoginSeverity == "" {
		c.FailedLoginSeverity = SeverityMedium
	}
	if c.EmergencySeverity == "" {
		c.EmergencySeverity = SeverityHigh
	}
	if c.UnauthorizedSeverity == "" {
		c.UnauthorizedSeverity = SeverityHigh
	}
	if c.SuspiciousSeverity == "" {
		c.SuspiciousSeverity = SeverityMedium
	}
	return c
}

// adminResourcePrefixes mark resources whose unauthenticated probing is
// suspicious on its own.
var adminResourcePrefixes = []string{"users", "settings", "security", "admin"}

func isAdminResource(resource string) bool {
	resource = strings.TrimPrefix(resource, "/")
	for _, p := range adminResourcePrefixes {
		if strings.HasPrefix(resource, p) {
			return true
		}
	}
	return false
}

// evaluate applies every rule to one freshly appended event.
func (e *Engine) evaluate(ctx context.Context, event *Event) error {
	switch {
	case event.Action == ActionLogin && !event.Success:
		return e.checkFailedLogins(ctx, event)
	case event.Action == ActionEmergencyRequest:
		// Emergency use is always flagged for human review, whatever the
		// outcome of the request itself.
		return e.raise(ctx, &SecurityEvent{
			Type:        EventEmergencyAccess,
			Severity:    e.detector.EmergencySeverity,
			IdentityID:  event.ActorID,
			IP:          event.IP,
			Description: fmt.Sprintf("emergency access requested for %s", event.Resource),
		})
	case event.Action == ActionUnauthorized:
		if event.ActorID == "" && isAdminResource(event.Resource) {
			return e.raise(ctx, &SecurityEvent{
				Type:        EventSuspiciousActivity,
				Severity:    e.detector.SuspiciousSeverity,
				IP:          event.IP,
				Description: fmt.Sprintf("unauthenticated request against administrative resource %s", event.Resource),
			})
		}
		return e.raise(ctx, &SecurityEvent{
			Type:        EventUnauthorizedAccess,
			Severity:    e.detector.UnauthorizedSeverity,
			IdentityID:  event.ActorID,
			IP:          event.IP,
			Description: fmt.Sprintf("unauthorized access attempt to %s", event.Resource),
		})
	}
	return nil
}

// failedLoginTunables resolves the threshold and window, preferring stored
// policy settings over the startup configuration so operators can retune the
// rule without a restart.
func (e *Engine) failedLoginTunables(ctx context.Context) (int, time.Duration) {
	threshold := e.detector.FailedLoginThreshold
	window := e.detector.FailedLoginWindow
	if e.policy != nil {
		threshold = e.policy.Int(ctx, policy.KeyFailedLoginThreshold, threshold)
		window = e.policy.Duration(ctx, policy.KeyFailedLoginWindow, window)
	}
	if threshold <= 0 {
		threshold = defaultFailedLoginThreshold
	}
	if window <= 0 {
		window = defaultFailedLoginWindow
	}
	return threshold, window
}

// checkFailedLogins raises one FAILED_LOGIN event per origin per rolling
// window, not one per attempt.
func (e *Engine) checkFailedLogins(ctx context.Context, event *Event) error {
	if event.IP == "" {
		return nil
	}
	threshold, window := e.failedLoginTunables(ctx)
	since := e.now().UTC().Add(-window)
	failed := false
	count, err := e.store.CountEvents(ctx, Filter{
		Action:  ActionLogin,
		Success: &failed,
		IP:      event.IP,
		Since:   since,
	})
	if err != nil {
		return err
	}
	if count < threshold {
		return nil
	}
	already, err := e.store.HasUnresolvedSecurityEvent(ctx, EventFailedLogin, event.IP, since)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	return e.raise(ctx, &SecurityEvent{
		Type:        EventFailedLogin,
		Severity:    e.detector.FailedLoginSeverity,
		IP:          event.IP,
		Description: fmt.Sprintf("%d failed login attempts from %s within %s", count, event.IP, window),
	})
}

func (e *Engine) raise(ctx context.Context, se *SecurityEvent) error {
	se.CreatedAt = e.now().UTC()
	if err := e.store.AppendSecurityEvent(ctx, se); err != nil {
		return err
	}
	obs.ObserveSecurityEvent(string(se.Type), string(se.Severity))
	obs.Log("warn", "security_event", map[string]any{
		"type":        string(se.Type),
		"severity":    string(se.Severity),
		"ip":          se.IP,
		"identity_id": se.IdentityID,
		"description": se.Description,
	})
	return nil
}
