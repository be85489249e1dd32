// Package audit records every security-relevant operation as an immutable
// event and runs threshold-based detection over the incoming stream.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelock.org/internal/obs"
	"carelock.org/internal/policy"
)

// Engine is the write/query surface over the audit trail. Record is the only
// way events enter the store, which enforces immutability structurally.
type Engine struct {
	store    Store
	detector DetectorConfig
	policy   *policy.Service
	now      func() time.Time
}

// EngineOption configures Engine.
type EngineOption func(*Engine)

// WithDetector overrides the fallback detection thresholds and severities.
func WithDetector(cfg DetectorConfig) EngineOption {
	return func(e *Engine) {
		e.detector = cfg.withDefaults()
	}
}

// WithPolicy lets the failed-login threshold and window be retuned through
// stored settings, read at evaluation time.
func WithPolicy(svc *policy.Service) EngineOption {
	return func(e *Engine) {
		e.policy = svc
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

// NewEngine constructs Engine.
func NewEngine(store Store, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	e := &Engine{
		store:    store,
		detector: DetectorConfig{}.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Record validates, stamps and appends the event, then evaluates detection
// rules synchronously. Append failures propagate to the caller (the
// fail-closed contract); detection failures are logged and swallowed.
func (e *Engine) Record(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrInvalidEvent
	}
	if event.Action == "" || strings.TrimSpace(event.Resource) == "" {
		return fmt.Errorf("%w: action and resource are required", ErrInvalidEvent)
	}
	// A successful emergency action must carry its justification. Failed
	// attempts are still logged (who, what, when) without the rejected
	// payload content.
	if event.EmergencyUse && event.Success && strings.TrimSpace(event.Justification) == "" {
		return fmt.Errorf("%w: emergency events require a justification", ErrInvalidEvent)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}

	if err := e.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	obs.ObserveAuditEvent(string(event.Action), event.Success)
	e.logLine(event)

	func() {
		defer func() {
			if r := recover(); r != nil {
				obs.Log("error", "audit detector panicked", map[string]any{"panic": fmt.Sprint(r)})
			}
		}()
		if err := e.evaluate(ctx, event); err != nil {
			obs.Log("error", "audit detector failed", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// QueryByActor returns events for one actor in creation order.
func (e *Engine) QueryByActor(ctx context.Context, actorID string, afterSeq uint64, limit int) ([]Event, uint64, error) {
	return e.store.ListEvents(ctx, Filter{ActorID: actorID, AfterSeq: afterSeq, Limit: limit})
}

// QueryByPatient returns events touching one patient in creation order.
func (e *Engine) QueryByPatient(ctx context.Context, patientID string, afterSeq uint64, limit int) ([]Event, uint64, error) {
	return e.store.ListEvents(ctx, Filter{PatientID: patientID, AfterSeq: afterSeq, Limit: limit})
}

// Query returns events matching the filter in creation order, plus the
// cursor to resume from.
func (e *Engine) Query(ctx context.Context, f Filter) ([]Event, uint64, error) {
	return e.store.ListEvents(ctx, f)
}

// SecurityEvents lists detector output.
func (e *Engine) SecurityEvents(ctx context.Context, f SecurityFilter) ([]SecurityEvent, error) {
	return e.store.ListSecurityEvents(ctx, f)
}

// Resolve marks one security event handled.
func (e *Engine) Resolve(ctx context.Context, eventID, resolvedBy string) error {
	return e.store.ResolveSecurityEvent(ctx, eventID, resolvedBy, e.now().UTC())
}

func (e *Engine) logLine(event *Event) {
	fields := map[string]any{
		"type":      "audit",
		"action":    string(event.Action),
		"resource":  event.Resource,
		"success":   event.Success,
		"emergency": event.EmergencyUse,
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.PatientID != "" {
		fields["patient_id"] = event.PatientID
	}
	if event.IP != "" {
		fields["ip"] = event.IP
	}
	obs.Log("info", "audit_event", fields)
}
