package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelock.org/internal/audit"
	"carelock.org/internal/ids"
)

var _ audit.Store = (*Store)(nil)

func (s *Store) AppendEvent(ctx context.Context, e *audit.Event) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	return s.db.QueryRowContext(ctx, `
		insert into audit_events
			(id, actor_id, patient_id, record_id, action, resource, ip, user_agent,
			 emergency_use, justification, success, error, occurred_at)
		values ($1, nullif($2,''), nullif($3,''), nullif($4,''), $5, $6, $7, $8, $9, $10, $11, $12, $13)
		returning seq
	`, e.ID, e.ActorID, e.PatientID, e.RecordID, string(e.Action), e.Resource, e.IP, e.UserAgent,
		e.EmergencyUse, e.Justification, e.Success, e.Error, e.OccurredAt).Scan(&e.Seq)
}

// eventFilterSQL renders the shared where clause. Conditions are numbered
// from the caller's running placeholder index.
func eventFilterSQL(f audit.Filter, args []any) (string, []any) {
	var conds []string
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.Emergency != nil {
		add("emergency_use = $%d", *f.Emergency)
	}
	if f.IP != "" {
		add("ip = $%d", f.IP)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at <= $%d", f.Until)
	}
	if f.AfterSeq > 0 {
		add("seq > $%d", f.AfterSeq)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " where " + strings.Join(conds, " and "), args
}

func (s *Store) ListEvents(ctx context.Context, f audit.Filter) ([]audit.Event, uint64, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	where, args := eventFilterSQL(f, nil)
	args = append(args, limit)
	q := fmt.Sprintf(`
		select id, seq, coalesce(actor_id,''), coalesce(patient_id,''), coalesce(record_id,''),
		       action, resource, ip, user_agent, emergency_use, justification, success, error, occurred_at
		from audit_events%s
		order by seq asc
		limit $%d
	`, where, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out    []audit.Event
		cursor uint64
	)
	for rows.Next() {
		var (
			e      audit.Event
			action string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.ActorID, &e.PatientID, &e.RecordID, &action, &e.Resource,
			&e.IP, &e.UserAgent, &e.EmergencyUse, &e.Justification, &e.Success, &e.Error, &e.OccurredAt); err != nil {
			return nil, 0, err
		}
		e.Action = audit.Action(action)
		out = append(out, e)
		cursor = e.Seq
	}
	return out, cursor, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context, f audit.Filter) (int, error) {
	where, args := eventFilterSQL(f, nil)
	var n int
	err := s.db.QueryRowContext(ctx, "select count(*) from audit_events"+where, args...).Scan(&n)
	return n, err
}

func (s *Store) AppendSecurityEvent(ctx context.Context, e *audit.SecurityEvent) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_events (id, type, severity, identity_id, ip, description, resolved, created_at)
		values ($1, $2, $3, nullif($4,''), $5, $6, false, $7)
	`, e.ID, string(e.Type), string(e.Severity), e.IdentityID, e.IP, e.Description, e.CreatedAt)
	return err
}

func (s *Store) ListSecurityEvents(ctx context.Context, f audit.SecurityFilter) ([]audit.SecurityEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.IdentityID != "" {
		add("identity_id = $%d", f.IdentityID)
	}
	if f.IP != "" {
		add("ip = $%d", f.IP)
	}
	if !f.IncludeResolved {
		conds = append(conds, "resolved = false")
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	where := ""
	if len(conds) > 0 {
		where = " where " + strings.Join(conds, " and ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	q := fmt.Sprintf(`
		select id, type, severity, coalesce(identity_id,''), ip, description,
		       resolved, coalesce(resolved_by,''), resolved_at, created_at
		from security_events%s
		order by created_at asc
		limit $%d
	`, where, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.SecurityEvent
	for rows.Next() {
		var (
			e          audit.SecurityEvent
			typ, sev   string
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &typ, &sev, &e.IdentityID, &e.IP, &e.Description,
			&e.Resolved, &e.ResolvedBy, &resolvedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = audit.SecurityEventType(typ)
		e.Severity = audit.Severity(sev)
		if resolvedAt.Valid {
			at := resolvedAt.Time
			e.ResolvedAt = &at
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ResolveSecurityEvent(ctx context.Context, id, resolvedBy string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update security_events
		set resolved = true, resolved_by = $2, resolved_at = $3
		where id = $1
	`, id, resolvedBy, at)
	if err != nil {
		return err
	}
	return oneRowOr(res, audit.ErrNotFound)
}

func (s *Store) HasUnresolvedSecurityEvent(ctx context.Context, t audit.SecurityEventType, ip string, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from security_events
		where type = $1 and ip = $2 and resolved = false and created_at >= $3
		limit 1
	`, string(t), ip, since).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
