package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelock.org/internal/emergency"
	"carelock.org/internal/ids"
)

var _ emergency.Store = (*Store)(nil)

// CreateGrant inserts a grant after serializing on the (identity, patient)
// pair so two concurrent requests cannot both win. The pair is locked with a
// transaction-scoped advisory lock: a row lock cannot serialize here because
// with no active row yet there is nothing to lock, and two transactions would
// both pass the existence check.
func (s *Store) CreateGrant(ctx context.Context, g *emergency.Grant) error {
	if g.ID == "" {
		g.ID = ids.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`select pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
		g.IdentityID, g.PatientID); err != nil {
		return err
	}

	var one int
	err = tx.QueryRowContext(ctx, `
		select 1 from emergency_grants
		where identity_id = $1 and patient_id = $2
		  and (status = 'pending' or (status = 'approved' and expires_at > $3))
		limit 1
	`, g.IdentityID, g.PatientID, g.CreatedAt).Scan(&one)
	if err == nil {
		return emergency.ErrDuplicateActiveGrant
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into emergency_grants
			(id, identity_id, patient_id, justification, token, status, created_at, expires_at)
		values ($1, $2, $3, $4, nullif($5,''), $6, $7, $8)
	`, g.ID, g.IdentityID, g.PatientID, g.Justification, g.Token, string(g.Status), g.CreatedAt, g.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit()
}

const grantColumns = `
	id, identity_id, patient_id, justification, coalesce(token,''), status,
	created_at, expires_at, coalesce(decided_by,''), decided_at, coalesce(revoked_by,''), revoked_at`

func scanGrant(scan func(...any) error) (*emergency.Grant, error) {
	var (
		g                    emergency.Grant
		status               string
		decidedAt, revokedAt sql.NullTime
	)
	err := scan(&g.ID, &g.IdentityID, &g.PatientID, &g.Justification, &g.Token, &status,
		&g.CreatedAt, &g.ExpiresAt, &g.DecidedBy, &decidedAt, &g.RevokedBy, &revokedAt)
	if err != nil {
		return nil, err
	}
	g.Status = emergency.Status(status)
	if decidedAt.Valid {
		at := decidedAt.Time
		g.DecidedAt = &at
	}
	if revokedAt.Valid {
		at := revokedAt.Time
		g.RevokedAt = &at
	}
	return &g, nil
}

func (s *Store) FindGrant(ctx context.Context, id string) (*emergency.Grant, error) {
	row := s.db.QueryRowContext(ctx, `select`+grantColumns+` from emergency_grants where id = $1`, id)
	g, err := scanGrant(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) UpdateGrant(ctx context.Context, g *emergency.Grant) error {
	res, err := s.db.ExecContext(ctx, `
		update emergency_grants
		set justification = $2, token = nullif($3,''), status = $4, expires_at = $5,
		    decided_by = nullif($6,''), decided_at = $7, revoked_by = nullif($8,''), revoked_at = $9
		where id = $1
	`, g.ID, g.Justification, g.Token, string(g.Status), g.ExpiresAt,
		g.DecidedBy, g.DecidedAt, g.RevokedBy, g.RevokedAt)
	if err != nil {
		return err
	}
	return oneRowOr(res, emergency.ErrNotFound)
}

func (s *Store) FindActiveGrant(ctx context.Context, identityID, patientID string, now time.Time) (*emergency.Grant, error) {
	row := s.db.QueryRowContext(ctx, `
		select`+grantColumns+`
		from emergency_grants
		where identity_id = $1 and patient_id = $2 and status = 'approved' and expires_at > $3
		limit 1
	`, identityID, patientID, now)
	g, err := scanGrant(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) ListGrants(ctx context.Context, f emergency.GrantFilter) ([]emergency.Grant, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.IdentityID != "" {
		add("identity_id = $%d", f.IdentityID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
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
	q := fmt.Sprintf(`select%s from emergency_grants%s order by created_at asc limit $%d`,
		grantColumns, where, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []emergency.Grant
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update emergency_grants set status = 'expired'
		where status = 'approved' and expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CountActiveGrants(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from emergency_grants
		where status = 'pending' or (status = 'approved' and expires_at > $1)
	`, now).Scan(&n)
	return n, err
}
