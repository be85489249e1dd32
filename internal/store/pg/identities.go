package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"carelock.org/internal/identity"
	"carelock.org/internal/ids"
)

var _ identity.Store = (*Store)(nil)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func (s *Store) CreateIdentity(ctx context.Context, id *identity.Identity) error {
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email == "" || !id.Role.Valid() {
		return identity.ErrInvalidInput
	}
	if id.ID == "" {
		id.ID = ids.New()
	}
	id.Email = email

	err := s.db.QueryRowContext(ctx, `
		insert into identities (id, email, name, password_hash, role, active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, id.ID, id.Email, id.Name, id.PasswordHash, string(id.Role), id.Active).Scan(&id.CreatedAt, &id.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) FindIdentity(ctx context.Context, id string) (*identity.Identity, error) {
	return s.scanIdentity(s.db.QueryRowContext(ctx, `
		select id, email, name, password_hash, role, active, coalesce(last_login, 'epoch'), created_at, updated_at
		from identities
		where id = $1
	`, id))
}

func (s *Store) FindIdentityByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	return s.scanIdentity(s.db.QueryRowContext(ctx, `
		select id, email, name, password_hash, role, active, coalesce(last_login, 'epoch'), created_at, updated_at
		from identities
		where email = $1
	`, strings.ToLower(strings.TrimSpace(email))))
}

func (s *Store) scanIdentity(row *sql.Row) (*identity.Identity, error) {
	var (
		rec       identity.Identity
		role      string
		lastLogin time.Time
	)
	err := row.Scan(&rec.ID, &rec.Email, &rec.Name, &rec.PasswordHash, &role, &rec.Active, &lastLogin, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Role = identity.Role(role)
	if lastLogin.Unix() > 0 {
		rec.LastLogin = lastLogin
	}
	return &rec, nil
}

func (s *Store) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set last_login = $2, updated_at = $2 where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return oneRowOr(res, identity.ErrNotFound)
}

func (s *Store) SetIdentityActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set active = $2, updated_at = now() where id = $1
	`, id, active)
	if err != nil {
		return err
	}
	return oneRowOr(res, identity.ErrNotFound)
}

func (s *Store) ListIdentities(ctx context.Context) ([]*identity.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, email, name, password_hash, role, active, coalesce(last_login, 'epoch'), created_at, updated_at
		from identities
		order by created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Identity
	for rows.Next() {
		var (
			rec       identity.Identity
			role      string
			lastLogin time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Name, &rec.PasswordHash, &role, &rec.Active, &lastLogin, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Role = identity.Role(role)
		if lastLogin.Unix() > 0 {
			rec.LastLogin = lastLogin
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func oneRowOr(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
