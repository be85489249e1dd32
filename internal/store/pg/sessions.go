package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carelock.org/internal/session"
)

var _ session.Store = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, identity_id, token_hash, ip, user_agent, created_at, expires_at, last_seen_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.IdentityID, sess.TokenHash, sess.IP, sess.UserAgent, sess.CreatedAt, sess.ExpiresAt, sess.LastSeenAt)
	return err
}

func (s *Store) FindSession(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	err := s.db.QueryRowContext(ctx, `
		select id, identity_id, token_hash, ip, user_agent, created_at, expires_at, last_seen_at
		from sessions
		where id = $1
	`, id).Scan(&sess.ID, &sess.IdentityID, &sess.TokenHash, &sess.IP, &sess.UserAgent, &sess.CreatedAt, &sess.ExpiresAt, &sess.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_seen_at = $2 where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return oneRowOr(res, session.ErrNotFound)
}

func (s *Store) RevokeToken(ctx context.Context, entry session.RevokedToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens (token_hash, identity_id, expires_at, created_at)
		values ($1, $2, $3, $4)
		on conflict (token_hash) do nothing
	`, entry.TokenHash, entry.IdentityID, entry.ExpiresAt, entry.CreatedAt)
	return err
}

func (s *Store) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from revoked_tokens where token_hash = $1
	`, tokenHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `delete from sessions where expires_at < $1`, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at < $1`, now)
	return err
}
