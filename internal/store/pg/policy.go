package pg

import (
	"context"
	"database/sql"
	"errors"

	"carelock.org/internal/policy"
)

var _ policy.Store = (*Store)(nil)

func (s *Store) GetSetting(ctx context.Context, key string) (policy.Setting, error) {
	var rec policy.Setting
	err := s.db.QueryRowContext(ctx, `
		select key, value, coalesce(updated_by,''), updated_at
		from policy_settings
		where key = $1
	`, key).Scan(&rec.Key, &rec.Value, &rec.UpdatedBy, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Setting{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Setting{}, err
	}
	return rec, nil
}

func (s *Store) PutSetting(ctx context.Context, rec policy.Setting) error {
	_, err := s.db.ExecContext(ctx, `
		insert into policy_settings (key, value, updated_by, updated_at)
		values ($1, $2, nullif($3,''), $4)
		on conflict (key) do update
		set value = excluded.value, updated_by = excluded.updated_by, updated_at = excluded.updated_at
	`, rec.Key, rec.Value, rec.UpdatedBy, rec.UpdatedAt)
	return err
}

func (s *Store) ListSettings(ctx context.Context) ([]policy.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `
		select key, value, coalesce(updated_by,''), updated_at
		from policy_settings
		order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Setting
	for rows.Next() {
		var rec policy.Setting
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.UpdatedBy, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
