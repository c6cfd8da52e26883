package store

import (
	"context"
	"fmt"
	"time"

	"github.com/unsgate/unsgate/pkg/models"
)

// TouchUser records that an identity was seen, creating the row on first
// contact. Admin flags set out-of-band are preserved.
func (s *Store) TouchUser(ctx context.Context, id string, admin bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, is_admin, last_seen)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET last_seen = $3, is_admin = users.is_admin OR $2`,
		id, admin, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

// ListUsers returns all recorded identities, most recently seen first.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, is_admin, last_seen FROM users ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Admin, &u.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUser removes a recorded identity and its chat sessions.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin user delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
