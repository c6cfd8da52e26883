package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unsgate/unsgate/pkg/models"
)

// SaveChatSession replaces the full transcript of a session, creating the
// row on first save. Sessions are scoped to their owner; a save against a
// session owned by someone else returns ErrNotAllowed.
func (s *Store) SaveChatSession(ctx context.Context, session *models.ChatSession) error {
	if session.SessionID == "" {
		return NewValidationError("session_id", "required")
	}
	if session.UserID == "" {
		return NewValidationError("user_id", "required")
	}
	raw, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode chat messages: %w", err)
	}
	session.UpdatedAt = time.Now().UTC()

	var owner string
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id FROM chat_sessions WHERE session_id = $1`,
		session.SessionID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to check session owner: %w", err)
	case owner != session.UserID:
		return ErrNotAllowed
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (session_id, user_id, messages, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET messages = $3, updated_at = $4`,
		session.SessionID, session.UserID, raw, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save chat session: %w", err)
	}
	return nil
}

// GetChatSession loads a session owned by userID.
func (s *Store) GetChatSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	var (
		session = models.ChatSession{SessionID: sessionID}
		raw     []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, messages, updated_at FROM chat_sessions WHERE session_id = $1`,
		sessionID).Scan(&session.UserID, &raw, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	if session.UserID != userID {
		return nil, ErrNotAllowed
	}
	if err := json.Unmarshal(raw, &session.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode chat messages: %w", err)
	}
	return &session, nil
}

// DeleteChatSession removes a session owned by userID.
func (s *Store) DeleteChatSession(ctx context.Context, sessionID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete chat session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChatSessions returns the caller's sessions, newest first, without
// transcripts.
func (s *Store) ListChatSessions(ctx context.Context, userID string) ([]models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, updated_at FROM chat_sessions
		 WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		userID, MaxQueryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	var out []models.ChatSession
	for rows.Next() {
		session := models.ChatSession{UserID: userID}
		if err := rows.Scan(&session.SessionID, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}
