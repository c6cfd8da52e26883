package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/topic"
)

// DefaultQueryLimit bounds result sets when the caller passes no limit.
const DefaultQueryLimit = 100

// MaxQueryLimit is the hard ceiling on any single result set.
const MaxQueryLimit = 1000

// clampLimit normalizes a caller-supplied limit into [1, MaxQueryLimit].
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// topicCondition builds a WHERE fragment for an MQTT topic or pattern.
// Exact topics use equality; wildcard patterns compile to an anchored regexp
// evaluated by Postgres.
func topicCondition(column, pattern string, argPos int) (string, any, error) {
	p, err := topic.Compile(pattern)
	if err != nil {
		return "", nil, NewValidationError("pattern", err.Error())
	}
	if p.HasWildcards() {
		return fmt.Sprintf("%s ~ $%d", column, argPos), p.SQLRegexp(), nil
	}
	return fmt.Sprintf("%s = $%d", column, argPos), pattern, nil
}

// Append persists an inbound event. It never fails because of the byte
// ceiling; crossing the ceiling wakes the retention loop instead.
func (s *Store) Append(ctx context.Context, e *models.Event) error {
	if e.Topic == "" {
		return NewValidationError("topic", "required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var payloadText sql.NullString
	if utf8.Valid(e.Payload) {
		payloadText = sql.NullString{String: string(e.Payload), Valid: true}
	}
	size := int64(len(e.Payload))

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (broker_id, topic, payload, payload_text, payload_bytes, generated, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		e.BrokerID, e.Topic, e.Payload, payloadText, size, e.Generated, e.Timestamp,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	s.rows.Add(1)
	if s.bytes.Add(size) > s.limitBytes {
		s.kickPrune()
	}
	return nil
}

const eventColumns = `id, broker_id, topic, payload, ts, generated`

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.BrokerID, &e.Topic, &e.Payload, &e.Timestamp, &e.Generated); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLatest returns the most recent event for the topic, optionally scoped
// to one broker. Returns ErrNotFound when the topic has never been seen.
func (s *Store) GetLatest(ctx context.Context, brokerID, topicName string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE topic = $1`
	args := []any{topicName}
	if brokerID != "" {
		query += ` AND broker_id = $2`
		args = append(args, brokerID)
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT 1`

	var e models.Event
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&e.ID, &e.BrokerID, &e.Topic, &e.Payload, &e.Timestamp, &e.Generated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event: %w", err)
	}
	return &e, nil
}

// GetHistory returns the newest-first history of one exact topic.
func (s *Store) GetHistory(ctx context.Context, brokerID, topicName string, limit int) ([]models.Event, error) {
	limit = clampLimit(limit)
	query := `SELECT ` + eventColumns + ` FROM events WHERE topic = $1`
	args := []any{topicName}
	if brokerID != "" {
		query += fmt.Sprintf(` AND broker_id = $%d`, len(args)+1)
		args = append(args, brokerID)
	}
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return scanEvents(rows)
}

// Recent returns the newest events across all topics, newest first. Serves
// the broadcast hub's initial window.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.Event, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY ts DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	return scanEvents(rows)
}

// Range returns an oldest-first time slice, optionally restricted to an
// MQTT pattern.
func (s *Store) Range(ctx context.Context, start, end time.Time, pattern string, limit int) ([]models.Event, error) {
	limit = clampLimit(limit)
	query := `SELECT ` + eventColumns + ` FROM events WHERE ts >= $1 AND ts <= $2`
	args := []any{start, end}
	if pattern != "" {
		cond, arg, err := topicCondition("topic", pattern, len(args)+1)
		if err != nil {
			return nil, err
		}
		query += ` AND ` + cond
		args = append(args, arg)
	}
	query += fmt.Sprintf(` ORDER BY ts ASC, id ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	return scanEvents(rows)
}

// SearchFulltext performs a substring match over topic and textual payload.
// Queries shorter than 2 characters are rejected.
func (s *Store) SearchFulltext(ctx context.Context, q, brokerID string, start, end *time.Time, limit int) ([]models.Event, error) {
	if len(q) < 2 {
		return nil, NewValidationError("q", "must be at least 2 characters")
	}
	limit = clampLimit(limit)

	query := `SELECT ` + eventColumns + ` FROM events
		WHERE (topic ILIKE $1 OR payload_text ILIKE $1)`
	args := []any{"%" + q + "%"}
	if brokerID != "" {
		query += fmt.Sprintf(` AND broker_id = $%d`, len(args)+1)
		args = append(args, brokerID)
	}
	if start != nil {
		query += fmt.Sprintf(` AND ts >= $%d`, len(args)+1)
		args = append(args, *start)
	}
	if end != nil {
		query += fmt.Sprintf(` AND ts <= $%d`, len(args)+1)
		args = append(args, *end)
	}
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	return scanEvents(rows)
}

// SearchByTemplate matches topics against an MQTT pattern and then applies
// per-key equality filters over the decoded JSON payload. Non-JSON payloads
// never match when filters are present.
func (s *Store) SearchByTemplate(ctx context.Context, pattern string, filters map[string]any, brokerID string, limit int) ([]models.Event, error) {
	limit = clampLimit(limit)

	cond, arg, err := topicCondition("topic", pattern, 1)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + cond
	args := []any{arg}
	if brokerID != "" {
		query += fmt.Sprintf(` AND broker_id = $%d`, len(args)+1)
		args = append(args, brokerID)
	}
	query += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search by template: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil || len(filters) == 0 {
		return events, err
	}

	matched := events[:0]
	for _, e := range events {
		var payload map[string]any
		if json.Unmarshal(e.Payload, &payload) != nil {
			continue
		}
		if payloadMatches(payload, filters) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// payloadMatches reports whether every filter key equals the decoded value.
// Numeric comparison goes through float64, matching JSON decoding.
func payloadMatches(payload map[string]any, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// PrunePattern deletes all events whose topic matches the pattern and
// returns the number of removed rows.
func (s *Store) PrunePattern(ctx context.Context, pattern, brokerID string) (int64, error) {
	cond, arg, err := topicCondition("topic", pattern, 1)
	if err != nil {
		return 0, err
	}
	query := `WITH del AS (DELETE FROM events WHERE ` + cond
	args := []any{arg}
	if brokerID != "" {
		query += fmt.Sprintf(` AND broker_id = $%d`, len(args)+1)
		args = append(args, brokerID)
	}
	query += ` RETURNING payload_bytes)
		SELECT COUNT(*), COALESCE(SUM(payload_bytes), 0) FROM del`

	var count, freed int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count, &freed); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	s.rows.Add(-count)
	s.bytes.Add(-freed)
	return count, nil
}

// Topics returns the distinct (broker_id, topic) pairs known to the store.
func (s *Store) Topics(ctx context.Context) ([]models.TopicInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT broker_id, topic FROM events ORDER BY broker_id, topic LIMIT $1`,
		MaxQueryLimit*10)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var out []models.TopicInfo
	for rows.Next() {
		var t models.TopicInfo
		if err := rows.Scan(&t.BrokerID, &t.Topic); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
