package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/unsgate/unsgate/pkg/models"
)

const alertColumns = `id, rule_id, rule_name, topic, trigger_value, severity, status, handled_by, analysis_result, created_at, updated_at`

func scanAlert(row interface{ Scan(...any) error }) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.Topic, &a.TriggerValue,
		&a.Severity, &a.Status, &a.HandledBy, &a.AnalysisResult, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAlert materializes a new rule firing with status "new".
func (s *Store) InsertAlert(ctx context.Context, a *models.Alert) error {
	a.ID = uuid.NewString()
	a.Status = models.AlertStatusNew
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, rule_id, rule_name, topic, trigger_value, severity, status, handled_by, analysis_result, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.RuleID, a.RuleName, a.Topic, a.TriggerValue, a.Severity,
		a.Status, a.HandledBy, a.AnalysisResult, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// LatestAlertForRuleTopic returns the most recent alert for (rule, topic),
// used by debounce. Returns ErrNotFound when none exists.
func (s *Store) LatestAlertForRuleTopic(ctx context.Context, ruleID, topic string) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE rule_id = $1 AND topic = $2
		 ORDER BY created_at DESC LIMIT 1`, ruleID, topic))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest alert: %w", err)
	}
	return a, nil
}

// TouchAlert refreshes trigger_value and updated_at on a debounced alert.
func (s *Store) TouchAlert(ctx context.Context, id, triggerValue string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET trigger_value = $2, updated_at = $3 WHERE id = $1`,
		id, triggerValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to touch alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert loads one alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns newest-first alerts, optionally filtered by status.
func (s *Store) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]models.Alert, error) {
	limit = clampLimit(limit)
	query := `SELECT ` + alertColumns + ` FROM alerts`
	args := []any{}
	if status != "" {
		if !status.Valid() {
			return nil, NewValidationError("status", "unknown status")
		}
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// TransitionAlert applies an operator transition under a record-level lock.
// Illegal transitions return ErrConflict.
func (s *Store) TransitionAlert(ctx context.Context, id string, next models.AlertStatus, handledBy string) (*models.Alert, error) {
	if !next.Valid() {
		return nil, NewValidationError("status", "unknown status")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAlert(tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}

	if !a.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrConflict, a.Status, next)
	}

	a.Status = next
	a.HandledBy = handledBy
	a.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE alerts SET status = $2, handled_by = $3, updated_at = $4 WHERE id = $1`,
		id, a.Status, a.HandledBy, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to transition alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return a, nil
}

// SetAlertAnalyzing moves an alert into the analyzing state for enrichment.
// Unlike operator transitions this is an internal hop out of "new".
func (s *Store) SetAlertAnalyzing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, models.AlertStatusAnalyzing, time.Now().UTC(), models.AlertStatusNew)
	if err != nil {
		return fmt.Errorf("failed to mark alert analyzing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteAlertAnalysis stores the enrichment result. The status returns to
// "new" unless an operator already moved the alert on; in that case only
// the analysis text is recorded.
func (s *Store) CompleteAlertAnalysis(ctx context.Context, id, analysis string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin analysis update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAlert(tx.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock alert: %w", err)
	}

	status := a.Status
	if status == models.AlertStatusAnalyzing {
		status = models.AlertStatusNew
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE alerts SET analysis_result = $2, status = $3, updated_at = $4 WHERE id = $1`,
		id, analysis, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record analysis: %w", err)
	}
	return tx.Commit()
}
