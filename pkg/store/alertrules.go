package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/topic"
)

// validateAlertRule checks the mutable fields shared by create and update.
func validateAlertRule(r *models.AlertRule) error {
	if r.Name == "" {
		return NewValidationError("name", "required")
	}
	if r.TopicPattern == "" {
		return NewValidationError("topic_pattern", "required")
	}
	if _, err := topic.Compile(r.TopicPattern); err != nil {
		return NewValidationError("topic_pattern", err.Error())
	}
	if !r.Severity.Valid() {
		return NewValidationError("severity", "must be one of info, warning, critical")
	}
	if r.ConditionCode == "" {
		return NewValidationError("condition_code", "required")
	}
	return nil
}

const alertRuleColumns = `id, name, topic_pattern, severity, condition_code, workflow_prompt, webhook, created_at, updated_at`

func scanAlertRule(row interface{ Scan(...any) error }) (*models.AlertRule, error) {
	var r models.AlertRule
	err := row.Scan(&r.ID, &r.Name, &r.TopicPattern, &r.Severity, &r.ConditionCode,
		&r.WorkflowPrompt, &r.Notifications.Webhook, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateAlertRule persists a new rule and assigns its ID.
func (s *Store) CreateAlertRule(ctx context.Context, r *models.AlertRule) error {
	if err := validateAlertRule(r); err != nil {
		return err
	}
	r.ID = uuid.NewString()
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (id, name, topic_pattern, severity, condition_code, workflow_prompt, webhook, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Name, r.TopicPattern, r.Severity, r.ConditionCode,
		r.WorkflowPrompt, r.Notifications.Webhook, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create alert rule: %w", err)
	}
	return nil
}

// UpdateAlertRule replaces the mutable fields of an existing rule.
func (s *Store) UpdateAlertRule(ctx context.Context, r *models.AlertRule) error {
	if r.ID == "" {
		return NewValidationError("id", "required")
	}
	if err := validateAlertRule(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules
		 SET name = $2, topic_pattern = $3, severity = $4, condition_code = $5,
		     workflow_prompt = $6, webhook = $7, updated_at = $8
		 WHERE id = $1`,
		r.ID, r.Name, r.TopicPattern, r.Severity, r.ConditionCode,
		r.WorkflowPrompt, r.Notifications.Webhook, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAlertRule removes a rule by ID.
func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlertRule loads one rule by ID.
func (s *Store) GetAlertRule(ctx context.Context, id string) (*models.AlertRule, error) {
	r, err := scanAlertRule(s.db.QueryRowContext(ctx,
		`SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert rule: %w", err)
	}
	return r, nil
}

// ListAlertRules returns all rules ordered by creation time.
func (s *Store) ListAlertRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertRuleColumns+` FROM alert_rules ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var out []models.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
