package alerting

import (
	"context"

	"github.com/unsgate/unsgate/pkg/models"
)

// Rule CRUD passes through the store and refreshes the compiled snapshot,
// so HTTP mutations take effect without a restart.

// Rules returns all persisted rules.
func (e *Engine) Rules(ctx context.Context) ([]models.AlertRule, error) {
	return e.store.ListAlertRules(ctx)
}

// CreateRule persists a new rule and activates it.
func (e *Engine) CreateRule(ctx context.Context, r *models.AlertRule) error {
	if err := e.store.CreateAlertRule(ctx, r); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

// UpdateRule replaces a rule's mutable fields and activates the change.
func (e *Engine) UpdateRule(ctx context.Context, r *models.AlertRule) error {
	if err := e.store.UpdateAlertRule(ctx, r); err != nil {
		return err
	}
	return e.Refresh(ctx)
}

// DeleteRule removes a rule and deactivates it.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := e.store.DeleteAlertRule(ctx, id); err != nil {
		return err
	}
	return e.Refresh(ctx)
}
