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

// GetMapperConfig loads the persisted mapper configuration document.
// Returns ErrNotFound when none has been saved yet.
func (s *Store) GetMapperConfig(ctx context.Context) (*models.MapperConfig, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM mapper_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mapper config: %w", err)
	}

	var cfg models.MapperConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode mapper config: %w", err)
	}
	return &cfg, nil
}

// SaveMapperConfig atomically replaces the mapper configuration document.
func (s *Store) SaveMapperConfig(ctx context.Context, cfg *models.MapperConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode mapper config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mapper_config (id, config, updated_at)
		 VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET config = $1, updated_at = $2`,
		raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save mapper config: %w", err)
	}
	return nil
}
