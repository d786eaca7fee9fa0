package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"ingest.groundswell.dev/db"
)

// GormIntegrationRepository implements IntegrationRepository on top of the
// gorm models used for schema management.
type GormIntegrationRepository struct {
	gdb *gorm.DB
}

// NewGormIntegrationRepository creates an integration repository backed by the
// given gorm connection.
func NewGormIntegrationRepository(gdb *gorm.DB) *GormIntegrationRepository {
	return &GormIntegrationRepository{gdb: gdb}
}

// Create inserts an integration row. Used by provisioning and test seeding.
func (r *GormIntegrationRepository) Create(ctx context.Context, integration *Integration) error {
	model := db.IntegrationModel{
		ID:         integration.ID,
		TenantID:   integration.TenantID,
		Platform:   integration.Platform,
		Identifier: integration.Identifier,
		Status:     integration.Status,
		Settings:   db.JSONMap(integration.Settings),
	}
	if err := r.gdb.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

// Find loads an integration by id. Soft-deleted rows are invisible, so a run
// against a deleted integration fails its integration check.
func (r *GormIntegrationRepository) Find(ctx context.Context, id string) (*Integration, error) {
	var model db.IntegrationModel
	err := r.gdb.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find integration: %w", err)
	}

	return &Integration{
		ID:         model.ID,
		TenantID:   model.TenantID,
		Platform:   model.Platform,
		Identifier: model.Identifier,
		Status:     model.Status,
		Settings:   map[string]interface{}(model.Settings),
	}, nil
}

// MergeSettings merges the partial into the settings blob server-side so
// concurrent writers never overwrite each other's keys. Top-level keys in the
// partial replace existing ones; other keys are preserved.
func (r *GormIntegrationRepository) MergeSettings(ctx context.Context, id string, partial map[string]interface{}) error {
	if len(partial) == 0 {
		return nil
	}

	b, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("failed to marshal settings partial: %w", err)
	}

	result := r.gdb.WithContext(ctx).
		Model(&db.IntegrationModel{}).
		Where("id = ?", id).
		Update("settings", gorm.Expr("COALESCE(settings, '{}'::jsonb) || ?::jsonb", string(b)))
	if result.Error != nil {
		return fmt.Errorf("failed to merge integration settings: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
