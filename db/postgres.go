// Package db provides PostgreSQL access for the pipeline state repository.
// Schema management goes through gorm (AutoMigrate of the models below);
// hot-path queries go through the pgx pool wrapper in postgres_pgx.go.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// RunModel is the gorm model for integration runs. One row per logical
// execution of an integration for a tenant.
type RunModel struct {
	ID            string     `gorm:"primaryKey;type:uuid"`
	TenantID      string     `gorm:"type:uuid;index;not null"`
	IntegrationID string     `gorm:"type:uuid;index;not null"`
	Onboarding    bool       `gorm:"not null;default:false"`
	State         string     `gorm:"type:varchar(32);index;not null"`
	DelayedUntil  *time.Time `gorm:"index"`
	Error         JSONMap    `gorm:"type:jsonb"`
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName maps the model onto the integration schema naming.
func (RunModel) TableName() string { return "integration_runs" }

// StreamModel is the gorm model for streams, the units of paginated or
// hierarchical traversal under a run. The (run_id, identifier) unique index
// dedupes child publication.
type StreamModel struct {
	ID            string     `gorm:"primaryKey;type:uuid"`
	RunID         string     `gorm:"type:uuid;index;not null;uniqueIndex:idx_streams_run_identifier"`
	ParentID      *string    `gorm:"type:uuid;index"`
	TenantID      string     `gorm:"type:uuid;index;not null"`
	IntegrationID string     `gorm:"type:uuid;not null"`
	Identifier    string     `gorm:"type:varchar(1024);not null;uniqueIndex:idx_streams_run_identifier"`
	Data          JSONMap    `gorm:"type:jsonb"`
	State         string     `gorm:"type:varchar(32);index;not null"`
	DelayedUntil  *time.Time `gorm:"index"`
	Retries       int        `gorm:"not null;default:0"`
	Error         JSONMap    `gorm:"type:jsonb"`
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (StreamModel) TableName() string { return "integration_streams" }

// DataModel is the gorm model for produced data records awaiting sink
// ingestion.
type DataModel struct {
	ID        string  `gorm:"primaryKey;type:uuid"`
	StreamID  string  `gorm:"type:uuid;index;not null"`
	RunID     string  `gorm:"type:uuid;index;not null"`
	TenantID  string  `gorm:"type:uuid;index;not null"`
	Data      JSONMap `gorm:"type:jsonb"`
	State     string  `gorm:"type:varchar(32);index;not null"`
	Retries   int     `gorm:"not null;default:0"`
	Error     JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DataModel) TableName() string { return "integration_data" }

// IntegrationModel is the gorm model for configured integrations. Settings is
// the mutable jsonb blob handlers update with incremental watermarks.
type IntegrationModel struct {
	ID         string         `gorm:"primaryKey;type:uuid"`
	TenantID   string         `gorm:"type:uuid;index;not null"`
	Platform   string         `gorm:"type:varchar(64);index;not null"`
	Identifier string         `gorm:"type:varchar(1024)"`
	Status     string         `gorm:"type:varchar(32);not null"`
	Settings   JSONMap        `gorm:"type:jsonb"`
	DeletedAt  gorm.DeletedAt `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (IntegrationModel) TableName() string { return "integrations" }

// OpenGorm opens a gorm connection for schema management and the integration
// repository.
func OpenGorm(pgURL string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	return gdb, nil
}

// Migrate creates or updates the pipeline tables.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&IntegrationModel{},
		&RunModel{},
		&StreamModel{},
		&DataModel{},
	); err != nil {
		return fmt.Errorf("failed to migrate pipeline schema: %w", err)
	}
	return nil
}
