// Package domain defines the core interfaces and types for SplitGuard.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Split operations
	SaveSplit(ctx context.Context, split *Split) error
	GetSplit(ctx context.Context, splitID string) (*Split, error)
	GetUserHistory(ctx context.Context, creatorID string) (*UserHistory, error)

	// Alerts are written once per scoring call
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]*Alert, error)

	// LabeledSamples joins alerts with their most recent feedback label.
	LabeledSamples(ctx context.Context, limit int) ([]LabeledSample, error)

	JobStore
	FeedbackStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// ConnectTimeout bounds the startup ping retries.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}
