// internal/store/postgres.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// Postgres persists the monitoring entities: endpoints, consistency
// groups, pairs, RPO samples and alerts.
type Postgres struct {
	db *sql.DB
}

// New opens a PostgreSQL connection with pool settings tuned for a
// single poller process.
func New(cfg Config) (*Postgres, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the schema if it does not exist.
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			model VARCHAR(255),
			serial VARCHAR(255),
			base_url TEXT NOT NULL,
			endpoint_type VARCHAR(32) NOT NULL DEFAULT 'array',
			auth_status VARCHAR(32) NOT NULL DEFAULT 'unknown',
			monitored BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS endpoint_credentials (
			endpoint_id VARCHAR(255) PRIMARY KEY REFERENCES endpoints(id),
			username VARCHAR(255) NOT NULL,
			password TEXT NOT NULL,
			validated BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS consistency_groups (
			group_id INT NOT NULL,
			source_endpoint_id VARCHAR(255) NOT NULL REFERENCES endpoints(id),
			target_endpoint_id VARCHAR(255),
			name VARCHAR(255) NOT NULL,
			monitored BOOLEAN NOT NULL DEFAULT TRUE,
			volume_count INT NOT NULL DEFAULT 0,
			health VARCHAR(16) NOT NULL DEFAULT 'normal',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (group_id, source_endpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pairs (
			id SERIAL PRIMARY KEY,
			group_id INT NOT NULL,
			source_endpoint_id VARCHAR(255) NOT NULL,
			pvol_ldev_id INT NOT NULL,
			svol_ldev_id INT NOT NULL,
			pvol_journal_id INT,
			svol_journal_id INT,
			pair_status VARCHAR(32),
			fence_level VARCHAR(32),
			copy_progress INT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS rpo_samples (
			id SERIAL PRIMARY KEY,
			recorded_at TIMESTAMP NOT NULL DEFAULT NOW(),
			group_id INT NOT NULL,
			source_endpoint_id VARCHAR(255) NOT NULL,
			journal_id VARCHAR(32) NOT NULL,
			mu_number INT NOT NULL DEFAULT 0,
			usage_rate INT NOT NULL DEFAULT 0,
			q_count INT NOT NULL DEFAULT 0,
			q_marker VARCHAR(64),
			pending_bytes BIGINT NOT NULL DEFAULT 0,
			eta_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			block_delta_bytes BIGINT,
			copy_speed_mbps INT NOT NULL DEFAULT 0,
			journal_status VARCHAR(32),
			pair_status VARCHAR(32)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rpo_samples_group_time
			ON rpo_samples (group_id, recorded_at DESC)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(64) PRIMARY KEY,
			group_id INT NOT NULL,
			alert_type VARCHAR(64) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			message TEXT NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}

	return nil
}
