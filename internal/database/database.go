// Package database opens the SQL backend shared by the masking map and the
// file lifecycle records and keeps its schema current.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/logger"
)

// Config contains database configuration
type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to the configured database, tunes the pool and applies migrations
func Open(config *Config, log *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect(config.Driver, config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Database initialized",
		zap.String("driver", config.Driver),
		zap.String("database_url", logger.RedactDSN(config.URL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return db, nil
}

// Migrate creates the tables used by the masking store and file repository
func Migrate(ctx context.Context, db *sqlx.DB) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.DriverName() == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS masking_map (
			id %s,
			original_value TEXT NOT NULL,
			masked_value TEXT NOT NULL,
			category TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT masking_map_original_key UNIQUE (original_value),
			CONSTRAINT masking_map_masked_key UNIQUE (category, masked_value)
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_masking_map_category ON masking_map (category)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS logical_files (
			id %s,
			filename TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			product TEXT NOT NULL DEFAULT '',
			blob_id TEXT NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			content_type TEXT NOT NULL,
			format TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			completed_size BIGINT NOT NULL DEFAULT 0,
			time_remaining BIGINT NOT NULL DEFAULT 0,
			parent_archive_id BIGINT NULL,
			archive_path TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, idColumn),
		`CREATE INDEX IF NOT EXISTS idx_logical_files_parent ON logical_files (parent_archive_id)`,
		`CREATE INDEX IF NOT EXISTS idx_logical_files_owner ON logical_files (owner)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
