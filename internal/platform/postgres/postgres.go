// Package postgres opens the database/sql handle used by the Postgres stores.
//
// Two drivers are registered: "pgx" (jackc/pgx stdlib adapter, the default)
// and "postgres" (lib/pq). Stores only use database/sql so either works.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"invoicer/internal/platform/config"
)

// Open connects to Postgres, applies pool limits and verifies connectivity.
func Open(ctx context.Context, cfg config.Postgres) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres (%s): %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Health checks if the database is reachable.
func Health(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}
