// Package database opens the PostgreSQL connections used for checkpoints and
// the workflow queue, and applies the schema migrations.
package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/stdlib"
)

// Connect opens a pooled connection to cfg.DatabaseURL and verifies it.
func Connect(ctx context.Context, cfg *Config) (*sql.DB, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return db, nil
}

func open(cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMin) * time.Minute)
	db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)
	return db, nil
}
