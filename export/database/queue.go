package database

import (
	"github.com/bgentry/que-go"
	"github.com/jackc/pgx"
	"github.com/pkg/errors"
)

// QueueConnection returns a pgx pool for the que_jobs table with the que
// statements prepared on every connection.
func QueueConnection(cfg *Config) (*pgx.ConnPool, error) {
	if cfg.QueueDatabaseURL == "" {
		return nil, errors.New("invalid config, QueueDatabaseURL must be set")
	}

	pgxcfg, err := pgx.ParseURI(cfg.QueueDatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse queue database url")
	}

	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     pgxcfg,
		MaxConnections: cfg.MaxOpenConns,
		AfterConnect:   que.PrepareStatements,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create queue connection pool")
	}
	return pool, nil
}
