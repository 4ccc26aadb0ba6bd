package database

import (
	"errors"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/log"
)

type Config struct {
	MaxOpenConns       int `conf:"BCDA_DB_MAX_OPEN_CONNS" conf_default:"20"`
	MaxIdleConns       int `conf:"BCDA_DB_MAX_IDLE_CONNS" conf_default:"10"`
	ConnMaxLifetimeMin int `conf:"BCDA_DB_CONN_MAX_LIFETIME_MIN" conf_default:"5"`
	ConnMaxIdleTime    int `conf:"BCDA_DB_CONN_MAX_IDLE_TIME" conf_default:"30"`

	DatabaseURL      string `conf:"DATABASE_URL"`
	QueueDatabaseURL string `conf:"QUEUE_DATABASE_URL"`

	MigrationsDir string `conf:"BCDA_EXPORT_MIGRATIONS_DIR" conf_default:"db/migrations/bcda_export"`
}

// LoadConfig reads the database settings. The queue URL is optional; without
// it workflows run in the process that started them.
func LoadConfig() (cfg *Config, err error) {
	cfg = &Config{}
	if err := conf.Checkout(cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("invalid config, DatabaseURL must be set")
	}

	log.Export.Info("Successfully loaded configuration for Database.")

	return cfg, nil
}
