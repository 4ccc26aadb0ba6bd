package queueing

import (
	"github.com/CMSgov/bcda-export/conf"
)

type Config struct {
	WorkerPoolSize int   `conf:"BCDA_WORKER_POOL_SIZE" conf_default:"4"`
	MaxRetry       int32 `conf:"BCDA_WORKER_MAX_RETRIES" conf_default:"5"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := conf.Checkout(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	return cfg, nil
}
