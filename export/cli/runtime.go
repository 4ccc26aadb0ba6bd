package cli

import (
	"context"
	"database/sql"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/export/aws"
	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/checkpoint/postgres"
	"github.com/CMSgov/bcda-export/export/client"
	"github.com/CMSgov/bcda-export/export/database"
	"github.com/CMSgov/bcda-export/export/health"
	"github.com/CMSgov/bcda-export/export/orchestration"
	"github.com/CMSgov/bcda-export/log"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
)

const (
	storePostgres = "postgres"
	storeFile     = "file"
	storeMemory   = "memory"
)

type storeConfig struct {
	Kind string `conf:"BCDA_CHECKPOINT_STORE" conf_default:"file"`
	Dir  string `conf:"BCDA_CHECKPOINT_DIR" conf_default:"checkpoints"`
}

type awsConfig struct {
	Region  string `conf:"AWS_REGION"`
	RoleArn string `conf:"BCDA_AWS_ROLE_ARN"`
}

type outputConfig struct {
	Dest       string `conf:"BCDA_EXPORT_OUTPUT"`
	S3Endpoint string `conf:"BCDA_S3_ENDPOINT"`
}

// runtime holds what a command needs to drive workflows.
type runtime struct {
	workflows  *orchestration.Orchestrator
	health     health.HealthChecker
	awsSession func() (*awssession.Session, error)
	db         *sql.DB
}

func (r *runtime) Close() {
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			log.Export.Infof("failed to close db connection because %s", err)
		}
	}
}

// newRuntime is a variable so tests can point commands at fakes.
var newRuntime = func(ctx context.Context) (*runtime, error) {
	cfg, err := orchestration.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var awsCfg awsConfig
	if err := conf.Checkout(&awsCfg); err != nil {
		return nil, err
	}
	newSession := func() (*awssession.Session, error) {
		return aws.NewSession(awsCfg.Region, awsCfg.RoleArn)
	}
	credential, err := aws.ResolveCredential(cfg.Credential, cfg.CredentialParameter, newSession)
	if err != nil {
		return nil, err
	}

	rt := &runtime{awsSession: newSession}
	store, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}

	httpClient := client.NewHTTPClient(cfg.HTTP(), log.Export)
	rt.workflows, err = orchestration.NewFromConfig(cfg, store, httpClient, credential)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.health = health.NewHealthChecker(rt.db, httpClient, cfg.BaseURL)
	return rt, nil
}

func (r *runtime) openStore(ctx context.Context) (checkpoint.Store, error) {
	var cfg storeConfig
	if err := conf.Checkout(&cfg); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case storePostgres:
		dbCfg, err := database.LoadConfig()
		if err != nil {
			return nil, err
		}
		r.db, err = database.Connect(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(r.db), nil
	case storeFile:
		store, err := checkpoint.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case storeMemory:
		log.Export.Warn("Using the in-memory checkpoint store, workflows cannot be resumed after exit")
		return checkpoint.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unsupported BCDA_CHECKPOINT_STORE %q", cfg.Kind)
	}
}
