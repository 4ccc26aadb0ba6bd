package orchestration

import (
	"strings"
	"time"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/export/bulkdata"
	"github.com/CMSgov/bcda-export/export/client"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/pkg/errors"
)

// Config is loaded from the environment (or local.env) with conf.Checkout.
type Config struct {
	Credential          string `conf:"BCDA_AUTH_CREDENTIAL"`
	CredentialParameter string `conf:"BCDA_AUTH_CREDENTIAL_PARAMETER"`

	BaseURL             string   `conf:"BCDA_EXPORT_BASE_URL"`
	AuthPath            string   `conf:"BCDA_AUTH_PATH" conf_default:"/auth/token"`
	ExportPath          string   `conf:"BCDA_EXPORT_PATH" conf_default:"/api/v1/Patient/$export"`
	ExportResourceTypes []string `conf:"BCDA_EXPORT_RESOURCE_TYPES"`
	ExportSince         string   `conf:"BCDA_EXPORT_SINCE"`

	PollIntervalSeconds    int `conf:"BCDA_POLL_INTERVAL_SECONDS" conf_default:"5"`
	PollMaxIntervalSeconds int `conf:"BCDA_POLL_MAX_INTERVAL_SECONDS" conf_default:"60"`
	PollTimeoutSeconds     int `conf:"BCDA_POLL_TIMEOUT_SECONDS" conf_default:"3600"`

	FetchPolicy        string   `conf:"BCDA_FETCH_POLICY" conf_default:"fail-fast"`
	FetchConcurrency   int      `conf:"BCDA_FETCH_CONCURRENCY" conf_default:"1"`
	FetchResourceTypes []string `conf:"BCDA_FETCH_RESOURCE_TYPES"`

	HTTPTimeoutSeconds int `conf:"BCDA_HTTP_TIMEOUT_SECONDS" conf_default:"60"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := conf.Checkout(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to load export configuration")
	}
	return cfg, nil
}

// Validate checks the settings that are required before any workflow can
// run. The credential is checked separately because it may come from SSM.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("BCDA_EXPORT_BASE_URL must be set")
	}
	if _, err := c.since(); err != nil {
		return err
	}
	if _, err := models.ParseFetchPolicy(c.FetchPolicy); err != nil {
		return err
	}
	if c.FetchConcurrency < 0 {
		return errors.Errorf("BCDA_FETCH_CONCURRENCY must not be negative, got %d", c.FetchConcurrency)
	}
	return nil
}

func (c Config) BulkData() (bulkdata.Config, error) {
	since, err := c.since()
	if err != nil {
		return bulkdata.Config{}, err
	}
	return bulkdata.Config{
		BaseURL:       c.BaseURL,
		AuthPath:      c.AuthPath,
		ExportPath:    c.ExportPath,
		ResourceTypes: resourceTypes(c.ExportResourceTypes),
		Since:         since,
	}, nil
}

func (c Config) Poll() bulkdata.PollConfig {
	return bulkdata.PollConfig{
		Interval:    seconds(c.PollIntervalSeconds),
		MaxInterval: seconds(c.PollMaxIntervalSeconds),
		Timeout:     seconds(c.PollTimeoutSeconds),
	}
}

func (c Config) HTTP() client.Config {
	return client.Config{Timeout: seconds(c.HTTPTimeoutSeconds)}
}

func (c Config) Options(credential models.Credential) (Options, error) {
	policy, err := models.ParseFetchPolicy(c.FetchPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Credential:         credential,
		FetchPolicy:        policy,
		FetchConcurrency:   c.FetchConcurrency,
		FetchResourceTypes: resourceTypes(c.FetchResourceTypes),
	}, nil
}

func (c Config) since() (time.Time, error) {
	if strings.TrimSpace(c.ExportSince) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(c.ExportSince))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "BCDA_EXPORT_SINCE must be an RFC3339 timestamp, got %q", c.ExportSince)
	}
	return t, nil
}

func resourceTypes(values []string) []models.ResourceType {
	var types []models.ResourceType
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			types = append(types, models.ResourceType(v))
		}
	}
	return types
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
