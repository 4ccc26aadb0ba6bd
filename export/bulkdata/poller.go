package bulkdata

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CMSgov/bcda-export/export/client"
	bcdaerrors "github.com/CMSgov/bcda-export/export/errors"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Poll defaults
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollMaxInterval = 60 * time.Second
	DefaultPollTimeout     = time.Hour
	defaultPollMultiplier  = 1.5
	defaultPollJitter      = 0.1
)

// PollConfig bounds the status loop. Timeout is the total wall-clock budget
// measured from the first status check.
type PollConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
	Multiplier  float64
	Jitter      float64
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultPollMaxInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultPollTimeout
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultPollMultiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// StatusPoller polls a job's status location until it completes, fails or the
// poll budget is spent.
type StatusPoller struct {
	client client.Client
	cfg    PollConfig
	clock  backoff.Clock
	sleep  SleepFunc
}

func NewStatusPoller(c client.Client, cfg PollConfig) *StatusPoller {
	if cfg.Jitter == 0 {
		cfg.Jitter = defaultPollJitter
	}
	return &StatusPoller{
		client: c,
		cfg:    cfg.withDefaults(),
		clock:  backoff.SystemClock,
		sleep:  sleepContext,
	}
}

// WithClock replaces the time source and the wait between checks.
func (p *StatusPoller) WithClock(clock backoff.Clock, sleep SleepFunc) *StatusPoller {
	p.clock = clock
	p.sleep = sleep
	return p
}

type jobStatus int

const (
	statusInProgress jobStatus = iota
	statusComplete
)

type statusResult struct {
	status     jobStatus
	statusCode int
	body       string
	retryAfter time.Duration
	progress   string
	job        models.ExportJob
}

type statusResponse struct {
	ResourceType        string                         `json:"resourceType"`
	TransactionTime     string                         `json:"transactionTime"`
	Request             string                         `json:"request"`
	RequiresAccessToken bool                           `json:"requiresAccessToken"`
	Output              *[]models.OutputFile           `json:"output"`
	Error               []models.OutputFile            `json:"error"`
	Issue               []models.OperationOutcomeIssue `json:"issue"`
}

// PollOptions carry per-workflow state into Poll.
type PollOptions struct {
	// StartedAt is when the first status check of this job was made, possibly
	// by an earlier process. The budget is measured from it. Zero means now.
	StartedAt time.Time
	// BeforeAttempt runs ahead of every status request. A non-nil error stops
	// the loop and is returned as is.
	BeforeAttempt func(ctx context.Context) error
}

// Poll checks job.StatusLocation until the job completes and returns the job
// with its outputs populated. 202 and 429 responses mean the job is still
// running; a Retry-After header overrides the computed wait. A status request
// that gets no response at all counts as in progress, so network trouble is
// retried until the budget runs out. The last wait is shortened so the loop
// never sleeps past the budget.
func (p *StatusPoller) Poll(ctx context.Context, job models.ExportJob, opts PollOptions) (models.ExportJob, error) {
	logger := log.GetCtxLogger(ctx).WithField("job_location", job.StatusLocation)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Interval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Clock = p.clock
	b.Reset()

	start := opts.StartedAt
	if start.IsZero() {
		start = p.clock.Now()
	}
	deadline := start.Add(p.cfg.Timeout)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return job, errors.Wrap(err, "status polling interrupted")
		}
		if opts.BeforeAttempt != nil {
			if err := opts.BeforeAttempt(ctx); err != nil {
				return job, err
			}
		}

		result, err := p.checkStatus(ctx, job)
		var netErr *networkError
		switch {
		case errors.As(err, &netErr):
			if ctx.Err() != nil {
				return job, errors.Wrap(ctx.Err(), "status polling interrupted")
			}
			logger.WithError(netErr.err).WithField("attempt", attempt).Warn("Status request failed")
			result = statusResult{status: statusInProgress, body: netErr.Error()}
		case err != nil:
			return job, err
		}

		if result.status == statusComplete {
			logger.WithFields(logrus.Fields{
				"attempts": attempt,
				"outputs":  len(result.job.Outputs),
			}).Info("Export job complete")
			return result.job, nil
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return job, &bcdaerrors.JobTimeoutError{
				StatusLocation: job.StatusLocation,
				Attempts:       attempt,
				Elapsed:        p.clock.Now().Sub(start),
				LastStatusCode: result.statusCode,
				LastBody:       result.body,
			}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = p.cfg.MaxInterval
		}
		if result.retryAfter > 0 {
			wait = result.retryAfter
		}
		if wait > remaining {
			wait = remaining
		}

		logger.WithFields(logrus.Fields{
			"attempt":     attempt,
			"resp_code":   result.statusCode,
			"progress":    result.progress,
			"next_check":  wait.String(),
			"retry_after": result.retryAfter > 0,
		}).Info("Export job in progress")

		if err := p.sleep(ctx, wait); err != nil {
			return job, errors.Wrap(err, "status polling interrupted")
		}
	}
}

func (p *StatusPoller) checkStatus(ctx context.Context, job models.ExportJob) (statusResult, error) {
	resp, err := p.client.Do(ctx, &client.Request{
		Method: http.MethodGet,
		URL:    job.StatusLocation,
		Header: http.Header{
			acceptHeader:        []string{acceptHeaderJSON},
			authorizationHeader: []string{bearer(job.AuthToken)},
		},
	})
	if err != nil {
		return statusResult{}, &networkError{err}
	}

	result := statusResult{statusCode: resp.StatusCode, body: string(resp.Body)}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusTooManyRequests:
		result.status = statusInProgress
		result.progress = resp.Header.Get(xProgressHeader)
		result.retryAfter = parseRetryAfter(resp.Header.Get(retryAfterHeader), p.clock.Now())
		return result, nil
	case resp.StatusCode == http.StatusOK:
		// handled below
	default:
		return result, &bcdaerrors.JobFailedError{StatusLocation: job.StatusLocation,
			StatusCode: resp.StatusCode, Body: result.body}
	}

	var sr statusResponse
	if err := client.DecodeJSON(resp.Body, &sr); err != nil {
		return result, &bcdaerrors.UnexpectedResponseError{Step: "status", StatusCode: resp.StatusCode,
			Msg: "could not decode job status", Err: err}
	}

	if sr.ResourceType == string(models.OperationOutcomeType) {
		outcome := models.OperationOutcome{ResourceType: sr.ResourceType, Issue: sr.Issue}
		msg := outcome.Summary()
		if msg == "" {
			msg = result.body
		}
		return result, &bcdaerrors.JobFailedError{StatusLocation: job.StatusLocation,
			StatusCode: resp.StatusCode, Body: msg}
	}

	if sr.Output == nil {
		return result, &bcdaerrors.UnexpectedResponseError{Step: "status", StatusCode: resp.StatusCode,
			Msg: "completed job status did not contain an output list"}
	}

	job.Complete = true
	job.TransactionTime = sr.TransactionTime
	job.Outputs = append([]models.OutputFile(nil), *sr.Output...)
	job.Errors = sr.Error

	result.status = statusComplete
	result.job = job
	return result, nil
}

// networkError is a status request that got no response.
type networkError struct{ err error }

func (e *networkError) Error() string { return "status request failed: " + e.err.Error() }

// parseRetryAfter accepts delay-seconds or an HTTP-date. Anything else, or a
// date in the past, yields zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
