// Package orchestration drives an export workflow through its steps,
// checkpointing the output of each one so that a resumed run replays
// completed steps instead of repeating their remote calls.
package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/CMSgov/bcda-export/export/bulkdata"
	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/client"
	bcdaerrors "github.com/CMSgov/bcda-export/export/errors"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/export/monitoring"
	"github.com/CMSgov/bcda-export/log"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type TokenAcquirer interface {
	AcquireToken(ctx context.Context, cred models.Credential) (models.AccessToken, error)
}

type JobStarter interface {
	StartJob(ctx context.Context, token models.AccessToken) (string, error)
}

type StatusPoller interface {
	Poll(ctx context.Context, job models.ExportJob, opts bulkdata.PollOptions) (models.ExportJob, error)
}

type ResourceFetcher interface {
	Fetch(ctx context.Context, resourceType models.ResourceType, url string, token models.AccessToken) (models.ResourceDocument, error)
}

var (
	// ErrInvalidCheckpoint is returned when a checkpoint claims a state whose
	// predecessor outputs are missing.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	// ErrWorkflowFinished is returned when cancelling a completed or failed
	// workflow.
	ErrWorkflowFinished = errors.New("workflow already finished")
	// ErrAlreadyRunning is returned by Run when this process is already
	// advancing the instance.
	ErrAlreadyRunning = errors.New("workflow is already running")
)

// Options tune a single Orchestrator.
type Options struct {
	Credential models.Credential
	// FetchPolicy defaults to fail-fast.
	FetchPolicy models.FetchPolicy
	// FetchConcurrency bounds concurrent downloads; values below 1 mean one
	// at a time.
	FetchConcurrency int
	// FetchResourceTypes restricts which reported types are downloaded. Empty
	// means every reported type.
	FetchResourceTypes []models.ResourceType
}

type Orchestrator struct {
	store   checkpoint.Store
	auth    TokenAcquirer
	starter JobStarter
	poller  StatusPoller
	fetcher ResourceFetcher

	credential  models.Credential
	policy      models.FetchPolicy
	concurrency int
	fetchTypes  map[models.ResourceType]bool

	now func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(store checkpoint.Store, auth TokenAcquirer, starter JobStarter, poller StatusPoller,
	fetcher ResourceFetcher, opts Options) *Orchestrator {

	o := &Orchestrator{
		store:       store,
		auth:        auth,
		starter:     starter,
		poller:      poller,
		fetcher:     fetcher,
		credential:  opts.Credential,
		policy:      opts.FetchPolicy,
		concurrency: opts.FetchConcurrency,
		now:         time.Now,
		running:     make(map[string]context.CancelFunc),
	}
	if o.policy == "" {
		o.policy = models.FailFast
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	if len(opts.FetchResourceTypes) > 0 {
		o.fetchTypes = make(map[models.ResourceType]bool)
		for _, t := range opts.FetchResourceTypes {
			o.fetchTypes[t] = true
		}
	}
	return o
}

// NewFromConfig wires the bulk data steps over a shared HTTP client.
func NewFromConfig(cfg Config, store checkpoint.Store, httpClient client.Client, credential models.Credential) (*Orchestrator, error) {
	bdCfg, err := cfg.BulkData()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Options(credential)
	if err != nil {
		return nil, err
	}

	return New(store,
		bulkdata.NewTokenAcquirer(httpClient, bdCfg),
		bulkdata.NewJobStarter(httpClient, bdCfg),
		bulkdata.NewStatusPoller(httpClient, cfg.Poll()),
		bulkdata.NewResourceFetcher(httpClient),
		opts), nil
}

// Start creates a new workflow instance in the Init state and returns its id.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	id := uuid.New()
	if err := o.store.Create(ctx, checkpoint.New(id, o.now().UTC())); err != nil {
		return "", errors.Wrapf(err, "failed to create workflow %s", id)
	}
	log.GetCtxLogger(ctx).WithField("instance_id", id).Info("Created export workflow")
	return id, nil
}

// Status returns the checkpoint of an instance.
func (o *Orchestrator) Status(ctx context.Context, instanceID string) (*checkpoint.Checkpoint, error) {
	return o.store.Get(ctx, instanceID)
}

// Interrupted lists the instances that have not reached a terminal state.
func (o *Orchestrator) Interrupted(ctx context.Context) ([]string, error) {
	return o.store.ListInterrupted(ctx)
}

// Purge deletes the checkpoints of terminal instances that have not changed
// for olderThan and returns their ids.
func (o *Orchestrator) Purge(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := o.now().UTC().Add(-olderThan)
	ids, err := o.store.DeleteFinished(ctx, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to delete finished workflows")
	}
	log.GetCtxLogger(ctx).WithFields(logrus.Fields{
		"cutoff": cutoff,
		"count":  len(ids),
	}).Info("Purged finished workflows")
	return ids, nil
}

// Cancel flags the instance for cancellation and interrupts it if it is
// running in this process. The remote export job is left alone.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	cp, err := o.store.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	switch cp.State {
	case models.StateCancelled:
		return nil
	case models.StateCompleted, models.StateFailed:
		return ErrWorkflowFinished
	}

	if err := o.store.RequestCancel(ctx, instanceID); err != nil {
		return err
	}

	o.mu.Lock()
	cancel, ok := o.running[instanceID]
	o.mu.Unlock()
	if ok {
		cancel()
	}

	log.GetCtxLogger(ctx).WithField("instance_id", instanceID).Info("Cancellation requested")
	return nil
}

// Run advances the instance until it reaches a terminal state.
//
// A Completed instance returns its recorded result and a Failed or Cancelled
// one returns a *errors.WorkflowError, in both cases without any network
// calls. When ctx ends before the workflow does, the checkpoint is left as is
// so a later Run resumes it.
func (o *Orchestrator) Run(ctx context.Context, instanceID string) (models.WorkflowResult, error) {
	ctx, logger := log.SetCtxLogger(ctx, "instance_id", instanceID)
	ctx, end := monitoring.NewParent(ctx, "ExportWorkflow")
	defer end()

	cp, err := o.store.Get(ctx, instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load workflow %s", instanceID)
	}

	if result, done, err := replayTerminal(cp); done {
		logger.WithField("state", cp.State).Info("Workflow already finished")
		return result, err
	}

	if err := validate(cp); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !o.track(instanceID, cancel) {
		return nil, errors.Wrap(ErrAlreadyRunning, instanceID)
	}
	defer o.untrack(instanceID)

	r := &run{o: o, id: instanceID, cp: cp}
	result, err := r.execute(runCtx)
	if err == nil {
		logger.WithField("result_size", len(result)).Info("Workflow completed")
		return result, nil
	}

	return nil, o.finish(ctx, r, err)
}

// finish decides what a failed run leaves behind: Cancelled when a cancel was
// requested, untouched when the caller's context ended, Failed otherwise.
func (o *Orchestrator) finish(ctx context.Context, r *run, err error) error {
	logger := log.GetCtxLogger(ctx)
	instanceID := r.cp.InstanceID

	// ctx may be done; terminal writes must still land.
	saveCtx := context.Background()

	if latest, getErr := o.store.Get(saveCtx, instanceID); getErr == nil && latest.CancelRequested {
		if saveErr := r.transition(saveCtx, models.StateCancelled, func(cp *checkpoint.Checkpoint) {
			cp.ErrorKind = bcdaerrors.KindCancelled
			cp.ErrorMessage = "workflow was cancelled"
		}); saveErr != nil {
			return errors.Wrap(saveErr, "failed to record cancellation")
		}
		logger.WithField("state", r.cp.State).Info("Workflow cancelled")
		return &bcdaerrors.WorkflowError{InstanceID: instanceID, ErrKind: bcdaerrors.KindCancelled, Msg: "workflow was cancelled"}
	}

	if ctx.Err() != nil {
		logger.WithError(err).WithField("state", r.cp.State).Warn("Workflow interrupted, it can be resumed")
		return errors.Wrapf(ctx.Err(), "workflow %s interrupted in state %s", instanceID, r.cp.State)
	}

	var storeErr *storeError
	if errors.As(err, &storeErr) {
		logger.WithError(err).Error("Failed to persist workflow checkpoint")
		return err
	}

	failedIn := r.cp.State
	if saveErr := r.transition(saveCtx, models.StateFailed, func(cp *checkpoint.Checkpoint) {
		cp.ErrorKind = bcdaerrors.KindOf(err)
		cp.ErrorMessage = err.Error()
	}); saveErr != nil {
		logger.WithError(saveErr).Error("Failed to record workflow failure")
	}

	logger.WithFields(logrus.Fields{
		"state":      failedIn,
		"error_kind": bcdaerrors.KindOf(err),
	}).WithError(err).Error("Workflow failed")
	return err
}

func (o *Orchestrator) track(instanceID string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[instanceID]; ok {
		return false
	}
	o.running[instanceID] = cancel
	return true
}

func (o *Orchestrator) untrack(instanceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, instanceID)
}

func (o *Orchestrator) shouldFetch(t models.ResourceType) bool {
	return o.fetchTypes == nil || o.fetchTypes[t]
}

func replayTerminal(cp *checkpoint.Checkpoint) (models.WorkflowResult, bool, error) {
	switch cp.State {
	case models.StateCompleted:
		return append(models.WorkflowResult(nil), cp.Result...), true, nil
	case models.StateFailed, models.StateCancelled:
		kind := cp.ErrorKind
		if kind == "" {
			kind = bcdaerrors.KindInternal
			if cp.State == models.StateCancelled {
				kind = bcdaerrors.KindCancelled
			}
		}
		return nil, true, &bcdaerrors.WorkflowError{InstanceID: cp.InstanceID, ErrKind: kind, Msg: cp.ErrorMessage}
	}
	return nil, false, nil
}

// validate rejects checkpoints whose state runs ahead of the outputs recorded
// for the earlier steps.
func validate(cp *checkpoint.Checkpoint) error {
	invalid := func(msg string) error {
		return errors.Wrapf(ErrInvalidCheckpoint, "workflow %s in state %s: %s", cp.InstanceID, cp.State, msg)
	}

	switch cp.State {
	case models.StateInit, models.StateAuthenticating:
		return nil
	case models.StateJobStarting:
		if cp.Token.IsZero() {
			return invalid("no access token recorded")
		}
	case models.StatePolling:
		if cp.Token.IsZero() || cp.JobLocation == "" {
			return invalid("no job location recorded")
		}
	case models.StateFetching:
		if cp.Token.IsZero() || cp.JobLocation == "" || cp.Job == nil || !cp.Job.Complete {
			return invalid("no completed job recorded")
		}
	default:
		return invalid("unknown state")
	}
	return nil
}
