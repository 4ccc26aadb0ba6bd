package orchestration

import (
	"context"
	"sync"

	"github.com/CMSgov/bcda-export/export/bulkdata"
	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/export/monitoring"
	"github.com/CMSgov/bcda-export/log"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var errCancelRequested = errors.New("cancellation requested")

// storeError marks failures to persist a checkpoint. They leave the instance
// resumable instead of failing it.
type storeError struct {
	err error
}

func (e *storeError) Error() string {
	return "failed to save checkpoint: " + e.err.Error()
}

func (e *storeError) Unwrap() error { return e.err }

// run is a single pass over one instance. mu guards cp and serialises
// checkpoint writes from concurrent fetches.
type run struct {
	o  *Orchestrator
	id string
	mu sync.Mutex
	cp *checkpoint.Checkpoint
}

func (r *run) execute(ctx context.Context) (models.WorkflowResult, error) {
	if err := r.checkCancelled(ctx); err != nil {
		return nil, err
	}

	if r.cp.Token.IsZero() {
		if err := r.authenticate(ctx); err != nil {
			return nil, err
		}
	} else {
		r.replayed(ctx, models.StateAuthenticating)
	}

	if err := r.checkCancelled(ctx); err != nil {
		return nil, err
	}

	if r.cp.JobLocation == "" {
		if err := r.startJob(ctx); err != nil {
			return nil, err
		}
	} else {
		r.replayed(ctx, models.StateJobStarting)
	}

	if err := r.checkCancelled(ctx); err != nil {
		return nil, err
	}

	if r.cp.Job == nil || !r.cp.Job.Complete {
		if err := r.poll(ctx); err != nil {
			return nil, err
		}
	} else {
		r.replayed(ctx, models.StatePolling)
	}

	if err := r.checkCancelled(ctx); err != nil {
		return nil, err
	}

	if err := r.fetch(ctx); err != nil {
		return nil, err
	}

	if err := r.complete(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return append(models.WorkflowResult(nil), r.cp.Result...), nil
}

func (r *run) authenticate(ctx context.Context) error {
	if err := r.transition(ctx, models.StateAuthenticating, nil); err != nil {
		return err
	}
	defer monitoring.NewChild(ctx, string(models.StateAuthenticating))()

	token, err := r.o.auth.AcquireToken(ctx, r.o.credential)
	if err != nil {
		return err
	}

	return r.transition(ctx, models.StateJobStarting, func(cp *checkpoint.Checkpoint) {
		cp.Token = token
		cp.Result = models.WorkflowResult{token.Value}
	})
}

func (r *run) startJob(ctx context.Context) error {
	if err := r.transition(ctx, models.StateJobStarting, nil); err != nil {
		return err
	}
	defer monitoring.NewChild(ctx, string(models.StateJobStarting))()

	location, err := r.o.starter.StartJob(ctx, r.cp.Token)
	if err != nil {
		return err
	}

	return r.transition(ctx, models.StatePolling, func(cp *checkpoint.Checkpoint) {
		cp.JobLocation = location
		cp.Result = append(cp.Result, location)
	})
}

func (r *run) poll(ctx context.Context) error {
	if err := r.transition(ctx, models.StatePolling, func(cp *checkpoint.Checkpoint) {
		if cp.PollStartedAt.IsZero() {
			cp.PollStartedAt = r.o.now().UTC()
		}
	}); err != nil {
		return err
	}
	defer monitoring.NewChild(ctx, string(models.StatePolling))()

	r.warnIfExpired(ctx)
	job, err := r.o.poller.Poll(ctx, models.ExportJob{StatusLocation: r.cp.JobLocation, AuthToken: r.cp.Token},
		bulkdata.PollOptions{StartedAt: r.cp.PollStartedAt, BeforeAttempt: r.checkCancelled})
	if err != nil {
		return err
	}

	return r.transition(ctx, models.StateFetching, func(cp *checkpoint.Checkpoint) {
		cp.Job = &job
		for _, f := range job.Outputs {
			cp.Result = append(cp.Result, f.Marker())
		}
	})
}

// fetch downloads every selected output file that is not yet checkpointed.
// Under fail-fast the first FetchError cancels the remaining downloads; under
// best-effort every FetchError is recorded and the workflow still completes.
func (r *run) fetch(ctx context.Context) error {
	if err := r.transition(ctx, models.StateFetching, func(cp *checkpoint.Checkpoint) {
		cp.FetchErrors = nil
	}); err != nil {
		return err
	}
	defer monitoring.NewChild(ctx, string(models.StateFetching))()

	pending := r.pending()
	logger := log.GetCtxLogger(ctx)
	logger.WithFields(logrus.Fields{
		"pending":     len(pending),
		"policy":      r.o.policy,
		"concurrency": r.o.concurrency,
	}).Info("Fetching export output")
	if len(pending) > 0 {
		r.warnIfExpired(ctx)
	}

	var (
		fetchErrs  *multierror.Error
		fetchErrMu sync.Mutex
		token      = r.cp.Token
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.concurrency)
	for _, f := range pending {
		f := f
		g.Go(func() error {
			if err := r.checkCancelled(gctx); err != nil {
				return err
			}

			doc, err := r.o.fetcher.Fetch(gctx, f.Type, f.URL, token)
			if err != nil {
				if r.o.policy == models.BestEffort && gctx.Err() == nil {
					fetchErrMu.Lock()
					fetchErrs = multierror.Append(fetchErrs, err)
					fetchErrMu.Unlock()
					return nil
				}
				return err
			}

			return r.record(gctx, doc)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := fetchErrs.ErrorOrNil(); err != nil {
		logger.WithField("failed", fetchErrs.Len()).WithError(err).Warn("Some export output could not be fetched")
		return r.update(ctx, func(cp *checkpoint.Checkpoint) {
			for _, e := range fetchErrs.Errors {
				cp.FetchErrors = append(cp.FetchErrors, e.Error())
			}
		})
	}
	return nil
}

// pending lists the selected output files, one per URL, in server order.
func (r *run) pending() []models.OutputFile {
	r.mu.Lock()
	defer r.mu.Unlock()

	var files []models.OutputFile
	seen := make(map[string]bool)
	for _, f := range r.cp.Job.Outputs {
		if !r.o.shouldFetch(f.Type) || seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		if _, ok := r.cp.Documents[f.URL]; ok {
			continue
		}
		files = append(files, f)
	}
	return files
}

func (r *run) record(ctx context.Context, doc models.ResourceDocument) error {
	return r.update(ctx, func(cp *checkpoint.Checkpoint) {
		cp.Documents[doc.URL] = doc
	})
}

// complete appends the fetched bodies in server order and marks the instance
// Completed.
func (r *run) complete(ctx context.Context) error {
	return r.transition(ctx, models.StateCompleted, func(cp *checkpoint.Checkpoint) {
		for _, f := range cp.Job.Outputs {
			if doc, ok := cp.Documents[f.URL]; ok && r.o.shouldFetch(f.Type) {
				cp.Result = append(cp.Result, doc.Body)
			}
		}
	})
}

func (r *run) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	latest, err := r.o.store.Get(ctx, r.id)
	if err != nil {
		return &storeError{err}
	}
	if latest.CancelRequested {
		return errCancelRequested
	}
	return nil
}

func (r *run) transition(ctx context.Context, state models.WorkflowState, mutate func(cp *checkpoint.Checkpoint)) error {
	return r.update(ctx, func(cp *checkpoint.Checkpoint) {
		cp.State = state
		if mutate != nil {
			mutate(cp)
		}
	})
}

// update applies mutate and persists the checkpoint. A failed save rolls the
// in-memory copy back to what is stored.
func (r *run) update(ctx context.Context, mutate func(cp *checkpoint.Checkpoint)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.cp.Clone()
	mutate(r.cp)
	r.cp.UpdatedAt = r.o.now().UTC()
	if err := r.o.store.Save(ctx, r.cp); err != nil {
		*r.cp = *prev
		return &storeError{err}
	}
	return nil
}

func (r *run) replayed(ctx context.Context, step models.WorkflowState) {
	log.GetCtxLogger(ctx).WithField("step", step).Info("Replaying checkpointed step")
}

func (r *run) warnIfExpired(ctx context.Context) {
	if r.cp.Token.Expired(r.o.now()) {
		log.GetCtxLogger(ctx).WithField("expires_at", r.cp.Token.ExpiresAt).
			Warn("Access token has expired, requests may be rejected")
	}
}
