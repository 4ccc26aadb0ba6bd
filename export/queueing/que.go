// Package queueing runs export workflows from a que-go job queue. A worker
// that dies mid-run leaves the job locked until its connection drops, after
// which another worker picks it up and the workflow resumes from its
// checkpoint.
package queueing

import (
	"context"
	"encoding/json"

	"github.com/CMSgov/bcda-export/export/checkpoint"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/export/orchestration"
	"github.com/CMSgov/bcda-export/log"
	"github.com/bgentry/que-go"
	"github.com/jackc/pgx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Runner advances workflow instances.
type Runner interface {
	Run(ctx context.Context, instanceID string) (models.WorkflowResult, error)
	Status(ctx context.Context, instanceID string) (*checkpoint.Checkpoint, error)
}

type Queue struct {
	runner   Runner
	log      logrus.FieldLogger
	maxRetry int32

	queDB   *pgx.ConnPool
	quePool *que.WorkerPool
}

// StartQue creates a que-go client and begins listening for workflow jobs.
// It returns immediately since all of the associated workers are started
// in separate goroutines.
func StartQue(log logrus.FieldLogger, runner Runner, queDB *pgx.ConnPool, cfg Config) *Queue {
	q := &Queue{
		runner:   runner,
		log:      log,
		maxRetry: cfg.MaxRetry,
		queDB:    queDB,
	}

	qc := que.NewClient(queDB)
	wm := que.WorkMap{
		QueJobType: q.processJob,
	}

	q.quePool = que.NewWorkerPool(qc, wm, cfg.WorkerPoolSize)
	q.quePool.Start()

	log.WithField("workers", cfg.WorkerPoolSize).Info("Started workflow queue")
	return q
}

// StopQue waits for the running jobs to finish and closes the queue connections.
func (q *Queue) StopQue() {
	q.quePool.Shutdown()
	q.queDB.Close()
}

// processJob returns nil to remove the job from the queue and an error to have
// que retry it later.
func (q *Queue) processJob(queJob *que.Job) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var jobArgs JobArgs
	err := json.Unmarshal(queJob.Args, &jobArgs)
	if err != nil || jobArgs.InstanceID == "" {
		// ACK the job because retrying it won't help us be able to deserialize the data
		q.log.Warnf("Failed to deserialize job.Args '%s' %v. Removing queuejob from que.", queJob.Args, err)
		return nil
	}

	ctx = log.NewStructuredLoggerEntry(log.Worker, ctx)
	ctx, _ = log.SetCtxLogger(ctx, "que_job_id", queJob.ID)
	ctx, logger := log.SetCtxLogger(ctx, "instance_id", jobArgs.InstanceID)

	result, err := q.runner.Run(ctx, jobArgs.InstanceID)
	if err == nil {
		logger.WithField("result_size", len(result)).Info("Workflow job completed")
		return nil
	}

	if errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, orchestration.ErrInvalidCheckpoint) {
		logger.WithError(err).Error("Workflow cannot be run. Removing queuejob from que.")
		return nil
	}
	if errors.Is(err, orchestration.ErrAlreadyRunning) {
		logger.Info("Workflow is already running in this worker. Removing queuejob from que.")
		return nil
	}

	cp, statusErr := q.runner.Status(ctx, jobArgs.InstanceID)
	if statusErr == nil && cp.State.IsTerminal() {
		logger.WithField("state", cp.State).WithError(err).Warn("Workflow finished unsuccessfully")
		return nil
	}

	if queJob.ErrorCount >= q.maxRetry {
		logger.WithField("error_count", queJob.ErrorCount).WithError(err).
			Error("Workflow exceeded retry limit. Removing queuejob from que, it can be resumed manually.")
		return nil
	}

	err = errors.Wrap(err, "failed to process workflow")
	logger.Error(err)
	return err
}
