package queueing

import (
	"context"
	"encoding/json"

	"github.com/bgentry/que-go"
	"github.com/jackc/pgx"
	"github.com/pkg/errors"
)

// QueJobType is the que job_class of a workflow run.
const QueJobType = "ExportWorkflow"

// JobArgs is the payload of a queued workflow run.
type JobArgs struct {
	InstanceID string `json:"instance_id"`
}

// Enqueuer only handles inserting job entries into the que_jobs table
type Enqueuer interface {
	AddWorkflow(ctx context.Context, instanceID string) error
}

func NewEnqueuer(pool *pgx.ConnPool) Enqueuer {
	return queEnqueuer{que.NewClient(pool)}
}

type queEnqueuer struct {
	*que.Client
}

func (q queEnqueuer) AddWorkflow(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	args, err := json.Marshal(JobArgs{InstanceID: instanceID})
	if err != nil {
		return err
	}

	if err := q.Enqueue(&que.Job{Type: QueJobType, Args: args}); err != nil {
		return errors.Wrapf(err, "failed to enqueue workflow %s", instanceID)
	}
	return nil
}
