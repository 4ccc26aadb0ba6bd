// Package checkpoint persists the progress of export workflows so an
// interrupted run can resume where it stopped.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/CMSgov/bcda-export/export/models"
)

var (
	ErrNotFound      = errors.New("checkpoint not found")
	ErrAlreadyExists = errors.New("checkpoint already exists")
)

// Checkpoint is the persisted record of one workflow instance. Each completed
// step stores its output here before the next step begins.
type Checkpoint struct {
	InstanceID string               `json:"instance_id"`
	State      models.WorkflowState `json:"state"`

	Token       models.AccessToken `json:"token"`
	JobLocation string             `json:"job_location,omitempty"`
	Job         *models.ExportJob  `json:"job,omitempty"`
	// PollStartedAt is set on the first entry into Polling and kept across
	// resumes so the poll budget covers every run.
	PollStartedAt time.Time `json:"poll_started_at"`
	// Documents holds every fetched file keyed by its URL.
	Documents   map[string]models.ResourceDocument `json:"documents,omitempty"`
	Result      models.WorkflowResult              `json:"result,omitempty"`
	FetchErrors []string                           `json:"fetch_errors,omitempty"`

	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// CancelRequested is sticky: once a store has recorded it, Save never
	// clears it.
	CancelRequested bool `json:"cancel_requested"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns the initial checkpoint for an instance.
func New(instanceID string, now time.Time) *Checkpoint {
	return &Checkpoint{
		InstanceID: instanceID,
		State:      models.StateInit,
		Documents:  make(map[string]models.ResourceDocument),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy so callers never share maps or slices with a
// store.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Job != nil {
		job := *c.Job
		job.Outputs = append([]models.OutputFile(nil), c.Job.Outputs...)
		job.Errors = append([]models.OutputFile(nil), c.Job.Errors...)
		cp.Job = &job
	}
	cp.Documents = make(map[string]models.ResourceDocument, len(c.Documents))
	for k, v := range c.Documents {
		cp.Documents[k] = v
	}
	cp.Result = append(models.WorkflowResult(nil), c.Result...)
	cp.FetchErrors = append([]string(nil), c.FetchErrors...)
	return &cp
}

// Store persists checkpoints. Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, instanceID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	// RequestCancel marks the instance for cancellation.
	RequestCancel(ctx context.Context, instanceID string) error
	// ListInterrupted returns the ids of instances that have not reached a
	// terminal state.
	ListInterrupted(ctx context.Context) ([]string, error)
	// DeleteFinished removes terminal instances last updated before cutoff
	// and returns their ids.
	DeleteFinished(ctx context.Context, cutoff time.Time) ([]string, error)
}

// terminalStates are excluded by ListInterrupted.
var terminalStates = []models.WorkflowState{models.StateCompleted, models.StateFailed, models.StateCancelled}

func (c *Checkpoint) finishedBefore(cutoff time.Time) bool {
	return c.State.IsTerminal() && c.UpdatedAt.Before(cutoff)
}

// TerminalStates lists the states ListInterrupted skips.
func TerminalStates() []models.WorkflowState {
	return append([]models.WorkflowState(nil), terminalStates...)
}
