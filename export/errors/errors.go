package errors

import (
	"fmt"
	"time"

	"github.com/CMSgov/bcda-export/export/models"
)

// Kinds are stored alongside a failed workflow's checkpoint so the failure
// can be rebuilt as a WorkflowError after a restart.
const (
	KindAuth               = "AuthError"
	KindJobStart           = "JobStartError"
	KindUnexpectedResponse = "UnexpectedResponseError"
	KindJobFailed          = "JobFailedError"
	KindJobTimeout         = "JobTimeoutError"
	KindFetch              = "FetchError"
	KindCancelled          = "Cancelled"
	KindInternal           = "InternalError"
)

// maxBodyLength bounds how much of a response body is echoed in Error().
const maxBodyLength = 512

func truncate(body string) string {
	if len(body) <= maxBodyLength {
		return body
	}
	return body[:maxBodyLength] + "..."
}

// AuthError is returned when a token cannot be obtained. StatusCode is 0 when
// no request was made (e.g. a malformed credential).
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("failed to acquire access token: %s", e.Err)
	}
	return fmt.Sprintf("failed to acquire access token: status %d body %s", e.StatusCode, truncate(e.Body))
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Kind() string { return KindAuth }

// JobStartError is returned when the export endpoint refuses to start a job.
// StatusCode is 0 when the kick-off request never got a response.
type JobStartError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *JobStartError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("failed to start export job: %s", e.Err)
	}
	return fmt.Sprintf("failed to start export job: status %d body %s", e.StatusCode, truncate(e.Body))
}

func (e *JobStartError) Unwrap() error { return e.Err }

func (e *JobStartError) Kind() string { return KindJobStart }

// UnexpectedResponseError is a success response that does not carry what the
// step needs (missing Content-Location, unparsable JSON, ...).
type UnexpectedResponseError struct {
	Step       string
	StatusCode int
	Msg        string
	Err        error
}

func (e *UnexpectedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unexpected %s response (status %d): %s: %s", e.Step, e.StatusCode, e.Msg, e.Err)
	}
	return fmt.Sprintf("unexpected %s response (status %d): %s", e.Step, e.StatusCode, e.Msg)
}

func (e *UnexpectedResponseError) Unwrap() error { return e.Err }

func (e *UnexpectedResponseError) Kind() string { return KindUnexpectedResponse }

// JobFailedError is a terminal failure reported by the status endpoint.
type JobFailedError struct {
	StatusLocation string
	StatusCode     int
	Body           string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("export job %s failed: status %d body %s", e.StatusLocation, e.StatusCode, truncate(e.Body))
}

func (e *JobFailedError) Kind() string { return KindJobFailed }

// JobTimeoutError is returned once the poll budget is spent without the job
// reaching a terminal state.
type JobTimeoutError struct {
	StatusLocation string
	Attempts       int
	Elapsed        time.Duration
	LastStatusCode int
	LastBody       string
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("export job %s did not complete after %d status checks in %s: last status %d body %s",
		e.StatusLocation, e.Attempts, e.Elapsed, e.LastStatusCode, truncate(e.LastBody))
}

func (e *JobTimeoutError) Kind() string { return KindJobTimeout }

// FetchError is returned when an output file cannot be downloaded.
type FetchError struct {
	ResourceType models.ResourceType
	URL          string
	StatusCode   int
	Body         string
	Err          error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to fetch %s data from %s: %s", e.ResourceType, e.URL, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s data from %s: status %d body %s", e.ResourceType, e.URL, e.StatusCode, truncate(e.Body))
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Kind() string { return KindFetch }

// WorkflowError is a failure recorded in a checkpoint by an earlier run. Its
// Kind is one of the Kind constants above.
type WorkflowError struct {
	InstanceID string
	ErrKind    string
	Msg        string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("export workflow %s failed with %s: %s", e.InstanceID, e.ErrKind, e.Msg)
}

func (e *WorkflowError) Kind() string { return e.ErrKind }

type kinded interface {
	Kind() string
}

// KindOf returns the Kind of err (or of the first error in its chain that has
// one), and KindInternal otherwise.
func KindOf(err error) string {
	for err != nil {
		if k, ok := err.(kinded); ok {
			return k.Kind()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			if c, ok := err.(interface{ Cause() error }); ok {
				err = c.Cause()
				continue
			}
			break
		}
		err = u.Unwrap()
	}
	return KindInternal
}
