package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResourceType is a FHIR resource type reported by the export server. Any
// value the server reports is accepted.
type ResourceType string

const (
	Patient              ResourceType = "Patient"
	Coverage             ResourceType = "Coverage"
	ExplanationOfBenefit ResourceType = "ExplanationOfBenefit"
	OperationOutcomeType ResourceType = "OperationOutcome"
)

// ErrInvalidCredential is returned for a credential that is not "<id>:<secret>".
var ErrInvalidCredential = errors.New("credential must be formatted as <client id>:<client secret>")

// Credential is the opaque "<client id>:<client secret>" pair exchanged for an
// AccessToken. It prints redacted.
type Credential string

// Validate ensures both the client id and the secret are present.
func (c Credential) Validate() error {
	id, secret, found := strings.Cut(string(c), ":")
	if !found || strings.TrimSpace(id) == "" || strings.TrimSpace(secret) == "" {
		return ErrInvalidCredential
	}
	return nil
}

func (c Credential) String() string {
	return "<redacted>"
}

// AccessToken is the short-lived bearer token for one workflow run.
type AccessToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (t AccessToken) IsZero() bool {
	return t.Value == ""
}

// Expired reports whether the token is known to have expired at now. Tokens
// without an expiry never report expired.
func (t AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

func (t AccessToken) String() string {
	return "<redacted>"
}

// OutputFile is one entry of a completed job's output (or error) list.
type OutputFile struct {
	Type  ResourceType `json:"type"`
	URL   string       `json:"url"`
	Count int          `json:"count,omitempty"`
}

// Marker is the milestone recorded in a WorkflowResult for the file.
func (f OutputFile) Marker() string {
	return fmt.Sprintf("%s %s", f.Type, f.URL)
}

// ResourceMap associates each resource type with every URL reported for it.
type ResourceMap map[ResourceType][]string

// ExportJob is created by the job starter and completed by the status poller.
type ExportJob struct {
	StatusLocation  string       `json:"status_location"`
	AuthToken       AccessToken  `json:"-"`
	Complete        bool         `json:"complete"`
	TransactionTime string       `json:"transaction_time,omitempty"`
	Outputs         []OutputFile `json:"outputs,omitempty"`
	Errors          []OutputFile `json:"errors,omitempty"`
}

// ResourceURLs groups the output files by type. Repeated types accumulate in
// the order the server reported them.
func (j ExportJob) ResourceURLs() ResourceMap {
	m := make(ResourceMap)
	for _, f := range j.Outputs {
		m[f.Type] = append(m[f.Type], f.URL)
	}
	return m
}

// ResourceTypes lists the reported types in first-seen order.
func (j ExportJob) ResourceTypes() []ResourceType {
	var types []ResourceType
	seen := make(map[ResourceType]bool)
	for _, f := range j.Outputs {
		if !seen[f.Type] {
			seen[f.Type] = true
			types = append(types, f.Type)
		}
	}
	return types
}

// ResourceDocument is the raw payload (JSON or NDJSON) downloaded for one
// output file.
type ResourceDocument struct {
	ResourceType ResourceType `json:"resource_type"`
	URL          string       `json:"url"`
	Body         string       `json:"body"`
}

// WorkflowResult is the append-only list of milestones produced by a run:
// token, job location, one marker per output file, then each fetched body.
type WorkflowResult []string

type WorkflowState string

const (
	StateInit           WorkflowState = "Init"
	StateAuthenticating WorkflowState = "Authenticating"
	StateJobStarting    WorkflowState = "JobStarting"
	StatePolling        WorkflowState = "Polling"
	StateFetching       WorkflowState = "Fetching"
	StateCompleted      WorkflowState = "Completed"
	StateFailed         WorkflowState = "Failed"
	StateCancelled      WorkflowState = "Cancelled"
)

func (s WorkflowState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// FetchPolicy decides what happens to the remaining downloads once one fails.
type FetchPolicy string

const (
	FailFast   FetchPolicy = "fail-fast"
	BestEffort FetchPolicy = "best-effort"
)

func ParseFetchPolicy(s string) (FetchPolicy, error) {
	switch p := FetchPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FailFast, nil
	case FailFast, BestEffort:
		return p, nil
	}
	return "", fmt.Errorf("unsupported fetch policy %q, expected %s or %s", s, FailFast, BestEffort)
}
