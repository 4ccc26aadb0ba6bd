package models

import "strings"

// OperationOutcome is the subset of the FHIR OperationOutcome resource that
// bulk data servers return when an export job fails.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details"`
	Diagnostics string           `json:"diagnostics"`
	Location    []string         `json:"location"`
	Expression  []string         `json:"expression"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding"`
	Text   string   `json:"text"`
}

type Coding struct {
	System       string `json:"system"`
	Version      string `json:"version"`
	Code         string `json:"code"`
	Display      string `json:"display"`
	UserSelected bool   `json:"userSelected"`
}

// IsOperationOutcome reports whether the decoded body was an OperationOutcome.
func (o OperationOutcome) IsOperationOutcome() bool {
	return o.ResourceType == string(OperationOutcomeType)
}

// Summary joins the diagnostics (or details text) of every issue.
func (o OperationOutcome) Summary() string {
	var msgs []string
	for _, issue := range o.Issue {
		switch {
		case issue.Diagnostics != "":
			msgs = append(msgs, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Text != "":
			msgs = append(msgs, issue.Details.Text)
		default:
			msgs = append(msgs, issue.Code)
		}
	}
	return strings.Join(msgs, "; ")
}
