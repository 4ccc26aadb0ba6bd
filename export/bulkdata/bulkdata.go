// Package bulkdata implements the remote steps of a bulk data export against a
// BCDA style API: token acquisition, job kick-off, status polling and output
// file download. Every step takes its inputs explicitly and reports failures
// with the typed errors from export/errors.
package bulkdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/CMSgov/bcda-export/export/models"
)

// Header constants
const (
	acceptHeader           = "Accept"
	acceptHeaderJSON       = "application/json"
	acceptHeaderFHIRJSON   = "application/fhir+json"
	acceptHeaderFHIRNDJSON = "application/fhir+ndjson"

	preferHeader      = "Prefer"
	preferHeaderAsync = "respond-async"

	authorizationHeader = "Authorization"

	contentLocationHeader = "Content-Location"
	retryAfterHeader      = "Retry-After"
	xProgressHeader       = "X-Progress"
)

// Default endpoint locations, relative to Config.BaseURL.
const (
	DefaultAuthPath   = "/auth/token"
	DefaultExportPath = "/api/v1/Patient/$export"
)

// fhirInstant is the layout the export endpoint accepts for _since.
const fhirInstant = "2006-01-02T15:04:05.000-07:00"

// Config locates the bulk data API.
type Config struct {
	BaseURL    string
	AuthPath   string
	ExportPath string

	// ResourceTypes restricts the export (_type); empty means every type.
	ResourceTypes []models.ResourceType
	// Since limits the export to data updated after it (_since) when non-zero.
	Since time.Time
}

func (c Config) authURL() string {
	return joinURL(c.BaseURL, c.AuthPath, DefaultAuthPath)
}

func (c Config) exportURL() string {
	return joinURL(c.BaseURL, c.ExportPath, DefaultExportPath)
}

func joinURL(base, path, def string) string {
	if path == "" {
		path = def
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func bearer(token models.AccessToken) string {
	return fmt.Sprintf("Bearer %s", token.Value)
}
