package bulkdata

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/CMSgov/bcda-export/export/client"
	bcdaerrors "github.com/CMSgov/bcda-export/export/errors"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/log"
	"github.com/pkg/errors"
)

// JobStarter kicks off an asynchronous export job.
type JobStarter struct {
	client client.Client
	cfg    Config
}

func NewJobStarter(c client.Client, cfg Config) *JobStarter {
	return &JobStarter{client: c, cfg: cfg}
}

// StartJob requests a new export and returns the job's status location. The
// Content-Location header is returned exactly as the server sent it.
func (s *JobStarter) StartJob(ctx context.Context, token models.AccessToken) (string, error) {
	if token.IsZero() {
		return "", errors.New("cannot start export job without an access token")
	}

	u, err := s.requestURL()
	if err != nil {
		return "", err
	}

	logger := log.GetCtxLogger(ctx)
	logger.WithField("export_url", u).Info("Starting export job")

	resp, err := s.client.Do(ctx, &client.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{
			acceptHeader:        []string{acceptHeaderFHIRJSON},
			preferHeader:        []string{preferHeaderAsync},
			authorizationHeader: []string{bearer(token)},
		},
	})
	if err != nil {
		return "", &bcdaerrors.JobStartError{Err: errors.Wrap(err, "export kick-off request failed")}
	}

	if !resp.IsSuccess() {
		return "", &bcdaerrors.JobStartError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	locations := resp.Header.Values(contentLocationHeader)
	switch {
	case len(locations) == 0 || strings.TrimSpace(locations[0]) == "":
		return "", &bcdaerrors.UnexpectedResponseError{Step: "start", StatusCode: resp.StatusCode,
			Msg: "missing Content-Location header"}
	case len(locations) > 1:
		return "", &bcdaerrors.UnexpectedResponseError{Step: "start", StatusCode: resp.StatusCode,
			Msg: "multiple Content-Location headers"}
	}

	location := locations[0]
	parsed, err := url.Parse(location)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", &bcdaerrors.UnexpectedResponseError{Step: "start", StatusCode: resp.StatusCode,
			Msg: "Content-Location is not an absolute URL", Err: err}
	}

	logger.WithField("job_location", location).Info("Started export job")
	return location, nil
}

func (s *JobStarter) requestURL() (string, error) {
	u, err := url.Parse(s.cfg.exportURL())
	if err != nil {
		return "", errors.Wrap(err, "invalid export URL")
	}

	q := u.Query()
	if len(s.cfg.ResourceTypes) > 0 {
		types := make([]string, len(s.cfg.ResourceTypes))
		for i, t := range s.cfg.ResourceTypes {
			types[i] = string(t)
		}
		q.Set("_type", strings.Join(types, ","))
	}
	if !s.cfg.Since.IsZero() {
		q.Set("_since", s.cfg.Since.Format(fhirInstant))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
