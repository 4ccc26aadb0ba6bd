package bulkdata

import (
	"context"
	"net/http"

	"github.com/CMSgov/bcda-export/export/client"
	bcdaerrors "github.com/CMSgov/bcda-export/export/errors"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/CMSgov/bcda-export/log"
)

// ResourceFetcher downloads a single output file.
type ResourceFetcher struct {
	client client.Client
}

func NewResourceFetcher(c client.Client) *ResourceFetcher {
	return &ResourceFetcher{client: c}
}

// Fetch returns the body of the file at url unmodified. NDJSON is not split
// or parsed.
func (f *ResourceFetcher) Fetch(ctx context.Context, resourceType models.ResourceType, url string,
	token models.AccessToken) (models.ResourceDocument, error) {

	logger := log.GetCtxLogger(ctx).WithField("resource_type", resourceType)
	logger.WithField("url", url).Info("Fetching resource data")

	resp, err := f.client.Do(ctx, &client.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: http.Header{
			acceptHeader:        []string{acceptHeaderFHIRNDJSON},
			authorizationHeader: []string{bearer(token)},
		},
	})
	if err != nil {
		return models.ResourceDocument{}, &bcdaerrors.FetchError{ResourceType: resourceType, URL: url, Err: err}
	}

	if !resp.IsSuccess() {
		return models.ResourceDocument{}, &bcdaerrors.FetchError{ResourceType: resourceType, URL: url,
			StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	logger.WithField("bytes", len(resp.Body)).Info("Fetched resource data")
	return models.ResourceDocument{ResourceType: resourceType, URL: url, Body: string(resp.Body)}, nil
}
