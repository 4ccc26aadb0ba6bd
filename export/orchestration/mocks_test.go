package orchestration

import (
	"context"
	"strings"
	"sync"

	"github.com/CMSgov/bcda-export/export/bulkdata"
	"github.com/CMSgov/bcda-export/export/client"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/stretchr/testify/mock"
)

type mockAuth struct{ mock.Mock }

func (m *mockAuth) AcquireToken(ctx context.Context, cred models.Credential) (models.AccessToken, error) {
	args := m.Called(ctx, cred)
	return args.Get(0).(models.AccessToken), args.Error(1)
}

type mockStarter struct{ mock.Mock }

func (m *mockStarter) StartJob(ctx context.Context, token models.AccessToken) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

type mockPoller struct{ mock.Mock }

func (m *mockPoller) Poll(ctx context.Context, job models.ExportJob, opts bulkdata.PollOptions) (models.ExportJob, error) {
	args := m.Called(ctx, job, opts)
	return args.Get(0).(models.ExportJob), args.Error(1)
}

type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) Fetch(ctx context.Context, resourceType models.ResourceType, url string,
	token models.AccessToken) (models.ResourceDocument, error) {
	args := m.Called(ctx, resourceType, url, token)
	return args.Get(0).(models.ResourceDocument), args.Error(1)
}

// routeClient answers by "METHOD url" (query string ignored) with a fixed
// sequence of responses, repeating the last one.
type routeClient struct {
	mu        sync.Mutex
	responses map[string][]*client.Response
	calls     map[string]int
	requests  []*client.Request
}

func newRouteClient() *routeClient {
	return &routeClient{responses: make(map[string][]*client.Response), calls: make(map[string]int)}
}

func (c *routeClient) on(method, url string, responses ...*client.Response) {
	c.responses[method+" "+url] = responses
}

func (c *routeClient) Do(ctx context.Context, req *client.Request) (*client.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := req.Method + " " + strings.SplitN(req.URL, "?", 2)[0]
	c.requests = append(c.requests, req)
	responses, ok := c.responses[key]
	if !ok {
		return &client.Response{StatusCode: 404, Body: []byte("no route for " + key)}, nil
	}
	i := c.calls[key]
	c.calls[key]++
	if i >= len(responses) {
		i = len(responses) - 1
	}
	return responses[i], nil
}

func (c *routeClient) count(method, url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method+" "+url]
}

func (c *routeClient) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
