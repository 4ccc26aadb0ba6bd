package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/export/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/urfave/cli"
)

const ndjson = "{\"resourceType\":\"Patient\",\"id\":\"1\"}\n{\"resourceType\":\"Patient\",\"id\":\"2\"}\n"

// fakeBCDA serves the auth, export, status and data endpoints of a sandbox
// and counts the requests it receives.
type fakeBCDA struct {
	*httptest.Server
	mu         sync.Mutex
	calls      map[string]int
	authStatus int
}

func newFakeBCDA() *fakeBCDA {
	f := &fakeBCDA{calls: make(map[string]int), authStatus: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

func (f *fakeBCDA) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	authStatus := f.authStatus
	f.mu.Unlock()

	switch r.URL.Path {
	case "/auth/token":
		if authStatus != http.StatusOK {
			w.WriteHeader(authStatus)
			fmt.Fprint(w, `{"error":"invalid_client"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok123","expires_in":1200,"token_type":"bearer"}`)
	case "/api/v1/Patient/$export":
		w.Header().Set("Content-Location", f.URL+"/api/v1/jobs/42")
		w.WriteHeader(http.StatusAccepted)
	case "/api/v1/jobs/42":
		fmt.Fprintf(w, `{"transactionTime":"2020-02-13T08:00:00.000-05:00","request":"%s/api/v1/Patient/$export",`+
			`"requiresAccessToken":true,"output":[{"type":"Patient","url":"%s/data/42/p.ndjson"}],"error":[]}`, f.URL, f.URL)
	case "/data/42/p.ndjson":
		w.Header().Set("Content-Type", "application/fhir+ndjson")
		fmt.Fprint(w, ndjson)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBCDA) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeBCDA) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		n += c
	}
	return n
}

type CLITestSuite struct {
	suite.Suite
	bcda     *fakeBCDA
	exitCode int
	origExit func(int)
	origErr  io.Writer
}

func (s *CLITestSuite) SetupTest() {
	s.bcda = newFakeBCDA()
	s.exitCode = 0

	s.origExit, s.origErr = cli.OsExiter, cli.ErrWriter
	cli.OsExiter = func(code int) { s.exitCode = code }
	cli.ErrWriter = io.Discard

	s.setEnv("BCDA_EXPORT_BASE_URL", s.bcda.URL)
	s.setEnv("BCDA_AUTH_CREDENTIAL", "client:secret")
	s.setEnv("BCDA_AUTH_CREDENTIAL_PARAMETER", "")
	s.setEnv("BCDA_CHECKPOINT_STORE", "file")
	s.setEnv("BCDA_CHECKPOINT_DIR", s.T().TempDir())
	for _, key := range []string{"BCDA_AUTH_PATH", "BCDA_EXPORT_PATH", "BCDA_EXPORT_RESOURCE_TYPES",
		"BCDA_EXPORT_SINCE", "BCDA_FETCH_POLICY", "BCDA_FETCH_RESOURCE_TYPES", "BCDA_FETCH_CONCURRENCY"} {
		s.setEnv(key, "")
	}
}

func (s *CLITestSuite) TearDownTest() {
	s.bcda.Close()
	cli.OsExiter, cli.ErrWriter = s.origExit, s.origErr
}

func TestCLITestSuite(t *testing.T) {
	suite.Run(t, new(CLITestSuite))
}

func (s *CLITestSuite) setEnv(key, value string) {
	t := s.T()
	orig, ok := conf.LookupEnv(key)
	require.NoError(t, conf.SetEnv(t, key, value))
	t.Cleanup(func() {
		if ok {
			assert.NoError(t, conf.SetEnv(t, key, orig))
		} else {
			assert.NoError(t, conf.UnsetEnv(t, key))
		}
	})
}

// run executes the command line on a fresh app and returns its output.
func (s *CLITestSuite) run(args ...string) (string, error) {
	app := GetApp()
	buf := new(bytes.Buffer)
	app.Writer = buf
	err := app.Run(append([]string{Name}, args...))
	return buf.String(), err
}

func (s *CLITestSuite) TestSetup() {
	app := setUpApp()
	s.Equal(Name, app.Name)
	s.Equal(Usage, app.Usage)

	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
	}
	s.ElementsMatch([]string{"start-export", "resume-export", "export-status", "cancel-export",
		"export-files", "cleanup-workflows", "start-api", "start-worker", "migrate"}, names)
}

func (s *CLITestSuite) TestStartExport() {
	out, err := s.run("start-export")
	s.Require().NoError(err)

	id, result := splitOutput(s.T(), out)
	s.NotEmpty(id)
	s.Equal(models.WorkflowResult{
		"tok123",
		s.bcda.URL + "/api/v1/jobs/42",
		"Patient " + s.bcda.URL + "/data/42/p.ndjson",
		ndjson,
	}, result)
	s.Equal(1, s.bcda.count("/auth/token"))
	s.Equal(1, s.bcda.count("/api/v1/Patient/$export"))
	s.Equal(1, s.bcda.count("/api/v1/jobs/42"))
	s.Equal(1, s.bcda.count("/data/42/p.ndjson"))

	// A completed workflow replays its result without contacting the server.
	calls := s.bcda.total()
	out, err = s.run("resume-export", "--id", id)
	s.Require().NoError(err)
	var replayed models.WorkflowResult
	s.Require().NoError(json.Unmarshal([]byte(out), &replayed))
	s.Equal(result, replayed)
	s.Equal(calls, s.bcda.total())

	out, err = s.run("export-status", "--id", id)
	s.Require().NoError(err)
	var status map[string]interface{}
	s.Require().NoError(json.Unmarshal([]byte(out), &status))
	s.Equal(id, status["id"])
	s.Equal(string(models.StateCompleted), status["state"])
	s.EqualValues(1, status["fetched"])
	s.NotContains(out, "tok123")

	_, err = s.run("cancel-export", "--id", id)
	s.EqualError(err, "workflow already finished")
}

func (s *CLITestSuite) TestStartExportAuthFailure() {
	s.bcda.authStatus = http.StatusUnauthorized

	out, err := s.run("start-export")
	s.Require().Error(err)
	s.Equal(workflowFailedCode, s.exitCode)
	s.Contains(err.Error(), "401")
	s.Equal(0, s.bcda.count("/api/v1/Patient/$export"))

	id := strings.TrimSpace(out)
	out, err = s.run("export-status", "--id", id)
	s.Require().NoError(err)
	s.Contains(out, `"state": "Failed"`)
	s.Contains(out, `"error_kind": "AuthError"`)

	out, err = s.run("export-status")
	s.Require().NoError(err)
	s.Empty(strings.TrimSpace(out), "failed workflows are not interrupted")
}

func (s *CLITestSuite) TestResumeAll() {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	s.Require().NoError(err)
	first, err := rt.workflows.Start(ctx)
	s.Require().NoError(err)
	second, err := rt.workflows.Start(ctx)
	s.Require().NoError(err)
	rt.Close()

	out, err := s.run("export-status")
	s.Require().NoError(err)
	s.ElementsMatch([]string{first, second}, strings.Fields(out))

	_, err = s.run("resume-export", "--all")
	s.Require().NoError(err)
	s.Equal(2, s.bcda.count("/auth/token"))

	out, err = s.run("export-status")
	s.Require().NoError(err)
	s.Empty(strings.TrimSpace(out))
}

func (s *CLITestSuite) TestCancelBeforeRun() {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	s.Require().NoError(err)
	id, err := rt.workflows.Start(ctx)
	s.Require().NoError(err)
	rt.Close()

	out, err := s.run("cancel-export", "--id", id)
	s.Require().NoError(err)
	s.Equal("Cancellation requested\n", out)

	_, err = s.run("resume-export", "--id", id)
	s.Require().Error(err)
	s.Equal(workflowFailedCode, s.exitCode)
	s.Equal(0, s.bcda.total())
}

func (s *CLITestSuite) TestMissingArguments() {
	_, err := s.run("resume-export")
	s.EqualError(err, "one of --id or --all must be provided")

	_, err = s.run("cancel-export")
	s.EqualError(err, "instance ID (--id) must be provided")
}

func (s *CLITestSuite) TestRuntimeConfigErrors() {
	s.setEnv("BCDA_CHECKPOINT_STORE", "s3")
	_, err := newRuntime(context.Background())
	s.EqualError(err, `unsupported BCDA_CHECKPOINT_STORE "s3"`)

	s.setEnv("BCDA_CHECKPOINT_STORE", "memory")
	rt, err := newRuntime(context.Background())
	s.Require().NoError(err)
	rt.Close()

	s.setEnv("BCDA_AUTH_CREDENTIAL", "no-secret")
	_, err = newRuntime(context.Background())
	s.ErrorIs(err, models.ErrInvalidCredential)

	s.setEnv("BCDA_EXPORT_BASE_URL", "")
	_, err = newRuntime(context.Background())
	s.Require().Error(err)
	s.Contains(err.Error(), "BCDA_EXPORT_BASE_URL must be set")
}

// splitOutput separates the instance id line printed by start-export from
// the JSON result that follows it.
func splitOutput(t *testing.T, out string) (string, models.WorkflowResult) {
	parts := strings.SplitN(out, "\n", 2)
	require.Len(t, parts, 2)
	var result models.WorkflowResult
	require.NoError(t, json.Unmarshal([]byte(parts[1]), &result))
	return parts[0], result
}

func (s *CLITestSuite) TestCleanupWorkflows() {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	s.Require().NoError(err)
	cancelled, err := rt.workflows.Start(ctx)
	s.Require().NoError(err)
	pending, err := rt.workflows.Start(ctx)
	s.Require().NoError(err)
	s.Require().NoError(rt.workflows.Cancel(ctx, cancelled))
	_, err = rt.workflows.Run(ctx, cancelled)
	s.Require().Error(err)
	rt.Close()

	out, err := s.run("cleanup-workflows")
	s.Require().NoError(err)
	s.Empty(strings.TrimSpace(out), "nothing is older than the default threshold")

	out, err = s.run("cleanup-workflows", "--threshold", "0")
	s.Require().NoError(err)
	s.Equal(cancelled+"\n", out)

	out, err = s.run("export-status")
	s.Require().NoError(err)
	s.Equal(pending+"\n", out)

	_, err = s.run("cleanup-workflows", "--threshold", "-1")
	s.EqualError(err, "threshold must not be negative")
}

func (s *CLITestSuite) TestExportFiles() {
	dir := s.T().TempDir()
	s.setEnv("BCDA_EXPORT_OUTPUT", dir)

	out, err := s.run("start-export")
	s.Require().NoError(err)
	id, _ := splitOutput(s.T(), out)

	out, err = s.run("export-files", "--id", id)
	s.Require().NoError(err)
	path := filepath.Join(dir, id, "Patient-1.ndjson")
	s.Equal(path+"\n", out)
	data, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal(ndjson, string(data))

	other := s.T().TempDir()
	out, err = s.run("export-files", "--id", id, "--dest", other)
	s.Require().NoError(err)
	s.Equal(filepath.Join(other, id, "Patient-1.ndjson")+"\n", out)

	_, err = s.run("export-files")
	s.EqualError(err, "instance ID (--id) must be provided")
}
