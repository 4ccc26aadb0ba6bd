package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CMSgov/bcda-export/export/models"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite
	newStore func() Store
}

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func() Store { return NewMemoryStore() }})
}

func TestFileStore(t *testing.T) {
	s := &StoreTestSuite{}
	s.newStore = func() Store {
		store, err := NewFileStore(s.T().TempDir())
		s.Require().NoError(err)
		return store
	}
	suite.Run(t, s)
}

func sampleCheckpoint() *Checkpoint {
	cp := New(uuid.New(), time.Now().UTC().Round(time.Millisecond))
	cp.State = models.StateFetching
	cp.Token = models.AccessToken{Value: "tok123"}
	cp.JobLocation = "https://host/jobs/42"
	cp.Job = &models.ExportJob{
		StatusLocation: cp.JobLocation,
		Complete:       true,
		Outputs:        []models.OutputFile{{Type: models.Patient, URL: "https://host/data/p.ndjson"}},
	}
	cp.Documents["https://host/data/p.ndjson"] = models.ResourceDocument{ResourceType: models.Patient,
		URL: "https://host/data/p.ndjson", Body: "{\"id\":\"1\"}\n{\"id\":\"2\"}"}
	cp.Result = models.WorkflowResult{"tok123", "https://host/jobs/42"}
	return cp
}

func (s *StoreTestSuite) TestCreateGetSave() {
	ctx := context.Background()
	store := s.newStore()
	cp := sampleCheckpoint()

	s.Require().NoError(store.Create(ctx, cp))
	s.ErrorIs(store.Create(ctx, cp), ErrAlreadyExists)

	loaded, err := store.Get(ctx, cp.InstanceID)
	s.Require().NoError(err)
	s.Equal(cp.Token, loaded.Token)
	s.Equal(cp.Job, loaded.Job)
	s.Equal(cp.Documents, loaded.Documents)
	s.Equal(cp.Result, loaded.Result)
	s.True(cp.CreatedAt.Equal(loaded.CreatedAt))

	loaded.State = models.StateCompleted
	loaded.Result = append(loaded.Result, "Patient https://host/data/p.ndjson")
	s.Require().NoError(store.Save(ctx, loaded))

	again, err := store.Get(ctx, cp.InstanceID)
	s.Require().NoError(err)
	s.Equal(models.StateCompleted, again.State)
	s.Len(again.Result, 3)
}

func (s *StoreTestSuite) TestReturnedCheckpointsAreCopies() {
	ctx := context.Background()
	store := s.newStore()
	cp := sampleCheckpoint()
	s.Require().NoError(store.Create(ctx, cp))

	cp.Documents["other"] = models.ResourceDocument{}
	loaded, err := store.Get(ctx, cp.InstanceID)
	s.Require().NoError(err)
	s.NotContains(loaded.Documents, "other")

	loaded.Job.Outputs[0].URL = "changed"
	again, err := store.Get(ctx, cp.InstanceID)
	s.Require().NoError(err)
	s.Equal("https://host/data/p.ndjson", again.Job.Outputs[0].URL)
}

func (s *StoreTestSuite) TestNotFound() {
	ctx := context.Background()
	store := s.newStore()

	_, err := store.Get(ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(store.Save(ctx, New("missing", time.Now())), ErrNotFound)
	s.ErrorIs(store.RequestCancel(ctx, "missing"), ErrNotFound)
}

func (s *StoreTestSuite) TestCancelRequestIsSticky() {
	ctx := context.Background()
	store := s.newStore()
	cp := sampleCheckpoint()
	s.Require().NoError(store.Create(ctx, cp))

	s.Require().NoError(store.RequestCancel(ctx, cp.InstanceID))

	// cp is stale and still has CancelRequested unset
	s.Require().NoError(store.Save(ctx, cp))

	loaded, err := store.Get(ctx, cp.InstanceID)
	s.Require().NoError(err)
	s.True(loaded.CancelRequested)
}

func (s *StoreTestSuite) TestListInterrupted() {
	ctx := context.Background()
	store := s.newStore()

	var expected []string
	for _, state := range []models.WorkflowState{models.StateInit, models.StatePolling, models.StateCompleted,
		models.StateFailed, models.StateCancelled, models.StateFetching} {
		cp := sampleCheckpoint()
		cp.State = state
		s.Require().NoError(store.Create(ctx, cp))
		if !state.IsTerminal() {
			expected = append(expected, cp.InstanceID)
		}
	}

	ids, err := store.ListInterrupted(ctx)
	s.NoError(err)
	s.ElementsMatch(expected, ids)
}

func (s *StoreTestSuite) TestDeleteFinished() {
	ctx := context.Background()
	store := s.newStore()
	cutoff := time.Now().UTC()

	old := sampleCheckpoint()
	old.State = models.StateCompleted
	old.UpdatedAt = cutoff.Add(-48 * time.Hour)
	oldFailed := sampleCheckpoint()
	oldFailed.State = models.StateFailed
	oldFailed.UpdatedAt = cutoff.Add(-time.Hour)
	recent := sampleCheckpoint()
	recent.State = models.StateCancelled
	recent.UpdatedAt = cutoff.Add(time.Minute)
	stale := sampleCheckpoint()
	stale.UpdatedAt = cutoff.Add(-48 * time.Hour)

	for _, cp := range []*Checkpoint{old, oldFailed, recent, stale} {
		s.Require().NoError(store.Create(ctx, cp))
	}

	ids, err := store.DeleteFinished(ctx, cutoff)
	s.NoError(err)
	s.ElementsMatch([]string{old.InstanceID, oldFailed.InstanceID}, ids)

	_, err = store.Get(ctx, old.InstanceID)
	s.ErrorIs(err, ErrNotFound)
	for _, cp := range []*Checkpoint{recent, stale} {
		_, err = store.Get(ctx, cp.InstanceID)
		s.NoError(err, "%s should be kept", cp.State)
	}

	ids, err = store.DeleteFinished(ctx, cutoff)
	s.NoError(err)
	s.Empty(ids)
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "nested"))
	require.NoError(t, err)

	cp := sampleCheckpoint()
	require.NoError(t, store.Create(context.Background(), cp))

	info, err := os.Stat(filepath.Join(dir, "nested", cp.InstanceID+".json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Equal(t, filepath.Join(dir, "nested", "passwd.json"), store.path("../../etc/passwd"))
}

func TestFileStoreCancelFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	worker, err := NewFileStore(dir)
	require.NoError(t, err)
	cli, err := NewFileStore(dir)
	require.NoError(t, err)

	cp := sampleCheckpoint()
	require.NoError(t, worker.Create(ctx, cp))

	require.NoError(t, cli.RequestCancel(ctx, cp.InstanceID))
	// The worker's document write lands after the cancel without merging it.
	require.NoError(t, worker.write(cp))

	loaded, err := worker.Get(ctx, cp.InstanceID)
	require.NoError(t, err)
	assert.True(t, loaded.CancelRequested)

	require.NoError(t, worker.Save(ctx, cp))
	loaded, err = cli.Get(ctx, cp.InstanceID)
	require.NoError(t, err)
	assert.True(t, loaded.CancelRequested)

	ids, err := worker.ListInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{cp.InstanceID}, ids)

	loaded.State = models.StateCancelled
	loaded.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, worker.Save(ctx, loaded))
	ids, err = cli.DeleteFinished(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{cp.InstanceID}, ids)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.EqualError(t, err, "checkpoint directory must be set")
}

func TestCloneNil(t *testing.T) {
	var cp *Checkpoint
	assert.Nil(t, cp.Clone())
}
