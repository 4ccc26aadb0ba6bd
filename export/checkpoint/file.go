package checkpoint

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CMSgov/bcda-export/export/models"
	"github.com/pkg/errors"
)

const (
	fileExt   = ".json"
	cancelExt = ".cancel"
)

// FileStore keeps one JSON document per instance in a directory. The mutex
// only serialises callers in this process, so a cancel request is written to
// its own marker file that Save never replaces. Another process (e.g. the
// cancel-export command) can add the marker while a worker keeps saving.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// Ensure FileStore satisfies the interface
var _ Store = &FileStore{}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory must be set")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Create(ctx context.Context, cp *Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path(cp.InstanceID)); err == nil {
		return ErrAlreadyExists
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to stat checkpoint")
	}
	return f.write(cp)
}

func (f *FileStore) Get(ctx context.Context, instanceID string) (*Checkpoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.read(instanceID)
}

func (f *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.read(cp.InstanceID)
	if err != nil {
		return err
	}
	saved := cp.Clone()
	saved.CancelRequested = saved.CancelRequested || existing.CancelRequested
	return f.write(saved)
}

func (f *FileStore) RequestCancel(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.read(instanceID); err != nil {
		return err
	}
	marker, err := os.OpenFile(f.cancelPath(instanceID), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return errors.Wrap(err, "failed to record cancel request")
	}
	return errors.Wrap(marker.Close(), "failed to record cancel request")
}

func (f *FileStore) ListInterrupted(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var ids []string
	err := f.each(func(cp *Checkpoint) error {
		if !cp.State.IsTerminal() {
			ids = append(ids, cp.InstanceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStore) DeleteFinished(ctx context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	err := f.each(func(cp *Checkpoint) error {
		if !cp.finishedBefore(cutoff) {
			return nil
		}
		if err := os.Remove(f.path(cp.InstanceID)); err != nil {
			return errors.Wrapf(err, "failed to remove checkpoint %s", cp.InstanceID)
		}
		if err := os.Remove(f.cancelPath(cp.InstanceID)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove cancel marker %s", cp.InstanceID)
		}
		ids = append(ids, cp.InstanceID)
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// each reads every checkpoint in the directory.
func (f *FileStore) each(fn func(cp *Checkpoint) error) error {
	entries, err := ioutil.ReadDir(f.dir)
	if err != nil {
		return errors.Wrap(err, "failed to read checkpoint directory")
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		cp, err := f.read(strings.TrimSuffix(entry.Name(), fileExt))
		if err != nil {
			return err
		}
		if err := fn(cp); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) read(instanceID string) (*Checkpoint, error) {
	data, err := ioutil.ReadFile(f.path(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read checkpoint")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal checkpoint %s", instanceID)
	}
	if cp.Documents == nil {
		cp.Documents = make(map[string]models.ResourceDocument)
	}
	if _, err := os.Stat(f.cancelPath(instanceID)); err == nil {
		cp.CancelRequested = true
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to stat cancel marker")
	}
	return &cp, nil
}

// write replaces the file atomically.
func (f *FileStore) write(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal checkpoint")
	}

	tmp, err := ioutil.TempFile(f.dir, "checkpoint-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}

	return errors.Wrap(os.Rename(tmp.Name(), f.path(cp.InstanceID)), "failed to write checkpoint")
}

func (f *FileStore) path(instanceID string) string {
	return filepath.Join(f.dir, baseName(instanceID)+fileExt)
}

func (f *FileStore) cancelPath(instanceID string) string {
	return filepath.Join(f.dir, baseName(instanceID)+cancelExt)
}

// baseName rejects separators so an instance id cannot escape the directory.
func baseName(instanceID string) string {
	return filepath.Base(filepath.Clean("/" + instanceID))
}
