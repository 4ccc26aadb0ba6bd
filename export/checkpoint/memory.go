package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process. Nothing survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// Ensure MemoryStore satisfies the interface
var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

func (m *MemoryStore) Create(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpoints[cp.InstanceID]; ok {
		return ErrAlreadyExists
	}
	m.checkpoints[cp.InstanceID] = cp.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, instanceID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.checkpoints[cp.InstanceID]
	if !ok {
		return ErrNotFound
	}
	saved := cp.Clone()
	saved.CancelRequested = saved.CancelRequested || existing.CancelRequested
	m.checkpoints[cp.InstanceID] = saved
	return nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[instanceID]
	if !ok {
		return ErrNotFound
	}
	cp.CancelRequested = true
	return nil
}

func (m *MemoryStore) ListInterrupted(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, cp := range m.checkpoints {
		if !cp.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) DeleteFinished(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, cp := range m.checkpoints {
		if cp.finishedBefore(cutoff) {
			delete(m.checkpoints, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
