// Package checkpoint persists execution snapshots keyed by thread.
package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/xiaot623/conductor/internal/domain"
)

// Store is the key-value storage engine behind the adapter.
type Store interface {
	Put(ctx context.Context, cp domain.Checkpoint) error
	Get(ctx context.Context, threadID string, checkpointID int64) (*domain.Checkpoint, error)
	// List returns checkpoints of a thread ordered by id ascending.
	List(ctx context.Context, threadID string) ([]domain.Checkpoint, error)
	// Latest returns domain.ErrCheckpointNotFound when the thread has none.
	Latest(ctx context.Context, threadID string) (*domain.Checkpoint, error)
}

// MemoryStore keeps checkpoints in process memory. It backs the
// checkpoint_store=memory setting; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]domain.Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]domain.Checkpoint)}
}

// Put inserts cp, replacing a checkpoint with the same id, and keeps the
// thread sorted by id.
func (s *MemoryStore) Put(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.threads[cp.ThreadID]
	i := sort.Search(len(list), func(i int) bool { return list[i].CheckpointID >= cp.CheckpointID })
	if i < len(list) && list[i].CheckpointID == cp.CheckpointID {
		list[i] = cp
		return nil
	}
	list = append(list, domain.Checkpoint{})
	copy(list[i+1:], list[i:])
	list[i] = cp
	s.threads[cp.ThreadID] = list
	return nil
}

// Get returns one checkpoint of a thread.
func (s *MemoryStore) Get(_ context.Context, threadID string, checkpointID int64) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cp := range s.threads[threadID] {
		if cp.CheckpointID == checkpointID {
			return &cp, nil
		}
	}
	return nil, domain.ErrCheckpointNotFound
}

// List returns a copy of a thread's checkpoints, oldest first.
func (s *MemoryStore) List(_ context.Context, threadID string) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.threads[threadID]
	out := make([]domain.Checkpoint, len(list))
	copy(out, list)
	return out, nil
}

// Latest returns the checkpoint with the highest id.
func (s *MemoryStore) Latest(_ context.Context, threadID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.threads[threadID]
	if len(list) == 0 {
		return nil, domain.ErrCheckpointNotFound
	}
	cp := list[len(list)-1]
	return &cp, nil
}
