package store

import (
	"context"
	"sync"
	"time"

	"github.com/mohae/deepcopy"
)

// MemoryStore keeps records in process memory. Every read and write copies
// the record, so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*TaskExecution
	policy  RetryPolicy
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*TaskExecution),
		policy:  DefaultRetryPolicy(),
	}
}

// WithRetryPolicy replaces the conflict retry policy
func (s *MemoryStore) WithRetryPolicy(p RetryPolicy) *MemoryStore {
	s.policy = p
	return s
}

func clone(rec *TaskExecution) *TaskExecution {
	return deepcopy.Copy(rec).(*TaskExecution).normalize()
}

// Create stores a new record
func (s *MemoryStore) Create(_ context.Context, rec *TaskExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return ErrExists
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = clone(rec)
	return nil
}

// Get returns a copy of the record
func (s *MemoryStore) Get(_ context.Context, id string) (*TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

// Update applies fn with optimistic concurrency
func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*TaskExecution, error) {
	return updateWithRetry(ctx, s, s.policy, id, fn)
}

func (s *MemoryStore) compareAndSwap(_ context.Context, rec *TaskExecution, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expected {
		return ErrConflict
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
