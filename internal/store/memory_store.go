package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/assetforge/api/internal/model"
)

// MemoryStore implements JobStore in process memory. It mirrors the Redis
// store's semantics, including the terminal-update guard, and backs tests
// and single-node development runs.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
}

// NewMemoryStore creates an empty in-memory job store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*model.Job)}
}

// Create stores a new job record
func (s *MemoryStore) Create(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateID
	}
	if job.LastUpdatedAt.IsZero() {
		job.LastUpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetByID retrieves a job by ID
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Update applies mutate to the current record under the store lock
func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status.IsTerminal() {
		return nil, ErrConflict
	}

	job := current.Clone()
	if err := mutate(job); err != nil {
		return nil, err
	}
	job.LastUpdatedAt = time.Now().UTC()

	s.jobs[id] = job
	return job.Clone(), nil
}

// ListByOwner returns the owner's jobs, newest first
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			owned = append(owned, job)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return owned[i].ID < owned[j].ID
	})

	if limit <= 0 {
		return []*model.Job{}, nil
	}
	if limit < len(owned) {
		owned = owned[:limit]
	}

	result := make([]*model.Job, len(owned))
	for i, job := range owned {
		result[i] = job.Clone()
	}
	return result, nil
}

// CountByOwner returns the owner's total job count
func (s *MemoryStore) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

// ListByStatus returns every job currently in the given status
func (s *MemoryStore) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*model.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	return jobs, nil
}

// DeleteOlderThan removes jobs in the given statuses whose expiry has passed
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []model.JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[model.JobStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	deleted := 0
	for id, job := range s.jobs {
		if !wanted[job.Status] {
			continue
		}
		if job.ExpiresAt == nil || job.ExpiresAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		deleted++
	}
	return deleted, nil
}
