package store

import (
	"context"
	"errors"
	"time"

	"github.com/assetforge/api/internal/model"
)

var (
	// ErrNotFound is returned when no job exists for the given ID
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned when an update targets a job that is already
	// in a terminal status. Terminal records never change again.
	ErrConflict = errors.New("job is in a terminal state")

	// ErrDuplicateID is returned when creating a job whose ID already exists
	ErrDuplicateID = errors.New("job ID already exists")
)

// JobStore persists job records. Update is the only way to change a stored
// job: it re-reads the current record, rejects terminal ones with
// ErrConflict, applies mutate, and writes the result back atomically.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, mutate func(*model.Job) error) (*model.Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Job, error)
	CountByOwner(ctx context.Context, ownerID string) (int64, error)
	ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []model.JobStatus) (int, error)
}
