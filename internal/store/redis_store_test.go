package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/assetforge/api/internal/model"
)

// newRedisTestStore connects to a disposable Redis database. Set
// REDIS_TEST_ADDR (for example localhost:6379) to enable these tests.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis store tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedisStore(client, time.Hour)
}

func TestRedisStore_CreateGetUpdate(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	id := "job-" + uuid.NewString()

	job := makeJob(id, "user-1", time.Now().UTC().Truncate(time.Millisecond))
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, makeJob(id, "user-1", time.Now())); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}

	got, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != model.JobStatusInitializing {
		t.Errorf("unexpected status %s", got.Status)
	}

	updated, err := s.Update(ctx, id, func(j *model.Job) error {
		j.Status = model.JobStatusProcessing
		j.Progress = 42
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Progress != 42 {
		t.Errorf("expected progress 42, got %d", updated.Progress)
	}

	reread, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID after update failed: %v", err)
	}
	if reread.Status != model.JobStatusProcessing || reread.Progress != 42 {
		t.Errorf("update not persisted: %+v", reread)
	}
}

func TestRedisStore_TerminalGuard(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	id := "job-" + uuid.NewString()

	if err := s.Create(ctx, makeJob(id, "user-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Update(ctx, id, func(j *model.Job) error {
		j.Status = model.JobStatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, err := s.Update(ctx, id, func(j *model.Job) error {
		j.Status = model.JobStatusCompleted
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal job, got %v", err)
	}
}

func TestRedisStore_OwnerIndex(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	owner := "user-" + uuid.NewString()
	base := time.Now().UTC()

	ids := []string{"job-" + uuid.NewString(), "job-" + uuid.NewString(), "job-" + uuid.NewString()}
	for i, id := range ids {
		if err := s.Create(ctx, makeJob(id, owner, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	jobs, err := s.ListByOwner(ctx, owner, 2)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		t.Errorf("expected newest first, got %s then %s", jobs[0].ID, jobs[1].ID)
	}

	count, err := s.CountByOwner(ctx, owner)
	if err != nil {
		t.Fatalf("CountByOwner failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestRedisStore_StatusIndexFollowsTransitions(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	id := "job-" + uuid.NewString()

	if err := s.Create(ctx, makeJob(id, "user-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Update(ctx, id, func(j *model.Job) error {
		j.Status = model.JobStatusProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	processing, err := s.ListByStatus(ctx, model.JobStatusProcessing)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	found := false
	for _, j := range processing {
		if j.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("expected job in processing index after transition")
	}

	initializing, err := s.ListByStatus(ctx, model.JobStatusInitializing)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	for _, j := range initializing {
		if j.ID == id {
			t.Error("expected job removed from old status index")
		}
	}
}

func TestRedisStore_DeleteOlderThan(t *testing.T) {
	s := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	id := "job-" + uuid.NewString()
	expired := makeJob(id, "user-1", now.Add(-48*time.Hour))
	expired.Status = model.JobStatusFailed
	expired.ExpiresAt = &past
	if err := s.Create(ctx, expired); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deleted, err := s.DeleteOlderThan(ctx, now, model.TerminalJobStatuses)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", deleted)
	}
	if _, err := s.GetByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Error("expected expired job removed")
	}

	count, _ := s.CountByOwner(ctx, "user-1")
	if count != 0 {
		t.Errorf("expected owner index cleaned, got %d", count)
	}
}
