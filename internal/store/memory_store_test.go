package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/assetforge/api/internal/model"
)

func makeJob(id, owner string, createdAt time.Time) *model.Job {
	return &model.Job{
		ID:        id,
		Type:      model.JobTypeGeneration,
		OwnerID:   owner,
		AssetID:   "asset-" + id,
		AssetName: "Test Asset",
		Priority:  model.JobPriorityNormal,
		Status:    model.JobStatusInitializing,
		Stages: []model.Stage{
			{Name: "preview", Status: model.StageStatusPending},
		},
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)

	if err := s.Create(ctx, makeJob("j1", "user-1", created)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	job, err := s.GetByID(ctx, "j1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if job.OwnerID != "user-1" || job.Status != model.JobStatusInitializing {
		t.Errorf("unexpected job: %+v", job)
	}
	if !job.LastUpdatedAt.Equal(created) {
		t.Errorf("expected LastUpdatedAt backfilled from CreatedAt, got %v", job.LastUpdatedAt)
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, makeJob("j1", "user-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, makeJob("j1", "user-2", time.Now())); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, makeJob("j1", "user-1", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before, _ := s.GetByID(ctx, "j1")

	updated, err := s.Update(ctx, "j1", func(job *model.Job) error {
		job.Status = model.JobStatusProcessing
		job.Progress = 30
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Status != model.JobStatusProcessing || updated.Progress != 30 {
		t.Errorf("unexpected updated job: %+v", updated)
	}
	if !updated.LastUpdatedAt.After(before.LastUpdatedAt) {
		t.Error("expected LastUpdatedAt to advance on update")
	}

	stored, _ := s.GetByID(ctx, "j1")
	if stored.Progress != 30 {
		t.Errorf("update not persisted, got progress %d", stored.Progress)
	}
}

func TestMemoryStore_UpdateTerminalRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, makeJob("j1", "user-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Update(ctx, "j1", func(job *model.Job) error {
		job.Status = model.JobStatusCompleted
		job.Progress = 100
		return nil
	}); err != nil {
		t.Fatalf("Update to terminal failed: %v", err)
	}

	_, err := s.Update(ctx, "j1", func(job *model.Job) error {
		job.Progress = 0
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal job, got %v", err)
	}

	job, _ := s.GetByID(ctx, "j1")
	if job.Progress != 100 || job.Status != model.JobStatusCompleted {
		t.Errorf("terminal record changed: %+v", job)
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Update(context.Background(), "nope", func(job *model.Job) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateMutateErrorLeavesRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("mutate rejected")

	if err := s.Create(ctx, makeJob("j1", "user-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := s.Update(ctx, "j1", func(job *model.Job) error {
		job.Progress = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error to propagate, got %v", err)
	}

	job, _ := s.GetByID(ctx, "j1")
	if job.Progress != 0 {
		t.Errorf("rejected mutation leaked into store: progress %d", job.Progress)
	}
}

func TestMemoryStore_CallerCannotMutateStoredCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	original := makeJob("j1", "user-1", time.Now())
	if err := s.Create(ctx, original); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	original.Status = model.JobStatusFailed
	original.Stages[0].Status = model.StageStatusFailed

	job, _ := s.GetByID(ctx, "j1")
	if job.Status != model.JobStatusInitializing {
		t.Errorf("caller mutation leaked into store: %s", job.Status)
	}
	if job.Stages[0].Status != model.StageStatusPending {
		t.Errorf("caller stage mutation leaked into store: %s", job.Stages[0].Status)
	}

	job.Progress = 77
	again, _ := s.GetByID(ctx, "j1")
	if again.Progress != 0 {
		t.Errorf("read copy mutation leaked into store: %d", again.Progress)
	}
}

func TestMemoryStore_ListByOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"j1", "j2", "j3"} {
		if err := s.Create(ctx, makeJob(id, "user-1", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Create %s failed: %v", id, err)
		}
	}
	if err := s.Create(ctx, makeJob("other", "user-2", base)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	jobs, err := s.ListByOwner(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "j3" || jobs[1].ID != "j2" || jobs[2].ID != "j1" {
		t.Errorf("expected newest first, got %s %s %s", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}

	limited, err := s.ListByOwner(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "j3" {
		t.Errorf("expected 2 newest jobs, got %v", limited)
	}

	empty, err := s.ListByOwner(ctx, "user-3", 50)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no jobs for unknown owner, got %d", len(empty))
	}
}

func TestMemoryStore_CountByOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"j1", "j2"} {
		if err := s.Create(ctx, makeJob(id, "user-1", time.Now())); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	count, err := s.CountByOwner(ctx, "user-1")
	if err != nil {
		t.Fatalf("CountByOwner failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}

	zero, _ := s.CountByOwner(ctx, "user-9")
	if zero != 0 {
		t.Errorf("expected 0, got %d", zero)
	}
}

func TestMemoryStore_ListByStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, makeJob("j1", "user-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, makeJob("j2", "user-1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Update(ctx, "j2", func(job *model.Job) error {
		job.Status = model.JobStatusProcessing
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	processing, err := s.ListByStatus(ctx, model.JobStatusProcessing)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(processing) != 1 || processing[0].ID != "j2" {
		t.Errorf("unexpected processing jobs: %v", processing)
	}
}

func TestMemoryStore_DeleteOlderThan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := makeJob("expired", "user-1", now.Add(-48*time.Hour))
	expired.Status = model.JobStatusCompleted
	expired.ExpiresAt = &past

	fresh := makeJob("fresh", "user-1", now.Add(-time.Hour))
	fresh.Status = model.JobStatusCompleted
	fresh.ExpiresAt = &future

	active := makeJob("active", "user-1", now)

	for _, job := range []*model.Job{expired, fresh, active} {
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("Create %s failed: %v", job.ID, err)
		}
	}

	deleted, err := s.DeleteOlderThan(ctx, now, model.TerminalJobStatuses)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", deleted)
	}
	if _, err := s.GetByID(ctx, "expired"); !errors.Is(err, ErrNotFound) {
		t.Error("expected expired job removed")
	}
	if _, err := s.GetByID(ctx, "fresh"); err != nil {
		t.Error("expected unexpired job kept")
	}
	if _, err := s.GetByID(ctx, "active"); err != nil {
		t.Error("expected non-terminal job kept")
	}
}
