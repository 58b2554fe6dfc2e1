package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/assetforge/api/internal/model"
)

// maxTxRetries bounds optimistic-lock retries on contended updates
const maxTxRetries = 5

// RedisStore implements JobStore on Redis. Records live under job:<id>,
// with a per-owner ZSET (scored by creation time) and per-status sets as
// secondary indexes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed job store. ttl is a leak guard on
// job keys and must exceed the retention window; the retention sweep, not
// key expiry, is what removes finished jobs. Zero disables expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func ownerKey(ownerID string) string {
	return fmt.Sprintf("jobs:owner:%s", ownerID)
}

func statusKey(status model.JobStatus) string {
	return fmt.Sprintf("jobs:status:%s", status)
}

// Create stores a new job record and its index entries
func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	if job.LastUpdatedAt.IsZero() {
		job.LastUpdatedAt = job.CreatedAt
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return ErrDuplicateID
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, ownerKey(job.OwnerID), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: job.ID,
		})
		pipe.SAdd(ctx, statusKey(job.Status), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID
func (s *RedisStore) GetByID(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update applies mutate to the current record under a WATCH transaction.
// The write commits only if no one else touched the key in between, so a
// stale snapshot can never be written back.
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*model.Job) error) (*model.Job, error) {
	key := jobKey(id)
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if job.Status.IsTerminal() {
			return ErrConflict
		}

		oldStatus := job.Status
		if err := mutate(&job); err != nil {
			return err
		}
		job.LastUpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			if job.Status != oldStatus {
				pipe.SRem(ctx, statusKey(oldStatus), job.ID)
				pipe.SAdd(ctx, statusKey(job.Status), job.ID)
			}
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update of job %s aborted after %d contended attempts", id, maxTxRetries)
}

// ListByOwner returns the owner's jobs, newest first
func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return []*model.Job{}, nil
	}

	ids, err := s.client.ZRevRange(ctx, ownerKey(ownerID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return s.fetchJobs(ctx, ids)
}

// CountByOwner returns the owner's total job count
func (s *RedisStore) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	count, err := s.client.ZCard(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// ListByStatus returns every job currently in the given status
func (s *RedisStore) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	ids, err := s.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return s.fetchJobs(ctx, ids)
}

// DeleteOlderThan removes jobs in the given statuses whose expiry has
// passed, along with their index entries. Returns the number removed.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []model.JobStatus) (int, error) {
	deleted := 0
	for _, status := range statuses {
		jobs, err := s.ListByStatus(ctx, status)
		if err != nil {
			return deleted, err
		}
		for _, job := range jobs {
			if job.ExpiresAt == nil || job.ExpiresAt.After(cutoff) {
				continue
			}
			_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, jobKey(job.ID))
				pipe.ZRem(ctx, ownerKey(job.OwnerID), job.ID)
				pipe.SRem(ctx, statusKey(status), job.ID)
				return nil
			})
			if err != nil {
				return deleted, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// fetchJobs loads job records for the given IDs, skipping any that have
// expired out from under their index entries.
func (s *RedisStore) fetchJobs(ctx context.Context, ids []string) ([]*model.Job, error) {
	jobs := make([]*model.Job, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	for i, v := range values {
		if v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			log.Printf("[Store] Skipping corrupt job record %s: %v", ids[i], err)
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
