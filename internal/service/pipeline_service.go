package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/assetforge/api/internal/client"
	"github.com/assetforge/api/internal/config"
	"github.com/assetforge/api/internal/metrics"
	"github.com/assetforge/api/internal/model"
	"github.com/assetforge/api/internal/store"
)

var (
	// ErrForbidden is returned when a caller targets another user's job
	ErrForbidden = errors.New("access denied")

	// ErrValidation marks request-level validation failures
	ErrValidation = errors.New("invalid request")
)

// InvalidStateError is returned when cancelling a job that already finished
type InvalidStateError struct {
	Status model.JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("Cannot cancel: already %s", e.Status)
}

// Identity is the authenticated caller
type Identity struct {
	UserID string
	Admin  bool
}

// TaskTypeAdvance is the queued tick that drives one job forward
const TaskTypeAdvance = "pipeline:advance"

// AdvancePayload is the advance task body
type AdvancePayload struct {
	JobID string `json:"jobId"`
}

// NewAdvanceTask builds an advance tick for the given job
func NewAdvanceTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(AdvancePayload{JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeAdvance, payload), nil
}

// TaskEnqueuer enqueues background tasks
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueStatsProvider reports per-queue task counts
type QueueStatsProvider interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Broadcaster pushes job events to connected subscribers
type Broadcaster interface {
	BroadcastEvent(event *model.JobEvent)
}

var defaultGenerationStages = []string{"preview", "refine"}

// PipelineService owns the job lifecycle: submission, the advance tick
// that polls the provider, cancellation, and queries. All state lives in
// the store; the service itself holds nothing per job, so any number of
// replicas can advance any job.
type PipelineService struct {
	store     store.JobStore
	tasks     client.TaskAPI
	publisher *Publisher
	enqueuer  TaskEnqueuer
	stats     QueueStatsProvider
	hub       Broadcaster
	cfg       *config.PipelineConfig

	now func() time.Time
}

// NewPipelineService creates the pipeline service
func NewPipelineService(
	jobStore store.JobStore,
	tasks client.TaskAPI,
	publisher *Publisher,
	enqueuer TaskEnqueuer,
	stats QueueStatsProvider,
	hub Broadcaster,
	cfg *config.PipelineConfig,
) *PipelineService {
	return &PipelineService{
		store:     jobStore,
		tasks:     tasks,
		publisher: publisher,
		enqueuer:  enqueuer,
		stats:     stats,
		hub:       hub,
		cfg:       cfg,
		now:       time.Now,
	}
}

// PollInterval is the delay between advance ticks for one job
func (s *PipelineService) PollInterval() time.Duration {
	if s.cfg.PollInterval > 0 {
		return s.cfg.PollInterval
	}
	return 5 * time.Second
}

// CreateGenerationJob accepts a text-to-3D job and schedules its first tick
func (s *PipelineService) CreateGenerationJob(ctx context.Context, identity Identity, req *model.GenerateRequest) (*model.Job, error) {
	stages, err := normalizeGenerationStages(req.Stages)
	if err != nil {
		return nil, err
	}
	return s.createJob(ctx, identity, model.JobTypeGeneration, req.AssetName, string(req.Priority), stages, req)
}

// CreateRetextureJob accepts a retexture job and schedules its first tick
func (s *PipelineService) CreateRetextureJob(ctx context.Context, identity Identity, req *model.RetextureRequest) (*model.Job, error) {
	if req.BaseAssetID == "" && req.BaseModelURL == "" {
		return nil, fmt.Errorf("%w: either baseAssetId or baseModelUrl is required", ErrValidation)
	}
	return s.createJob(ctx, identity, model.JobTypeRetexture, req.AssetName, string(req.Priority), []string{"retexture"}, req)
}

func (s *PipelineService) createJob(ctx context.Context, identity Identity, jobType model.JobType, assetName, priority string, stageNames []string, request interface{}) (*model.Job, error) {
	cfg, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job config: %w", err)
	}

	jobPriority := model.JobPriority(priority)
	if jobPriority == "" {
		jobPriority = model.JobPriorityNormal
	}

	stages := make([]model.Stage, len(stageNames))
	for i, name := range stageNames {
		stages[i] = model.Stage{Name: name, Status: model.StageStatusPending}
	}

	now := s.now().UTC()
	job := &model.Job{
		ID:        "pipeline-" + uuid.NewString(),
		Type:      jobType,
		OwnerID:   identity.UserID,
		AssetID:   "asset-" + uuid.NewString(),
		AssetName: assetName,
		Priority:  jobPriority,
		Config:    cfg,
		Status:    model.JobStatusInitializing,
		Progress:  0,
		Stages:    stages,
		CreatedAt: now,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.JobsCreatedTotal.WithLabelValues(string(jobType)).Inc()
	metrics.JobsProcessing.Inc()

	if err := s.enqueueAdvance(job, 0); err != nil {
		// the job is persisted; the stall scan will pick it up
		log.Printf("[Pipeline] Failed to enqueue first tick for job %s: %v", job.ID, err)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Printf("[Pipeline] Created %s job %s (asset %s, priority %s) for user %s",
		jobType, job.ID, job.AssetID, jobPriority, identity.UserID)
	return job, nil
}

func normalizeGenerationStages(stages []string) ([]string, error) {
	if len(stages) == 0 {
		return defaultGenerationStages, nil
	}
	seen := make(map[string]bool, len(stages))
	for _, stage := range stages {
		if stage != "preview" && stage != "refine" {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrValidation, stage)
		}
		if seen[stage] {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrValidation, stage)
		}
		seen[stage] = true
	}
	return stages, nil
}

func (s *PipelineService) enqueueAdvance(job *model.Job, delay time.Duration) error {
	task, err := NewAdvanceTask(job.ID)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(job.Priority.Queue()),
		asynq.MaxRetry(3),
		asynq.Retention(time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = s.enqueuer.Enqueue(task, opts...)
	return err
}

// ScheduleNextTick enqueues the next advance tick for a still-running job
func (s *PipelineService) ScheduleNextTick(job *model.Job) error {
	return s.enqueueAdvance(job, s.PollInterval())
}

// Advance moves one job one step forward: start the next stage, poll the
// running task, or finish the job. It is idempotent and safe to call at
// any time for any job; a terminal job is a no-op. The returned job is the
// state after this tick.
func (s *PipelineService) Advance(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, nil
	}

	if s.timedOut(job) {
		return s.failJob(ctx, job, currentStageName(job),
			fmt.Sprintf("job timeout: exceeded maximum duration of %s", s.cfg.MaxJobDuration))
	}

	stage := job.CurrentStage()
	if stage == nil {
		return s.finalize(ctx, job)
	}
	if stage.TaskID == "" {
		return s.startStage(ctx, job, stage.Name)
	}
	return s.pollStage(ctx, job, stage)
}

func (s *PipelineService) timedOut(job *model.Job) bool {
	if s.cfg.MaxJobDuration <= 0 {
		return false
	}
	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	return s.now().Sub(started) > s.cfg.MaxJobDuration
}

func currentStageName(job *model.Job) string {
	if stage := job.CurrentStage(); stage != nil {
		return stage.Name
	}
	return ""
}

// startStage submits the stage to the provider and records the new task.
// The remote call happens before the write, so a crash in between leaves a
// stage with no task; the next tick simply submits again.
func (s *PipelineService) startStage(ctx context.Context, job *model.Job, stageName string) (*model.Job, error) {
	req := &client.StartTaskRequest{
		JobType:   job.Type,
		Stage:     stageName,
		AssetName: job.AssetName,
		Config:    job.Config,
	}
	if prior := priorStage(job, stageName); prior != nil {
		req.PriorTaskID = prior.TaskID
		req.PriorOutputURLs = prior.OutputURLs
	}

	taskID, err := s.tasks.StartTask(ctx, req)
	if err != nil {
		return s.failJob(ctx, job, stageName, fmt.Sprintf("failed to start %s task: %v", stageName, err))
	}

	now := s.now().UTC()
	updated, applied, err := s.applyUpdate(ctx, job.ID, func(j *model.Job) error {
		stage := j.FindStage(stageName)
		if stage == nil {
			return fmt.Errorf("stage %q missing from job %s", stageName, j.ID)
		}
		stage.Status = model.StageStatusRunning
		stage.TaskID = taskID
		stage.StartedAt = &now
		j.TaskID = taskID
		if j.Status == model.JobStatusInitializing {
			j.Status = model.JobStatusProcessing
			j.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		log.Printf("[Pipeline] Job %s stage %s started (task %s)", job.ID, stageName, taskID)
		s.broadcastProgress(updated, stageName)
	}
	return updated, nil
}

// priorStage returns the stage immediately before the named one
func priorStage(job *model.Job, stageName string) *model.Stage {
	for i := range job.Stages {
		if job.Stages[i].Name == stageName {
			if i == 0 {
				return nil
			}
			return &job.Stages[i-1]
		}
	}
	return nil
}

// pollStage checks the running task once and folds the result into the job
func (s *PipelineService) pollStage(ctx context.Context, job *model.Job, stage *model.Stage) (*model.Job, error) {
	status, err := s.tasks.GetTaskStatus(ctx, stage.TaskID)
	if err != nil {
		return s.failJob(ctx, job, stage.Name, fmt.Sprintf("status check failed: %v", err))
	}

	switch status.Status {
	case client.RemoteSucceeded:
		return s.completeStage(ctx, job, stage.Name, status)
	case client.RemoteFailed:
		message := status.ErrorMessage
		if message == "" {
			message = "task failed without detail"
		}
		return s.failJob(ctx, job, stage.Name, message)
	case client.RemoteCanceled:
		return s.failJob(ctx, job, stage.Name, "upstream task was canceled")
	case client.RemoteExpired:
		return s.failJob(ctx, job, stage.Name, "upstream task expired before completion")
	default:
		return s.recordProgress(ctx, job, stage.Name, status.Progress)
	}
}

// recordProgress folds a PENDING or IN_PROGRESS poll into the job. The
// write happens even when nothing moved; the refreshed LastUpdatedAt is
// the heartbeat the stall scan watches.
func (s *PipelineService) recordProgress(ctx context.Context, job *model.Job, stageName string, remote int) (*model.Job, error) {
	updated, applied, err := s.applyUpdate(ctx, job.ID, func(j *model.Job) error {
		stage := j.FindStage(stageName)
		if stage == nil {
			return fmt.Errorf("stage %q missing from job %s", stageName, j.ID)
		}
		if remote > stage.Progress {
			stage.Progress = remote
		}
		if p := overallProgress(j); p > j.Progress {
			j.Progress = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		s.broadcastProgress(updated, stageName)
	}
	return updated, nil
}

// completeStage records the stage's results, then either hands off to the
// next stage or finalizes the job. Result URLs are persisted before any
// publish attempt so a failed publish never loses them.
func (s *PipelineService) completeStage(ctx context.Context, job *model.Job, stageName string, status *client.TaskStatus) (*model.Job, error) {
	now := s.now().UTC()
	updated, applied, err := s.applyUpdate(ctx, job.ID, func(j *model.Job) error {
		stage := j.FindStage(stageName)
		if stage == nil {
			return fmt.Errorf("stage %q missing from job %s", stageName, j.ID)
		}
		stage.Status = model.StageStatusSucceeded
		stage.Progress = 100
		stage.OutputURLs = status.ResultURLs
		stage.EndedAt = &now
		if j.Results == nil {
			j.Results = make(map[string][]string)
		}
		j.Results[stageName] = status.ResultURLs
		j.TaskID = ""
		if p := overallProgress(j); p > j.Progress {
			j.Progress = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return updated, nil
	}

	log.Printf("[Pipeline] Job %s stage %s succeeded (%d results)", job.ID, stageName, len(status.ResultURLs))
	s.broadcastProgress(updated, stageName)

	if updated.CurrentStage() == nil {
		return s.finalize(ctx, updated)
	}
	return updated, nil
}

// finalize publishes the finished job's artifacts and marks it completed
func (s *PipelineService) finalize(ctx context.Context, job *model.Job) (*model.Job, error) {
	result, err := s.publisher.Publish(ctx, job)
	if err != nil {
		return s.failJob(ctx, job, "", err.Error())
	}

	now := s.now().UTC()
	expires := now.Add(s.retention())
	updated, applied, err := s.applyUpdate(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusCompleted
		j.Progress = 100
		j.Artifact = &model.Artifact{URL: result.PrimaryURL, FileURLs: result.FileURLs}
		j.CompletedAt = &now
		j.ExpiresAt = &expires
		j.TaskID = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.JobsTerminalTotal.WithLabelValues(string(model.JobStatusCompleted)).Inc()
		metrics.JobsProcessing.Dec()
		log.Printf("[Pipeline] Job %s completed: %s", job.ID, result.PrimaryURL)
		s.broadcastTerminal(updated, model.EventTypeComplete, "")
	}
	return updated, nil
}

// failJob moves the job to failed with the given error message. Results
// already recorded stay on the job.
func (s *PipelineService) failJob(ctx context.Context, job *model.Job, stageName, message string) (*model.Job, error) {
	now := s.now().UTC()
	expires := now.Add(s.retention())
	updated, applied, err := s.applyUpdate(ctx, job.ID, func(j *model.Job) error {
		j.Status = model.JobStatusFailed
		j.Error = &model.JobError{Message: message, Stage: stageName}
		j.CompletedAt = &now
		j.ExpiresAt = &expires
		j.TaskID = ""
		if stage := j.FindStage(stageName); stage != nil && stage.Status != model.StageStatusSucceeded {
			stage.Status = model.StageStatusFailed
			stage.Error = message
			stage.EndedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.JobsTerminalTotal.WithLabelValues(string(model.JobStatusFailed)).Inc()
		metrics.JobsProcessing.Dec()
		log.Printf("[Pipeline] Job %s failed: %s", job.ID, message)
		s.broadcastTerminal(updated, model.EventTypeError, message)
	}
	return updated, nil
}

// applyUpdate runs a guarded store update. A conflict means the job went
// terminal between our read and write; the late mutation is dropped and
// the current record returned.
func (s *PipelineService) applyUpdate(ctx context.Context, jobID string, mutate func(*model.Job) error) (*model.Job, bool, error) {
	updated, err := s.store.Update(ctx, jobID, mutate)
	if err == nil {
		return updated, true, nil
	}
	if errors.Is(err, store.ErrConflict) {
		log.Printf("[Pipeline] Dropping late update for job %s: already terminal", jobID)
		current, gerr := s.store.GetByID(ctx, jobID)
		if gerr != nil {
			return nil, false, gerr
		}
		return current, false, nil
	}
	return nil, false, err
}

// overallProgress spreads the stage list evenly across 0-100
func overallProgress(job *model.Job) int {
	total := len(job.Stages)
	if total == 0 {
		return 0
	}
	done := 0
	current := 0
	for _, stage := range job.Stages {
		if stage.Status == model.StageStatusSucceeded {
			done++
		}
	}
	if stage := job.CurrentStage(); stage != nil {
		current = stage.Progress
	}
	p := (done*100 + current) / total
	if p > 100 {
		p = 100
	}
	return p
}

func (s *PipelineService) retention() time.Duration {
	if s.cfg.Retention > 0 {
		return s.cfg.Retention
	}
	return 30 * 24 * time.Hour
}

// Cancel moves a non-terminal job to cancelled. The running upstream task,
// if any, is left to finish on its own; later poll results for it are
// rejected by the terminal guard.
func (s *PipelineService) Cancel(ctx context.Context, identity Identity, jobID string) (*model.Job, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !identity.Admin && job.OwnerID != identity.UserID {
		return nil, ErrForbidden
	}
	if job.IsTerminal() {
		return nil, &InvalidStateError{Status: job.Status}
	}

	now := s.now().UTC()
	expires := now.Add(s.retention())
	updated, err := s.store.Update(ctx, jobID, func(j *model.Job) error {
		j.Status = model.JobStatusCancelled
		j.CompletedAt = &now
		j.ExpiresAt = &expires
		j.TaskID = ""
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		// lost the race against a terminal transition
		current, gerr := s.store.GetByID(ctx, jobID)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &InvalidStateError{Status: current.Status}
	}
	if err != nil {
		return nil, err
	}

	metrics.JobsTerminalTotal.WithLabelValues(string(model.JobStatusCancelled)).Inc()
	metrics.JobsProcessing.Dec()
	log.Printf("[Pipeline] Job %s cancelled by user %s", jobID, identity.UserID)
	s.broadcastTerminal(updated, model.EventTypeCancelled, "")
	return updated, nil
}

// GetJob returns one job, enforcing ownership
func (s *PipelineService) GetJob(ctx context.Context, identity Identity, jobID string) (*model.Job, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !identity.Admin && job.OwnerID != identity.UserID {
		return nil, ErrForbidden
	}
	return job, nil
}

// ListJobsForUser returns the user's jobs, newest first
func (s *PipelineService) ListJobsForUser(ctx context.Context, identity Identity, userID string, limit int) (*model.JobListResponse, error) {
	if !identity.Admin && identity.UserID != userID {
		return nil, ErrForbidden
	}
	if limit <= 0 {
		limit = 50
	}

	jobs, err := s.store.ListByOwner(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]*model.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summary())
	}
	return &model.JobListResponse{Jobs: summaries, Total: total}, nil
}

// QueueStats reports queued advance ticks per priority queue
func (s *PipelineService) QueueStats(ctx context.Context) (*model.QueueStatsResponse, error) {
	counts := model.QueueCounts{}
	for _, priority := range model.ValidJobPriorities {
		info, err := s.stats.GetQueueInfo(priority.Queue())
		if err != nil {
			// asynq creates queues lazily; until the first enqueue the
			// inspector reports them as missing. Count those as empty.
			if errors.Is(err, asynq.ErrQueueNotFound) || strings.Contains(err.Error(), "does not exist") {
				continue
			}
			return nil, fmt.Errorf("failed to inspect queue %s: %w", priority.Queue(), err)
		}
		n := info.Pending + info.Active + info.Scheduled + info.Retry
		switch priority {
		case model.JobPriorityHigh:
			counts.High = n
		case model.JobPriorityNormal:
			counts.Normal = n
		case model.JobPriorityLow:
			counts.Low = n
		}
	}
	return &model.QueueStatsResponse{
		Queues:    counts,
		Total:     counts.High + counts.Normal + counts.Low,
		Timestamp: s.now().UTC(),
	}, nil
}

// RequeueStalledJobs re-enqueues ticks for jobs whose heartbeat went quiet.
// Duplicate ticks are harmless; Advance is idempotent and the terminal
// guard drops whichever chain loses.
func (s *PipelineService) RequeueStalledJobs(ctx context.Context) (int, error) {
	if s.cfg.StalledAfter <= 0 {
		return 0, nil
	}
	stalledBefore := s.now().UTC().Add(-s.cfg.StalledAfter)

	count := 0
	for _, status := range []model.JobStatus{model.JobStatusInitializing, model.JobStatusProcessing} {
		jobs, err := s.store.ListByStatus(ctx, status)
		if err != nil {
			return count, err
		}
		for _, job := range jobs {
			if job.LastUpdatedAt.After(stalledBefore) {
				continue
			}
			if err := s.enqueueAdvance(job, 0); err != nil {
				log.Printf("[Pipeline] Failed to re-enqueue stalled job %s: %v", job.ID, err)
				continue
			}
			log.Printf("[Pipeline] Re-enqueued stalled job %s (quiet since %s)", job.ID, job.LastUpdatedAt.Format(time.RFC3339))
			count++
		}
	}
	return count, nil
}

// SweepExpiredJobs deletes terminal jobs whose retention window has passed
func (s *PipelineService) SweepExpiredJobs(ctx context.Context) (int, error) {
	deleted, err := s.store.DeleteOlderThan(ctx, s.now().UTC(), model.TerminalJobStatuses)
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		log.Printf("[Pipeline] Swept %d expired jobs", deleted)
	}
	return deleted, nil
}

func (s *PipelineService) broadcastProgress(job *model.Job, stageName string) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(&model.JobEvent{
		Type:     model.EventTypeProgress,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Stage:    stageName,
		Job:      job.Summary(),
	})
}

func (s *PipelineService) broadcastTerminal(job *model.Job, eventType string, message string) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(&model.JobEvent{
		Type:     eventType,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  message,
		Job:      job.Summary(),
	})
}
