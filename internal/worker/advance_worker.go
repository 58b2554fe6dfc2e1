package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/assetforge/api/internal/model"
	"github.com/assetforge/api/internal/service"
	"github.com/assetforge/api/internal/store"
)

// Pipeline is the slice of the pipeline service the worker drives
type Pipeline interface {
	Advance(ctx context.Context, jobID string) (*model.Job, error)
	ScheduleNextTick(job *model.Job) error
}

// AdvanceWorker processes advance ticks. Each tick moves one job one step;
// the finishing tick schedules the next one, so a running job has exactly
// one tick in flight and polls stay sequential without any locking.
type AdvanceWorker struct {
	pipeline Pipeline
}

// NewAdvanceWorker creates a new advance worker
func NewAdvanceWorker(pipeline Pipeline) *AdvanceWorker {
	return &AdvanceWorker{pipeline: pipeline}
}

// ProcessTask handles one advance tick
func (w *AdvanceWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.AdvancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	job, err := w.pipeline.Advance(ctx, payload.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// swept or never existed; end the chain
		log.Printf("[Worker] Dropping tick for unknown job %s", payload.JobID)
		return nil
	}
	if err != nil {
		// infrastructure error; asynq retries the tick, and Advance is
		// idempotent under retry
		return fmt.Errorf("advance of job %s failed: %w", payload.JobID, err)
	}

	if job.IsTerminal() {
		return nil
	}
	if err := w.pipeline.ScheduleNextTick(job); err != nil {
		return fmt.Errorf("failed to schedule next tick for job %s: %w", payload.JobID, err)
	}
	return nil
}
