package worker

import (
	"context"
	"log"
	"time"

	"github.com/assetforge/api/internal/service"
)

// RunStallRecovery periodically re-enqueues ticks for jobs whose advance
// chain died, for example after a crash between Advance and the next
// enqueue. Runs until ctx is cancelled.
func RunStallRecovery(ctx context.Context, pipeline *service.PipelineService, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pipeline.RequeueStalledJobs(ctx); err != nil {
				log.Printf("[Worker] Stall recovery scan failed: %v", err)
			}
		}
	}
}

// RunRetentionSweep periodically deletes terminal jobs past their
// retention window. Runs until ctx is cancelled.
func RunRetentionSweep(ctx context.Context, pipeline *service.PipelineService, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pipeline.SweepExpiredJobs(ctx); err != nil {
				log.Printf("[Worker] Retention sweep failed: %v", err)
			}
		}
	}
}
