package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/assetforge/api/internal/metrics"
	"github.com/assetforge/api/internal/middleware"
	"github.com/assetforge/api/internal/model"
	"github.com/assetforge/api/internal/service"
	"github.com/assetforge/api/internal/store"
	"github.com/assetforge/api/internal/websocket"
	"github.com/assetforge/api/pkg/response"
)

// sseKeepAliveInterval is how often an idle stream sends a ping event.
const sseKeepAliveInterval = 15 * time.Second

type JobHandler struct {
	service *service.PipelineService
	hub     *websocket.Hub
}

func NewJobHandler(svc *service.PipelineService, hub *websocket.Hub) *JobHandler {
	return &JobHandler{
		service: svc,
		hub:     hub,
	}
}

// Get handles GET /api/v1/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.BadRequest(c, "Job ID is required", nil)
	}

	job, err := h.service.GetJob(c.Context(), middleware.GetIdentity(c), jobID)
	if err != nil {
		return respondJobError(c, err)
	}

	return response.OK(c, job.Summary())
}

// Cancel handles DELETE /api/v1/jobs/:jobId
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.BadRequest(c, "Job ID is required", nil)
	}

	if _, err := h.service.Cancel(c.Context(), middleware.GetIdentity(c), jobID); err != nil {
		var stateErr *service.InvalidStateError
		if errors.As(err, &stateErr) {
			return response.BadRequest(c, stateErr.Error(), nil)
		}
		return respondJobError(c, err)
	}

	return response.SuccessMessage(c, fmt.Sprintf("Job %s cancelled", jobID))
}

// ListForUser handles GET /api/v1/users/:userId/jobs
func (h *JobHandler) ListForUser(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return response.BadRequest(c, "User ID is required", nil)
	}

	// Malformed limit values fall back to the service default.
	limit := c.QueryInt("limit", 0)

	result, err := h.service.ListJobsForUser(c.Context(), middleware.GetIdentity(c), userID, limit)
	if err != nil {
		return respondJobError(c, err)
	}

	return response.OK(c, result)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *JobHandler) QueueStats(c *fiber.Ctx) error {
	result, err := h.service.QueueStats(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Stream handles GET /api/v1/jobs/:jobId/stream with server-sent events.
// The client receives a snapshot event immediately, then one event per
// transition until the job reaches a terminal status.
func (h *JobHandler) Stream(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.BadRequest(c, "Job ID is required", nil)
	}
	identity := middleware.GetIdentity(c)

	// Authorize before committing to the stream.
	if _, err := h.service.GetJob(c.Context(), identity, jobID); err != nil {
		return respondJobError(c, err)
	}

	// Subscribe before taking the snapshot so a transition between the
	// two lands on the channel instead of being lost.
	sub := h.hub.Subscribe(jobID)

	job, err := h.service.GetJob(c.Context(), identity, jobID)
	if err != nil {
		sub.Close()
		return respondJobError(c, err)
	}
	snapshot := snapshotEvent(job)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no") // helpful if behind nginx

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Close()

		metrics.StreamSubscribers.Inc()
		defer metrics.StreamSubscribers.Dec()

		if err := writeEvent(w, snapshot); err != nil {
			return
		}
		if snapshot.Terminal() {
			return
		}

		ticker := time.NewTicker(sseKeepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeEvent(w, event); err != nil {
					return
				}
				if event.Terminal() {
					return
				}

			case <-ticker.C:
				ping := &model.JobEvent{Type: model.EventTypePing, JobID: jobID}
				if err := writeEvent(w, ping); err != nil {
					return
				}
			}
		}
	}))

	return nil
}

// snapshotEvent renders the job's current state as the stream's first event.
func snapshotEvent(job *model.Job) *model.JobEvent {
	event := &model.JobEvent{
		Type:     model.EventTypeProgress,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Job:      job.Summary(),
	}
	if stage := job.CurrentStage(); stage != nil {
		event.Stage = stage.Name
	}

	switch job.Status {
	case model.JobStatusCompleted:
		event.Type = model.EventTypeComplete
	case model.JobStatusFailed:
		event.Type = model.EventTypeError
		if job.Error != nil {
			event.Message = job.Error.Message
			event.Stage = job.Error.Stage
		}
	case model.JobStatusCancelled:
		event.Type = model.EventTypeCancelled
	}
	return event
}

func writeEvent(w *bufio.Writer, event *model.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	// A failed flush is the disconnect signal for the stream.
	return w.Flush()
}

func respondJobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, "Access denied")
	}
	return response.ServiceError(c, err.Error())
}
