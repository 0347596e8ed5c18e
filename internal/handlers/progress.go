package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/tracker"
)

// ProgressHandler streams live job progress as newline-delimited JSON.
// The tracker feeds the stream while the job runs; the ledger is the
// fallback once the operation has been evicted.
type ProgressHandler struct {
	jobs    *storage.JobRepository
	tracker *tracker.Tracker

	// overridable for tests
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// NewProgressHandler は新しいProgressHandlerを作成
func NewProgressHandler(jobs *storage.JobRepository, trk *tracker.Tracker) *ProgressHandler {
	return &ProgressHandler{
		jobs:              jobs,
		tracker:           trk,
		PollInterval:      1 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

type progressEvent struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Status    string `json:"status,omitempty"`
	Completed int    `json:"completed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Total     int    `json:"total,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stream pushes progress events until the job reaches a terminal status
// or the client disconnects. A disconnect only stops the push; the job
// itself runs to completion server-side.
func (h *ProgressHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	job, err := h.jobs.GetByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(resp)
	if err := enc.Encode(progressEvent{Type: "connected", JobID: id}); err != nil {
		return nil
	}
	resp.Flush()

	poll := time.NewTicker(h.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.HeartbeatInterval)
	defer heartbeat.Stop()

	var last progressEvent
	for {
		select {
		case <-ctx.Done():
			// クライアント切断。ジョブは継続
			return nil

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(resp, ": ping\n"); err != nil {
				return nil
			}
			resp.Flush()

		case <-poll.C:
			event, terminal, err := h.snapshot(ctx, job.Kind, id)
			if err != nil {
				return nil
			}
			if event != last {
				if err := enc.Encode(event); err != nil {
					return nil
				}
				resp.Flush()
				last = event
			}
			if terminal {
				return nil
			}
		}
	}
}

// snapshot prefers the tracker (fresher while the executor runs) and
// falls back to the ledger row.
func (h *ProgressHandler) snapshot(ctx context.Context, kind, id string) (progressEvent, bool, error) {
	if op, ok := h.tracker.Get(kind, id); ok {
		event := progressEvent{
			Type:      "progress",
			JobID:     id,
			Status:    op.Status,
			Completed: op.Progress.Completed,
			Failed:    op.Progress.Failed,
			Total:     op.Progress.Total,
			Message:   op.Message,
		}
		terminal := models.IsTerminalStatus(op.Status)
		if terminal {
			event.Type = "done"
		}
		return event, terminal, nil
	}

	job, err := h.jobs.GetByID(ctx, id)
	if err != nil {
		return progressEvent{}, false, err
	}
	event := progressEvent{
		Type:      "progress",
		JobID:     id,
		Status:    job.Status,
		Completed: job.Progress.Completed,
		Failed:    job.Progress.Failed,
		Total:     job.Progress.Total,
		Error:     job.Error,
	}
	terminal := models.IsTerminalStatus(job.Status)
	if terminal {
		event.Type = "done"
	}
	return event, terminal, nil
}
