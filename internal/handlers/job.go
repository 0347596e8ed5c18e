package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/tracker"
	"github.com/zektac4sheep/AlexLib-sub002/internal/worker"
)

// JobHandler はジョブAPIのハンドラー
type JobHandler struct {
	jobs       *storage.JobRepository
	tracker    *tracker.Tracker
	dispatcher *worker.Dispatcher
}

// NewJobHandler は新しいJobHandlerを作成
func NewJobHandler(jobs *storage.JobRepository, trk *tracker.Tracker, dispatcher *worker.Dispatcher) *JobHandler {
	return &JobHandler{jobs: jobs, tracker: trk, dispatcher: dispatcher}
}

type searchRequest struct {
	Term      string `json:"term"`
	PageLimit int    `json:"page_limit"`
}

// CreateSearch creates a search job. The poll loop picks it up; the
// response returns immediately with the queued job.
func (h *JobHandler) CreateSearch(c echo.Context) error {
	ctx := c.Request().Context()

	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Term == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "term is required"})
	}

	payload, err := models.EncodePayload(models.SearchPayload{
		Term:      req.Term,
		PageLimit: req.PageLimit,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	job := &models.Job{Kind: models.JobKindSearch, Payload: payload}
	if err := h.jobs.Create(ctx, job); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusAccepted, job)
}

// List はジョブ一覧を取得
func (h *JobHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	kind := c.QueryParam("kind")
	status := c.QueryParam("status")

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	var jobs []models.Job
	var err error
	if status != "" {
		jobs, err = h.jobs.ListByStatus(ctx, kind, status, limit)
	} else {
		jobs, err = h.jobs.ListRecent(ctx, kind, limit)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, jobs)
}

// Get はジョブを取得
func (h *JobHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	job, err := h.jobs.GetByID(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, job)
}

// Delete はジョブを削除
func (h *JobHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.jobs.Delete(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.NoContent(http.StatusNoContent)
}

// Retry re-creates a failed job as a fresh queued one with the same
// payload. The failed row stays untouched for audit.
func (h *JobHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()

	job, err := h.jobs.GetByID(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if job.Status != models.JobStatusFailed {
		return c.JSON(http.StatusConflict, map[string]string{"error": "only failed jobs can be retried"})
	}

	retry := &models.Job{
		Kind:      job.Kind,
		SubjectID: job.SubjectID,
		Payload:   job.Payload,
	}
	if err := h.jobs.Create(ctx, retry); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	// search以外は即時実行
	if retry.Kind != models.JobKindSearch {
		h.dispatcher.Dispatch(ctx, retry)
	}

	return c.JSON(http.StatusAccepted, retry)
}

// Stats はステータスごとのジョブ数を取得
func (h *JobHandler) Stats(c echo.Context) error {
	counts, err := h.jobs.CountByStatus(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, counts)
}

// Operations returns the live operation summary from the tracker.
func (h *JobHandler) Operations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.Summary())
}

// ActiveOperations returns every currently-running operation.
func (h *JobHandler) ActiveOperations(c echo.Context) error {
	active := h.tracker.ListActive()
	if active == nil {
		active = []tracker.Operation{}
	}
	return c.JSON(http.StatusOK, active)
}
