package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
)

// recoveryScanLimit bounds one resumption scan per kind. Anything beyond
// it would mean the retention sweep has not run for a very long time.
const recoveryScanLimit = 500

// Recovery is the startup resumption pass. It runs once, synchronously,
// before the worker, dispatcher traffic, and cleaner start: any job still
// marked running at that point was interrupted by a crash.
type Recovery struct {
	jobs       *storage.JobRepository
	books      *storage.BookRepository
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewRecovery creates the resumption pass.
func NewRecovery(jobs *storage.JobRepository, books *storage.BookRepository, dispatcher *Dispatcher, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		jobs:       jobs,
		books:      books,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// dispatchedKinds run through the dispatcher the moment they are
// created. A queued row of one of these kinds has no poll loop to pick
// it up, so the startup pass must re-dispatch it.
var dispatchedKinds = []string{
	models.JobKindDownload,
	models.JobKindRechunk,
	models.JobKindImport,
	models.JobKindSync,
}

// Run scans the ledger for crash-interrupted jobs and resumes or aborts
// each according to its kind, then re-dispatches dispatch-kind rows left
// queued (crashed between creation and the claim). Per-job failures are
// logged and the scan continues; recovery must never prevent startup.
func (r *Recovery) Run(ctx context.Context) error {
	for _, kind := range models.AllJobKinds {
		jobs, err := r.jobs.ListByStatus(ctx, kind, models.JobStatusRunning, recoveryScanLimit)
		if err != nil {
			return fmt.Errorf("scan interrupted %s jobs: %w", kind, err)
		}
		for i := range jobs {
			job := &jobs[i]
			if err := r.recoverJob(ctx, job); err != nil {
				r.logger.Error("failed to recover job",
					"job_id", job.ID, "kind", job.Kind, "error", err)
			}
		}
		if len(jobs) > 0 {
			r.logger.Info("recovered interrupted jobs", "kind", kind, "count", len(jobs))
		}
	}

	// 作成直後にクラッシュした未着手ジョブを再投入
	// (recoverJobが差し戻した行はこの時点で再クレーム済みのため対象外)
	for _, kind := range dispatchedKinds {
		jobs, err := r.jobs.ListByStatus(ctx, kind, models.JobStatusQueued, recoveryScanLimit)
		if err != nil {
			return fmt.Errorf("scan stranded %s jobs: %w", kind, err)
		}
		for i := range jobs {
			r.dispatcher.Dispatch(ctx, &jobs[i])
		}
		if len(jobs) > 0 {
			r.logger.Info("redispatched stranded queued jobs", "kind", kind, "count", len(jobs))
		}
	}
	return nil
}

func (r *Recovery) recoverJob(ctx context.Context, job *models.Job) error {
	switch job.Kind {
	case models.JobKindSearch:
		// Restart from scratch; the poll loop will claim it.
		return r.jobs.Requeue(ctx, job.ID)

	case models.JobKindRechunk:
		// Chunk rebuilds are wholesale, a second run overwrites cleanly.
		return r.requeueAndDispatch(ctx, job)

	case models.JobKindImport:
		return r.recoverImport(ctx, job)

	case models.JobKindDownload:
		return r.recoverDownload(ctx, job)

	case models.JobKindSync:
		// The note client skips already-applied side effects.
		return r.requeueAndDispatch(ctx, job)

	default:
		return r.failJob(ctx, job, fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// recoverImport restarts an import unless its input file disappeared
// while the process was down.
func (r *Recovery) recoverImport(ctx context.Context, job *models.Job) error {
	payload, err := models.PayloadAs[models.ImportPayload](job)
	if err != nil {
		return r.failJob(ctx, job, err)
	}
	if _, err := os.Stat(payload.FilePath); err != nil {
		return r.failJob(ctx, job, fmt.Errorf("missing input file: %s", payload.FilePath))
	}
	return r.requeueAndDispatch(ctx, job)
}

// recoverDownload reconciles partial progress: chapters already stored
// for the book are confirmed work and are trimmed from the payload
// before the job is re-dispatched.
func (r *Recovery) recoverDownload(ctx context.Context, job *models.Job) error {
	payload, err := models.PayloadAs[models.DownloadPayload](job)
	if err != nil {
		return r.failJob(ctx, job, err)
	}

	confirmed, err := r.books.ChapterURLs(ctx, payload.BookID)
	if err != nil {
		return err
	}

	original := len(payload.Chapters)
	var remaining []models.ChapterRef
	for _, ref := range payload.Chapters {
		if !confirmed[ref.URL] {
			remaining = append(remaining, ref)
		}
	}

	if len(remaining) == 0 {
		// 全章取得済み。直接completedに遷移して進捗を整合させる
		n := len(payload.Chapters)
		now := time.Now()
		status := models.JobStatusCompleted
		result, _ := json.Marshal(map[string]any{"recovered": true, "chapters_fetched": n})
		_, err := r.jobs.UpdateFields(ctx, job.ID, storage.JobUpdate{
			Status:      &status,
			Progress:    &models.Progress{Completed: n, Total: n},
			Result:      result,
			CompletedAt: &now,
		})
		if err == nil {
			r.logger.Info("download already complete, reconciled",
				"job_id", job.ID, "chapters", n)
		}
		return err
	}

	payload.Chapters = remaining
	data, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}
	if _, err := r.jobs.UpdateFields(ctx, job.ID, storage.JobUpdate{
		Payload:  data,
		Progress: &models.Progress{Total: len(remaining)},
	}); err != nil {
		return err
	}

	r.logger.Info("resuming download with remaining chapters",
		"job_id", job.ID, "remaining", len(remaining), "confirmed", original-len(remaining))

	return r.requeueAndDispatch(ctx, job)
}

func (r *Recovery) requeueAndDispatch(ctx context.Context, job *models.Job) error {
	if err := r.jobs.Requeue(ctx, job.ID); err != nil {
		return err
	}
	fresh, err := r.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	r.dispatcher.Dispatch(ctx, fresh)
	return nil
}

func (r *Recovery) failJob(ctx context.Context, job *models.Job, cause error) error {
	now := time.Now()
	status := models.JobStatusFailed
	msg := cause.Error()
	_, err := r.jobs.UpdateFields(ctx, job.ID, storage.JobUpdate{
		Status:      &status,
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		return err
	}
	r.logger.Warn("aborted interrupted job", "job_id", job.ID, "kind", job.Kind, "reason", msg)
	return nil
}
