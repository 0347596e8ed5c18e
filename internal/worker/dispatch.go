package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/tracker"
)

// Dispatcher runs download/rechunk/import/sync jobs as supervised
// detached tasks the moment they are created. Every outcome lands in the
// ledger before the task handle is discarded; a task can never take the
// process down or vanish without a trace.
type Dispatcher struct {
	jobs     *storage.JobRepository
	tracker  *tracker.Tracker
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]JobFunc
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher with no handlers registered.
func NewDispatcher(jobs *storage.JobRepository, trk *tracker.Tracker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:     jobs,
		tracker:  trk,
		logger:   logger,
		handlers: make(map[string]JobFunc),
	}
}

// Register registers a handler for a job kind.
func (d *Dispatcher) Register(kind string, handler JobFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

// Dispatch claims a queued job and executes it in the background. The
// task keeps running after the triggering request disconnects.
func (d *Dispatcher) Dispatch(ctx context.Context, job *models.Job) {
	d.mu.RLock()
	handler, ok := d.handlers[job.Kind]
	d.mu.RUnlock()

	if !ok {
		d.logger.Error("no handler for job kind", "kind", job.Kind, "job_id", job.ID)
		failJob(ctx, d.jobs, d.logger, job.ID, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	now := time.Now()
	status := models.JobStatusRunning
	n, err := d.jobs.UpdateFields(ctx, job.ID, storage.JobUpdate{
		Status:    &status,
		StartedAt: &now,
	})
	if err != nil {
		d.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		return
	}
	if n == 0 {
		// 別の経路で既に実行中
		return
	}
	job.Status = status
	job.StartedAt = &now

	taskCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.logger.Info("processing job", "job_id", job.ID, "kind", job.Kind)
		if err := runSupervised(taskCtx, handler, job); err != nil {
			d.logger.Warn("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
			failJob(taskCtx, d.jobs, d.logger, job.ID, err)
			if d.tracker != nil {
				failed := models.JobStatusFailed
				d.tracker.Update(job.Kind, job.ID, tracker.Update{Status: &failed})
			}
			return
		}
		d.logger.Info("job finished", "job_id", job.ID, "kind", job.Kind)
	}()
}

// Shutdown waits for all in-flight tasks to finish.
func (d *Dispatcher) Shutdown() {
	d.wg.Wait()
}

// runSupervised invokes a handler and converts panics into errors so no
// executor failure escapes the task boundary.
func runSupervised(ctx context.Context, handler JobFunc, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

// failJob finalizes a failed job in the ledger.
func failJob(ctx context.Context, jobs *storage.JobRepository, logger *slog.Logger, id string, jobErr error) {
	now := time.Now()
	status := models.JobStatusFailed
	msg := jobErr.Error()
	if _, err := jobs.UpdateFields(ctx, id, storage.JobUpdate{
		Status:      &status,
		Error:       &msg,
		CompletedAt: &now,
	}); err != nil {
		logger.Error("failed to record job failure", "job_id", id, "error", err)
	}
}
