package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/tracker"
)

// JobFunc is a function that processes a job end-to-end. A nil return
// means the executor finalized the job itself; an error means the caller
// must record the failure.
type JobFunc func(ctx context.Context, job *models.Job) error

// Worker runs search jobs one at a time off a fixed-interval poll.
// The forum collaborator is rate-limited and not safe for concurrent
// use, so claims are strictly single-flight.
type Worker struct {
	jobs     *storage.JobRepository
	tracker  *tracker.Tracker
	exec     JobFunc
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup

	mu   sync.Mutex
	busy bool
}

// NewWorker creates a new worker for the search queue.
func NewWorker(jobs *storage.JobRepository, trk *tracker.Tracker, exec JobFunc, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:     jobs,
		tracker:  trk,
		exec:     exec,
		logger:   logger,
		interval: 1 * time.Second,
		stop:     make(chan struct{}),
	}
}

// SetInterval sets the polling interval.
func (w *Worker) SetInterval(interval time.Duration) {
	w.interval = interval
}

// Start begins processing jobs.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info("search worker started", "interval", w.interval)
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.logger.Info("search worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce claims and executes at most one queued search job. It returns
// true if a job was executed. The ticker loop drives it in production;
// tests drive it directly.
func (w *Worker) RunOnce(ctx context.Context) bool {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		return false
	}
	w.busy = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.busy = false
		w.mu.Unlock()
	}()

	job, err := w.jobs.GetOldestQueued(ctx, models.JobKindSearch)
	if err != nil {
		w.logger.Error("failed to poll search queue", "error", err)
		return false
	}
	if job == nil {
		return false
	}

	// Claim it. Zero affected rows means the row moved under us; skip.
	now := time.Now()
	status := models.JobStatusRunning
	n, err := w.jobs.UpdateFields(ctx, job.ID, storage.JobUpdate{
		Status:    &status,
		StartedAt: &now,
	})
	if err != nil {
		w.logger.Error("failed to claim search job", "job_id", job.ID, "error", err)
		return false
	}
	if n == 0 {
		return false
	}
	job.Status = status
	job.StartedAt = &now

	w.logger.Info("processing search job", "job_id", job.ID)

	if err := runSupervised(ctx, w.exec, job); err != nil {
		w.logger.Warn("search job failed", "job_id", job.ID, "error", err)
		failJob(ctx, w.jobs, w.logger, job.ID, err)
		if w.tracker != nil {
			failed := models.JobStatusFailed
			w.tracker.Update(job.Kind, job.ID, tracker.Update{Status: &failed})
		}
		return true
	}

	w.logger.Info("search job finished", "job_id", job.ID)
	return true
}
