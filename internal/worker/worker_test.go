package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestRepos(t *testing.T) (*storage.DB, *storage.JobRepository, *storage.BookRepository) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, storage.NewJobRepository(db), storage.NewBookRepository(db)
}

func newTestTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	trk := tracker.New(time.Minute)
	t.Cleanup(trk.Shutdown)
	return trk
}

func mustCreateJob(t *testing.T, jobs *storage.JobRepository, kind, status string, payload any) *models.Job {
	t.Helper()
	data, err := models.EncodePayload(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	job := &models.Job{Kind: kind, Status: status, Payload: data}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func TestRunOnceEmptyQueue(t *testing.T) {
	_, jobs, _ := openTestRepos(t)
	w := NewWorker(jobs, newTestTracker(t), func(ctx context.Context, job *models.Job) error {
		t.Error("executor should not run on an empty queue")
		return nil
	}, testLogger())

	if w.RunOnce(context.Background()) {
		t.Error("RunOnce should report false when nothing was claimed")
	}
}

func TestRunOnceClaimsOldest(t *testing.T) {
	_, jobs, _ := openTestRepos(t)
	ctx := context.Background()

	first := mustCreateJob(t, jobs, models.JobKindSearch, "", models.SearchPayload{Term: "a"})
	time.Sleep(5 * time.Millisecond)
	mustCreateJob(t, jobs, models.JobKindSearch, "", models.SearchPayload{Term: "b"})

	var gotID string
	w := NewWorker(jobs, newTestTracker(t), func(ctx context.Context, job *models.Job) error {
		gotID = job.ID
		if job.Status != models.JobStatusRunning {
			t.Errorf("executor saw status %q, want running", job.Status)
		}
		return nil
	}, testLogger())

	if !w.RunOnce(ctx) {
		t.Fatal("RunOnce should have claimed a job")
	}
	if gotID != first.ID {
		t.Errorf("claimed job %s, want oldest %s", gotID, first.ID)
	}

	got, err := jobs.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.JobStatusRunning {
		t.Errorf("ledger status = %q, want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("claim should stamp started_at")
	}
}

func TestRunOnceExecutorErrorMarksFailed(t *testing.T) {
	_, jobs, _ := openTestRepos(t)
	ctx := context.Background()

	job := mustCreateJob(t, jobs, models.JobKindSearch, "", models.SearchPayload{Term: "x"})

	w := NewWorker(jobs, newTestTracker(t), func(ctx context.Context, job *models.Job) error {
		return errors.New("forum unreachable")
	}, testLogger())
	w.RunOnce(ctx)

	got, err := jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Error != "forum unreachable" {
		t.Errorf("error = %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("failure should stamp completed_at")
	}
}

func TestRunOncePanicMarksFailed(t *testing.T) {
	_, jobs, _ := openTestRepos(t)
	ctx := context.Background()

	job := mustCreateJob(t, jobs, models.JobKindSearch, "", models.SearchPayload{Term: "x"})

	w := NewWorker(jobs, newTestTracker(t), func(ctx context.Context, job *models.Job) error {
		panic("boom")
	}, testLogger())
	w.RunOnce(ctx)

	got, _ := jobs.GetByID(ctx, job.ID)
	if got.Status != models.JobStatusFailed {
		t.Errorf("status = %q, want failed after panic", got.Status)
	}
}

// TestRunOnceSingleFlight verifies the busy guard: while one search job
// executes, a second RunOnce claims nothing.
func TestRunOnceSingleFlight(t *testing.T) {
	_, jobs, _ := openTestRepos(t)
	ctx := context.Background()

	mustCreateJob(t, jobs, models.JobKindSearch, "", models.SearchPayload{Term: "a"})
	mustCreateJob(t, jobs, models.JobKindSearch, "", models.SearchPayload{Term: "b"})

	started := make(chan struct{})
	release := make(chan struct{})
	w := NewWorker(jobs, newTestTracker(t), func(ctx context.Context, job *models.Job) error {
		close(started)
		<-release
		return nil
	}, testLogger())

	done := make(chan bool)
	go func() { done <- w.RunOnce(ctx) }()

	<-started
	if w.RunOnce(ctx) {
		t.Error("second RunOnce should be rejected while the first is busy")
	}
	close(release)
	if !<-done {
		t.Error("first RunOnce should report a claimed job")
	}
}
