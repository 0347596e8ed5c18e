package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
)

func TestCleanerRunOnce(t *testing.T) {
	db, jobs, _ := openTestRepos(t)
	ctx := context.Background()

	old := mustCreateJob(t, jobs, models.JobKindSearch, models.JobStatusCompleted,
		models.SearchPayload{Term: "old"})
	recent := mustCreateJob(t, jobs, models.JobKindSearch, models.JobStatusCompleted,
		models.SearchPayload{Term: "recent"})
	oldSync := mustCreateJob(t, jobs, models.JobKindSync, models.JobStatusFailed,
		models.SyncPayload{BookID: "b1", Mode: "notes"})

	backdate := func(job *models.Job, age time.Duration) {
		if _, err := db.Exec(`UPDATE jobs SET created_at = ? WHERE id = ?`,
			time.Now().Add(-age), job.ID); err != nil {
			t.Fatalf("failed to backdate job: %v", err)
		}
	}
	backdate(old, 15*24*time.Hour)
	backdate(recent, 13*24*time.Hour)
	backdate(oldSync, 20*24*time.Hour)

	c := NewCleaner(jobs, time.Hour, 14*24*time.Hour, testLogger())
	c.RunOnce(ctx)

	if _, err := jobs.GetByID(ctx, old.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("15-day-old job should be swept")
	}
	if _, err := jobs.GetByID(ctx, oldSync.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("sweep should cover every kind")
	}
	if _, err := jobs.GetByID(ctx, recent.ID); err != nil {
		t.Errorf("job inside the window should survive: %v", err)
	}
}

func TestCleanerStartStop(t *testing.T) {
	_, jobs, _ := openTestRepos(t)

	c := NewCleaner(jobs, 10*time.Millisecond, time.Hour, testLogger())
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop() // ハングしないこと
}
