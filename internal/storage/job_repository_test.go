package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

// openTestDB opens a fresh database in a temp directory.
// ":memory:" is avoided on purpose: database/sql pooling would give each
// connection its own empty in-memory database.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createJob(t *testing.T, r *JobRepository, kind, status string) *models.Job {
	t.Helper()
	payload, _ := models.EncodePayload(models.SearchPayload{Term: "测试"})
	job := &models.Job{Kind: kind, Status: status, Payload: payload}
	if err := r.Create(context.Background(), job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func TestJobCreateAndGet(t *testing.T) {
	r := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	created := createJob(t, r, models.JobKindSearch, "")

	got, err := r.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("new job status = %q, want %q", got.Status, models.JobStatusQueued)
	}
	if got.Kind != models.JobKindSearch {
		t.Errorf("kind = %q, want %q", got.Kind, models.JobKindSearch)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("new job should have no started_at or completed_at")
	}

	var payload models.SearchPayload
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload did not round-trip: %v", err)
	}
	if payload.Term != "测试" {
		t.Errorf("payload term = %q, want %q", payload.Term, "测试")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	r := NewJobRepository(openTestDB(t))

	_, err := r.GetByID(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateFieldsPartialMerge(t *testing.T) {
	r := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	job := createJob(t, r, models.JobKindDownload, models.JobStatusRunning)

	// 進捗のみ更新。他のフィールドはそのまま
	n, err := r.UpdateFields(ctx, job.ID, JobUpdate{
		Progress: &models.Progress{Completed: 3, Failed: 1, Total: 10},
	})
	if err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("affected rows = %d, want 1", n)
	}

	got, err := r.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Progress.Completed != 3 || got.Progress.Failed != 1 || got.Progress.Total != 10 {
		t.Errorf("progress = %+v, want {3 1 10}", got.Progress)
	}
	if got.Status != models.JobStatusRunning {
		t.Errorf("status changed to %q, should still be running", got.Status)
	}
	if string(got.Payload) != string(job.Payload) {
		t.Error("payload should be untouched by a progress-only update")
	}
}

func TestUpdateFieldsNoFields(t *testing.T) {
	r := NewJobRepository(openTestDB(t))
	job := createJob(t, r, models.JobKindSearch, "")

	n, err := r.UpdateFields(context.Background(), job.ID, JobUpdate{})
	if err != nil {
		t.Fatalf("empty update should not error: %v", err)
	}
	if n != 0 {
		t.Errorf("empty update affected %d rows, want 0", n)
	}
}

// TestUpdateFieldsUnknownJob verifies that a missing row is reported as
// ErrNotFound, distinct from a guard rejection which is (0, nil).
func TestUpdateFieldsUnknownJob(t *testing.T) {
	r := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	status := models.JobStatusRunning
	n, err := r.UpdateFields(ctx, "no-such-id", JobUpdate{Status: &status})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
	if n != 0 {
		t.Errorf("affected rows = %d, want 0", n)
	}

	// ガードによる拒否はエラーではない
	job := createJob(t, r, models.JobKindSearch, models.JobStatusCompleted)
	n, err = r.UpdateFields(ctx, job.ID, JobUpdate{Status: &status})
	if err != nil {
		t.Errorf("guard rejection should not error: %v", err)
	}
	if n != 0 {
		t.Errorf("guard rejection affected %d rows, want 0", n)
	}
}

func TestStatusTransitionGuard(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want int64
	}{
		{"queued to running", models.JobStatusQueued, models.JobStatusRunning, 1},
		{"running to completed", models.JobStatusRunning, models.JobStatusCompleted, 1},
		{"running to waiting_input", models.JobStatusRunning, models.JobStatusWaitingInput, 1},
		{"running to failed", models.JobStatusRunning, models.JobStatusFailed, 1},
		{"queued to failed", models.JobStatusQueued, models.JobStatusFailed, 1},
		{"queued to completed", models.JobStatusQueued, models.JobStatusCompleted, 0},
		{"completed to running", models.JobStatusCompleted, models.JobStatusRunning, 0},
		{"failed to completed", models.JobStatusFailed, models.JobStatusCompleted, 0},
		{"waiting_input to running", models.JobStatusWaitingInput, models.JobStatusRunning, 0},
		{"running to queued via update", models.JobStatusRunning, models.JobStatusQueued, 0},
	}

	r := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := createJob(t, r, models.JobKindSearch, tt.from)

			n, err := r.UpdateFields(ctx, job.ID, JobUpdate{Status: &tt.to})
			if err != nil {
				t.Fatalf("UpdateFields failed: %v", err)
			}
			if n != tt.want {
				t.Errorf("affected rows = %d, want %d", n, tt.want)
			}

			got, _ := r.GetByID(ctx, job.ID)
			wantStatus := tt.from
			if tt.want == 1 {
				wantStatus = tt.to
			}
			if got.Status != wantStatus {
				t.Errorf("status = %q, want %q", got.Status, wantStatus)
			}
		})
	}
}

func TestRequeue(t *testing.T) {
	r := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	job := createJob(t, r, models.JobKindDownload, models.JobStatusRunning)
	now := time.Now()
	if _, err := r.UpdateFields(ctx, job.ID, JobUpdate{StartedAt: &now}); err != nil {
		t.Fatalf("failed to set started_at: %v", err)
	}

	if err := r.Requeue(ctx, job.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	got, err := r.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("started_at should be cleared on requeue")
	}

	// 実行中でないジョブは差し戻せない
	if err := r.Requeue(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("requeue of a queued job should return ErrNotFound, got %v", err)
	}
}

func TestGetOldestQueued(t *testing.T) {
	r := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	job, err := r.GetOldestQueued(ctx, models.JobKindSearch)
	if err != nil {
		t.Fatalf("GetOldestQueued failed: %v", err)
	}
	if job != nil {
		t.Fatal("empty queue should return nil")
	}

	first := createJob(t, r, models.JobKindSearch, "")
	time.Sleep(5 * time.Millisecond)
	createJob(t, r, models.JobKindSearch, "")
	time.Sleep(5 * time.Millisecond)
	createJob(t, r, models.JobKindDownload, "")

	got, err := r.GetOldestQueued(ctx, models.JobKindSearch)
	if err != nil {
		t.Fatalf("GetOldestQueued failed: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Errorf("expected oldest search job %s, got %+v", first.ID, got)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	db := openTestDB(t)
	r := NewJobRepository(db)
	ctx := context.Background()

	old := createJob(t, r, models.JobKindSearch, models.JobStatusCompleted)
	recent := createJob(t, r, models.JobKindSearch, models.JobStatusCompleted)
	otherKind := createJob(t, r, models.JobKindSync, models.JobStatusCompleted)

	// created_atを直接書き換えて経過日数を偽装
	backdate := func(id string, age time.Duration) {
		if _, err := db.Exec(`UPDATE jobs SET created_at = ? WHERE id = ?`,
			time.Now().Add(-age), id); err != nil {
			t.Fatalf("failed to backdate job: %v", err)
		}
	}
	backdate(old.ID, 15*24*time.Hour)
	backdate(recent.ID, 13*24*time.Hour)
	backdate(otherKind.ID, 15*24*time.Hour)

	cutoff := time.Now().Add(-14 * 24 * time.Hour)
	n, err := r.DeleteOlderThan(ctx, models.JobKindSearch, cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d rows, want 1", n)
	}

	if _, err := r.GetByID(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("15-day-old job should be gone")
	}
	if _, err := r.GetByID(ctx, recent.ID); err != nil {
		t.Errorf("13-day-old job should survive: %v", err)
	}
	if _, err := r.GetByID(ctx, otherKind.ID); err != nil {
		t.Errorf("other-kind job should survive a search sweep: %v", err)
	}
}

func TestListBySubject(t *testing.T) {
	r := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	bookID := "book-1"
	job := &models.Job{Kind: models.JobKindDownload, SubjectID: &bookID}
	if err := r.Create(ctx, job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	createJob(t, r, models.JobKindDownload, "") // subjectなし

	jobs, err := r.ListBySubject(ctx, bookID)
	if err != nil {
		t.Fatalf("ListBySubject failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Errorf("expected exactly the subject's job, got %d jobs", len(jobs))
	}
}

func TestCountByStatus(t *testing.T) {
	r := NewJobRepository(openTestDB(t))

	createJob(t, r, models.JobKindSearch, "")
	createJob(t, r, models.JobKindSearch, "")
	createJob(t, r, models.JobKindDownload, models.JobStatusFailed)

	counts, err := r.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[models.JobStatusQueued] != 2 {
		t.Errorf("queued = %d, want 2", counts[models.JobStatusQueued])
	}
	if counts[models.JobStatusFailed] != 1 {
		t.Errorf("failed = %d, want 1", counts[models.JobStatusFailed])
	}
}
