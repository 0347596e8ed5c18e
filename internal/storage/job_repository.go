package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

// JobRepository はジョブ台帳のデータアクセス層
type JobRepository struct {
	db *DB
}

// NewJobRepository は新しいJobRepositoryを作成
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, kind, status, subject_id, payload,
	progress_completed, progress_failed, progress_total,
	result, error, created_at, started_at, completed_at`

// Create は新しいジョブを作成
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	job.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, status, subject_id, payload,
			progress_completed, progress_failed, progress_total,
			result, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, job.Status, job.SubjectID, nullJSON(job.Payload),
		job.Progress.Completed, job.Progress.Failed, job.Progress.Total,
		nullJSON(job.Result), job.Error, job.CreatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetByID はIDでジョブを取得
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetOldestQueued は指定種別の最も古いキュー済みジョブを取得（なければnil）
func (r *JobRepository) GetOldestQueued(ctx context.Context, kind string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE kind = ? AND status = ?
		 ORDER BY created_at ASC LIMIT 1`,
		kind, models.JobStatusQueued)
	job, err := scanJob(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return job, err
}

// JobUpdate is a partial update: only non-nil fields are written.
// A Status change is guarded by the transition graph; an out-of-graph
// transition matches no row and the update reports zero affected rows.
// An id with no row at all reports ErrNotFound instead, so callers can
// tell a missing job from a guard rejection.
type JobUpdate struct {
	Status      *string
	SubjectID   *string
	Payload     json.RawMessage
	Progress    *models.Progress
	Result      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// statusPrev maps a target status to the statuses it may be entered from.
// queued is deliberately absent: only Requeue (resumption) goes back.
var statusPrev = map[string][]string{
	models.JobStatusRunning:      {models.JobStatusQueued},
	models.JobStatusCompleted:    {models.JobStatusRunning},
	models.JobStatusWaitingInput: {models.JobStatusRunning},
	models.JobStatusFailed:       {models.JobStatusQueued, models.JobStatusRunning},
}

// UpdateFields はジョブを部分更新し、更新行数を返す
func (r *JobRepository) UpdateFields(ctx context.Context, id string, upd JobUpdate) (int64, error) {
	var sets []string
	var args []any

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.SubjectID != nil {
		sets = append(sets, "subject_id = ?")
		args = append(args, *upd.SubjectID)
	}
	if upd.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, string(upd.Payload))
	}
	if upd.Progress != nil {
		sets = append(sets, "progress_completed = ?", "progress_failed = ?", "progress_total = ?")
		args = append(args, upd.Progress.Completed, upd.Progress.Failed, upd.Progress.Total)
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(upd.Result))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}

	if len(sets) == 0 {
		return 0, nil
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	if upd.Status != nil {
		prev, ok := statusPrev[*upd.Status]
		if !ok {
			return 0, nil
		}
		query += " AND status IN (?" + strings.Repeat(", ?", len(prev)-1) + ")"
		for _, s := range prev {
			args = append(args, s)
		}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var one int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

// Requeue moves a crash-interrupted job back to queued and clears its
// start time. Only the resumption pass calls this, once per process start.
func (r *JobRepository) Requeue(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL
		WHERE id = ? AND status = ?`,
		models.JobStatusQueued, id, models.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByStatus はステータスでジョブ一覧を取得（kindが空なら全種別）
func (r *JobRepository) ListByStatus(ctx context.Context, kind, status string, limit int) ([]models.Job, error) {
	if limit == 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []any{status}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)

	return r.queryJobs(ctx, query, args...)
}

// ListRecent は最近のジョブ一覧を取得
func (r *JobRepository) ListRecent(ctx context.Context, kind string, limit int) ([]models.Job, error) {
	if limit == 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	return r.queryJobs(ctx, query, args...)
}

// ListBySubject は対象エンティティのジョブ一覧を取得
func (r *JobRepository) ListBySubject(ctx context.Context, subjectID string) ([]models.Job, error) {
	return r.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE subject_id = ? ORDER BY created_at DESC`,
		subjectID)
}

// Delete はジョブを削除
func (r *JobRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan は指定種別の古いジョブを削除し、削除行数を返す
func (r *JobRepository) DeleteOlderThan(ctx context.Context, kind string, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE kind = ? AND created_at < ?`, kind, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus はステータスごとのジョブ数を取得
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*models.Job, error) {
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func scanJobRow(row rowScanner) (*models.Job, error) {
	var job models.Job
	var subjectID, payload, result, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Kind, &job.Status, &subjectID, &payload,
		&job.Progress.Completed, &job.Progress.Failed, &job.Progress.Total,
		&result, &errMsg, &job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if subjectID.Valid {
		job.SubjectID = &subjectID.String
	}
	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

func nullJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
