package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is one unit of background work recorded in the ledger.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	SubjectID   *string         `json:"subject_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Progress    Progress        `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Progress counts sub-items within one execution attempt.
// Completed and Failed only grow; their sum never exceeds Total.
type Progress struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Job kinds
const (
	JobKindSearch   = "search"   // forum discovery, serialized poll loop
	JobKindDownload = "download" // chapter fetch, dispatched on creation
	JobKindRechunk  = "rechunk"
	JobKindImport   = "import"
	JobKindSync     = "sync"
)

// AllJobKinds lists every kind, in retention-sweep order.
var AllJobKinds = []string{
	JobKindSearch,
	JobKindDownload,
	JobKindRechunk,
	JobKindImport,
	JobKindSync,
}

// ジョブステータス
const (
	JobStatusQueued       = "queued"
	JobStatusRunning      = "running"
	JobStatusWaitingInput = "waiting_input"
	JobStatusCompleted    = "completed"
	JobStatusFailed       = "failed"
)

// IsTerminalStatus reports whether no executor will touch the job again.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusWaitingInput:
		return true
	}
	return false
}

// ChapterRef is one item of a download payload. Seq preserves the original
// ordering even after the remaining-work list is trimmed on resume.
type ChapterRef struct {
	Seq   int    `json:"seq"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SearchPayload drives a search job.
type SearchPayload struct {
	Term      string `json:"term"`
	PageLimit int    `json:"page_limit"`
}

// DownloadPayload drives a download job. Chapters is the remaining-work
// list; the resumption pass may shrink it, nothing else mutates it.
type DownloadPayload struct {
	BookID    string       `json:"book_id"`
	Chapters  []ChapterRef `json:"chapters"`
	ChunkSize int          `json:"chunk_size,omitempty"`
}

// RechunkPayload drives a rechunk job.
type RechunkPayload struct {
	BookID    string `json:"book_id"`
	ChunkSize int    `json:"chunk_size"`
}

// ImportPayload drives an import job. FilePath must exist on disk for the
// whole lifetime of the job.
type ImportPayload struct {
	Title     string `json:"title"`
	FilePath  string `json:"file_path"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// SyncPayload drives a sync job. Mode selects the sub-handler.
type SyncPayload struct {
	BookID string `json:"book_id"`
	Mode   string `json:"mode"`
}

// 同期モード
const (
	SyncModeNotes = "notes"
	SyncModeTags  = "tags"
)

// PayloadAs decodes a job payload into its kind-specific struct.
func PayloadAs[T any](job *Job) (T, error) {
	var p T
	if len(job.Payload) == 0 {
		return p, fmt.Errorf("job %s has no payload", job.ID)
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	return p, nil
}

// EncodePayload serializes a kind-specific payload for storage.
func EncodePayload(p any) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
