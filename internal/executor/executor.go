// Package executor holds the per-kind job executors. Executors finalize
// their own success states in the ledger; a returned error means the
// caller (worker or dispatcher) records the failure at the task boundary.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/notesync"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/tracker"
)

// Searcher is the discovery collaborator.
type Searcher interface {
	Search(ctx context.Context, term string, pageLimit int) (*models.SearchResult, error)
}

// Fetcher is the chapter fetch collaborator.
type Fetcher interface {
	FetchChapter(ctx context.Context, url string) (*models.FetchedChapter, error)
}

// Transformer is the pure text transform collaborator. It must be
// deterministic: the resumption pass re-invokes it freely.
type Transformer interface {
	SplitChapters(text, bookTitle string) []models.Chapter
	BuildChunks(chapters []models.Chapter, bookTitle string, chunkSize int) []models.Chunk
}

// NoteSyncer is the note service collaborator. Both methods must be
// idempotent (duplicate-checking by title before creating).
type NoteSyncer interface {
	SyncChunks(ctx context.Context, book *models.Book, chunks []models.Chunk) (*notesync.SyncOutcome, error)
	SyncTags(ctx context.Context, book *models.Book) error
}

// JobDispatcher starts a dispatch-kind job. Satisfied by worker.Dispatcher.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job *models.Job)
}

// Params collects executor dependencies.
type Params struct {
	Jobs        *storage.JobRepository
	Books       *storage.BookRepository
	Tracker     *tracker.Tracker
	Searcher    Searcher
	Fetcher     Fetcher
	Transformer Transformer
	Syncer      NoteSyncer
	Dispatcher  JobDispatcher
	AutoSync    bool
	Logger      *slog.Logger
}

// Executors runs jobs end-to-end.
type Executors struct {
	jobs        *storage.JobRepository
	books       *storage.BookRepository
	tracker     *tracker.Tracker
	searcher    Searcher
	fetcher     Fetcher
	transformer Transformer
	syncer      NoteSyncer
	dispatcher  JobDispatcher
	autoSync    bool
	logger      *slog.Logger
}

// New creates the executor set.
func New(p Params) *Executors {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executors{
		jobs:        p.Jobs,
		books:       p.Books,
		tracker:     p.Tracker,
		searcher:    p.Searcher,
		fetcher:     p.Fetcher,
		transformer: p.Transformer,
		syncer:      p.Syncer,
		dispatcher:  p.Dispatcher,
		autoSync:    p.AutoSync,
		logger:      logger,
	}
}

// RunSearch executes a search job. Candidates land in the job result and
// the job parks in waiting_input until a client picks one.
func (e *Executors) RunSearch(ctx context.Context, job *models.Job) error {
	payload, err := models.PayloadAs[models.SearchPayload](job)
	if err != nil {
		return err
	}

	e.tracker.Register(job.Kind, job.ID, tracker.Operation{Title: payload.Term})

	result, err := e.searcher.Search(ctx, payload.Term, payload.PageLimit)
	if err != nil {
		return fmt.Errorf("forum search %q: %w", payload.Term, err)
	}
	if len(result.Candidates) == 0 {
		return fmt.Errorf("forum search %q produced no usable results", payload.Term)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	e.logger.Info("search finished",
		"job_id", job.ID, "term", payload.Term,
		"candidates", len(result.Candidates), "pages", result.PagesFetched)

	return e.finish(ctx, job, models.JobStatusWaitingInput, data, nil)
}

// RunDownload executes a download job: fetch each remaining chapter,
// store it, rebuild chunks. Per-chapter failures are counted and the job
// keeps going.
func (e *Executors) RunDownload(ctx context.Context, job *models.Job) error {
	payload, err := models.PayloadAs[models.DownloadPayload](job)
	if err != nil {
		return err
	}

	book, err := e.books.GetByID(ctx, payload.BookID)
	if err != nil {
		return fmt.Errorf("load book %s: %w", payload.BookID, err)
	}

	progress := models.Progress{Total: len(payload.Chapters)}
	e.tracker.Register(job.Kind, job.ID, tracker.Operation{
		Title:    book.Title,
		Progress: progress,
	})

	for _, ref := range payload.Chapters {
		fetched, err := e.fetcher.FetchChapter(ctx, ref.URL)
		if err != nil {
			// 一時的な失敗はカウントして続行
			progress.Failed++
			e.logger.Warn("chapter fetch failed",
				"job_id", job.ID, "url", ref.URL, "error", err)
			e.recordProgress(ctx, job, progress, "failed: "+ref.Title)
			continue
		}

		title := fetched.Title
		if title == "" {
			title = ref.Title
		}
		if err := e.books.UpsertChapter(ctx, &models.Chapter{
			BookID:  book.ID,
			Seq:     ref.Seq,
			Title:   title,
			URL:     ref.URL,
			Content: fetched.Content,
		}); err != nil {
			progress.Failed++
			e.logger.Warn("chapter store failed",
				"job_id", job.ID, "url", ref.URL, "error", err)
			e.recordProgress(ctx, job, progress, "failed: "+ref.Title)
			continue
		}

		progress.Completed++
		e.recordProgress(ctx, job, progress, title)
	}

	if progress.Completed == 0 && progress.Total > 0 {
		return fmt.Errorf("all %d chapters failed", progress.Total)
	}

	chunkSize := payload.ChunkSize
	if chunkSize == 0 {
		chunkSize = book.ChunkSize
	}
	chunkCount, err := e.rebuildChunks(ctx, book, chunkSize)
	if err != nil {
		return err
	}

	result, _ := json.Marshal(map[string]int{
		"chapters_fetched": progress.Completed,
		"chapters_failed":  progress.Failed,
		"chunks":           chunkCount,
	})

	e.logger.Info("download finished",
		"job_id", job.ID, "book", book.Title,
		"fetched", progress.Completed, "failed", progress.Failed, "chunks", chunkCount)

	if err := e.finish(ctx, job, models.JobStatusCompleted, result, &progress); err != nil {
		return err
	}

	if e.autoSync && e.dispatcher != nil {
		e.enqueueSync(ctx, book.ID)
	}
	return nil
}

// RunRechunk rebuilds a book's chunks at a new size. Wholesale
// replacement makes a second run a no-op in content terms.
func (e *Executors) RunRechunk(ctx context.Context, job *models.Job) error {
	payload, err := models.PayloadAs[models.RechunkPayload](job)
	if err != nil {
		return err
	}

	book, err := e.books.GetByID(ctx, payload.BookID)
	if err != nil {
		return fmt.Errorf("load book %s: %w", payload.BookID, err)
	}

	e.tracker.Register(job.Kind, job.ID, tracker.Operation{Title: book.Title})

	chunkCount, err := e.rebuildChunks(ctx, book, payload.ChunkSize)
	if err != nil {
		return err
	}
	if err := e.books.UpdateChunkSize(ctx, book.ID, payload.ChunkSize); err != nil {
		return err
	}

	result, _ := json.Marshal(map[string]int{"chunks": chunkCount})
	e.logger.Info("rechunk finished",
		"job_id", job.ID, "book", book.Title, "chunk_size", payload.ChunkSize, "chunks", chunkCount)

	return e.finish(ctx, job, models.JobStatusCompleted, result, nil)
}

// RunImport ingests a local text file as a new (or existing) book.
func (e *Executors) RunImport(ctx context.Context, job *models.Job) error {
	payload, err := models.PayloadAs[models.ImportPayload](job)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(payload.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("missing input file: %s", payload.FilePath)
		}
		return fmt.Errorf("read input file: %w", err)
	}

	e.tracker.Register(job.Kind, job.ID, tracker.Operation{Title: payload.Title})

	book, err := e.books.GetByTitle(ctx, payload.Title)
	if errors.Is(err, storage.ErrNotFound) {
		book = &models.Book{Title: payload.Title, ChunkSize: payload.ChunkSize}
		err = e.books.Create(ctx, book)
	}
	if err != nil {
		return fmt.Errorf("ensure book %q: %w", payload.Title, err)
	}

	chapters := e.transformer.SplitChapters(string(data), book.Title)
	if len(chapters) == 0 {
		return fmt.Errorf("input file %s contained no text", payload.FilePath)
	}

	for i := range chapters {
		ch := &chapters[i]
		ch.BookID = book.ID
		// インポート章はURLを持たないため合成キーでマージ
		ch.URL = fmt.Sprintf("import:%s:%d", book.ID, ch.Seq)
		if err := e.books.UpsertChapter(ctx, ch); err != nil {
			return err
		}
	}

	chunkSize := payload.ChunkSize
	if chunkSize == 0 {
		chunkSize = book.ChunkSize
	}
	chunkCount, err := e.rebuildChunks(ctx, book, chunkSize)
	if err != nil {
		return err
	}

	// 取り込みで作成した書籍をジョブの対象として記録
	if _, err := e.jobs.UpdateFields(ctx, job.ID, storage.JobUpdate{SubjectID: &book.ID}); err != nil {
		return err
	}

	result, _ := json.Marshal(map[string]any{
		"book_id":  book.ID,
		"chapters": len(chapters),
		"chunks":   chunkCount,
	})

	e.logger.Info("import finished",
		"job_id", job.ID, "book", book.Title,
		"chapters", len(chapters), "chunks", chunkCount)

	return e.finish(ctx, job, models.JobStatusCompleted, result, nil)
}

// RunSync pushes a book to the note service. The payload mode selects
// the sub-handler; both are idempotent on the collaborator side.
func (e *Executors) RunSync(ctx context.Context, job *models.Job) error {
	payload, err := models.PayloadAs[models.SyncPayload](job)
	if err != nil {
		return err
	}

	book, err := e.books.GetByID(ctx, payload.BookID)
	if err != nil {
		return fmt.Errorf("load book %s: %w", payload.BookID, err)
	}

	e.tracker.Register(job.Kind, job.ID, tracker.Operation{
		Title: book.Title, Message: payload.Mode,
	})

	var result json.RawMessage
	switch payload.Mode {
	case models.SyncModeNotes:
		chunks, err := e.books.ListChunks(ctx, book.ID)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return fmt.Errorf("book %q has no chunks to sync", book.Title)
		}
		outcome, err := e.syncer.SyncChunks(ctx, book, chunks)
		if err != nil {
			return fmt.Errorf("sync notes: %w", err)
		}
		result, _ = json.Marshal(outcome)
		e.logger.Info("note sync finished",
			"job_id", job.ID, "book", book.Title,
			"created", outcome.Created, "skipped", outcome.Skipped)

	case models.SyncModeTags:
		if err := e.syncer.SyncTags(ctx, book); err != nil {
			return fmt.Errorf("sync tags: %w", err)
		}
		result, _ = json.Marshal(map[string]string{"tagged": book.Author})
		e.logger.Info("tag sync finished", "job_id", job.ID, "book", book.Title)

	default:
		return fmt.Errorf("unknown sync mode %q", payload.Mode)
	}

	return e.finish(ctx, job, models.JobStatusCompleted, result, nil)
}

func (e *Executors) rebuildChunks(ctx context.Context, book *models.Book, chunkSize int) (int, error) {
	chapters, err := e.books.ListChapters(ctx, book.ID)
	if err != nil {
		return 0, err
	}
	chunks := e.transformer.BuildChunks(chapters, book.Title, chunkSize)
	if err := e.books.ReplaceChunks(ctx, book.ID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// recordProgress updates the tracker first, then the ledger, so live
// readers are never behind the durable record.
func (e *Executors) recordProgress(ctx context.Context, job *models.Job, progress models.Progress, message string) {
	e.tracker.Update(job.Kind, job.ID, tracker.Update{
		Progress: &progress,
		Message:  &message,
	})
	if _, err := e.jobs.UpdateFields(ctx, job.ID, storage.JobUpdate{Progress: &progress}); err != nil {
		e.logger.Warn("progress update failed", "job_id", job.ID, "error", err)
	}
}

// finish writes the terminal ledger row, then mirrors it to the tracker.
func (e *Executors) finish(ctx context.Context, job *models.Job, status string, result json.RawMessage, progress *models.Progress) error {
	now := time.Now()
	upd := storage.JobUpdate{
		Status:      &status,
		Result:      result,
		CompletedAt: &now,
		Progress:    progress,
	}
	n, err := e.jobs.UpdateFields(ctx, job.ID, upd)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s not in a finishable state", job.ID)
	}

	trackerUpd := tracker.Update{Status: &status}
	if progress != nil {
		trackerUpd.Progress = progress
	}
	e.tracker.Update(job.Kind, job.ID, trackerUpd)
	return nil
}

func (e *Executors) enqueueSync(ctx context.Context, bookID string) {
	payload, err := models.EncodePayload(models.SyncPayload{
		BookID: bookID,
		Mode:   models.SyncModeNotes,
	})
	if err != nil {
		return
	}
	syncJob := &models.Job{
		Kind:      models.JobKindSync,
		SubjectID: &bookID,
		Payload:   payload,
	}
	if err := e.jobs.Create(ctx, syncJob); err != nil {
		e.logger.Warn("auto-sync enqueue failed", "book_id", bookID, "error", err)
		return
	}
	e.dispatcher.Dispatch(ctx, syncJob)
}
