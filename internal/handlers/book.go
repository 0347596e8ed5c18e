package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/worker"
)

// ChapterLister resolves a book's chapter list from its forum thread.
type ChapterLister interface {
	ListChapters(ctx context.Context, threadURL string) ([]models.ChapterRef, error)
}

// BookHandler は書籍APIのハンドラー
type BookHandler struct {
	books            *storage.BookRepository
	jobs             *storage.JobRepository
	dispatcher       *worker.Dispatcher
	lister           ChapterLister
	defaultChunkSize int
}

// NewBookHandler は新しいBookHandlerを作成
func NewBookHandler(books *storage.BookRepository, jobs *storage.JobRepository, dispatcher *worker.Dispatcher, lister ChapterLister, defaultChunkSize int) *BookHandler {
	return &BookHandler{
		books:            books,
		jobs:             jobs,
		dispatcher:       dispatcher,
		lister:           lister,
		defaultChunkSize: defaultChunkSize,
	}
}

type createBookRequest struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	SourceURL string `json:"source_url"`
	ChunkSize int    `json:"chunk_size"`
}

// Create registers a book, typically from a search candidate the user
// picked.
func (h *BookHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req createBookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Title == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "title is required"})
	}

	book := &models.Book{
		Title:     req.Title,
		Author:    req.Author,
		SourceURL: req.SourceURL,
		ChunkSize: req.ChunkSize,
	}
	if book.ChunkSize == 0 {
		book.ChunkSize = h.defaultChunkSize
	}
	if err := h.books.Create(ctx, book); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, book)
}

// List は書籍一覧を取得
func (h *BookHandler) List(c echo.Context) error {
	books, err := h.books.List(c.Request().Context(), 0)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, books)
}

// Get は書籍を章数・チャンク数つきで取得
func (h *BookHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	book, err := h.books.GetByID(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "book not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	chapters, err := h.books.CountChapters(ctx, book.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	chunks, err := h.books.CountChunks(ctx, book.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"book":     book,
		"chapters": chapters,
		"chunks":   chunks,
	})
}

// Delete removes a book; chapters and chunks cascade in storage.
func (h *BookHandler) Delete(c echo.Context) error {
	err := h.books.Delete(c.Request().Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "book not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

type downloadRequest struct {
	Chapters  []models.ChapterRef `json:"chapters"`
	ChunkSize int                 `json:"chunk_size"`
}

// Download creates and dispatches a download job. With no explicit
// chapter list the book's forum thread is consulted.
func (h *BookHandler) Download(c echo.Context) error {
	ctx := c.Request().Context()

	book, err := h.books.GetByID(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "book not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if busy, err := h.hasActiveJob(ctx, book.ID, models.JobKindDownload); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	} else if busy {
		return c.JSON(http.StatusConflict, map[string]string{"error": "a download for this book is already queued or running"})
	}

	chapters := req.Chapters
	if len(chapters) == 0 {
		if book.SourceURL == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "book has no source URL and no chapters were given"})
		}
		chapters, err = h.lister.ListChapters(ctx, book.SourceURL)
		if err != nil {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
		}
		if len(chapters) == 0 {
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "forum thread listed no chapters"})
		}
	}

	payload, err := models.EncodePayload(models.DownloadPayload{
		BookID:    book.ID,
		Chapters:  chapters,
		ChunkSize: req.ChunkSize,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	job := &models.Job{
		Kind:      models.JobKindDownload,
		SubjectID: &book.ID,
		Payload:   payload,
		Progress:  models.Progress{Total: len(chapters)},
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	h.dispatcher.Dispatch(ctx, job)

	return c.JSON(http.StatusAccepted, job)
}

type rechunkRequest struct {
	ChunkSize int `json:"chunk_size"`
}

// Rechunk creates and dispatches a rechunk job.
func (h *BookHandler) Rechunk(c echo.Context) error {
	ctx := c.Request().Context()

	book, err := h.books.GetByID(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "book not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var req rechunkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ChunkSize <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "chunk_size must be positive"})
	}

	payload, err := models.EncodePayload(models.RechunkPayload{
		BookID:    book.ID,
		ChunkSize: req.ChunkSize,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	job := &models.Job{
		Kind:      models.JobKindRechunk,
		SubjectID: &book.ID,
		Payload:   payload,
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	h.dispatcher.Dispatch(ctx, job)

	return c.JSON(http.StatusAccepted, job)
}

type syncRequest struct {
	Mode string `json:"mode"`
}

// Sync creates and dispatches a sync job.
func (h *BookHandler) Sync(c echo.Context) error {
	ctx := c.Request().Context()

	book, err := h.books.GetByID(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "book not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Mode == "" {
		req.Mode = models.SyncModeNotes
	}
	if req.Mode != models.SyncModeNotes && req.Mode != models.SyncModeTags {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "mode must be notes or tags"})
	}

	payload, err := models.EncodePayload(models.SyncPayload{
		BookID: book.ID,
		Mode:   req.Mode,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	job := &models.Job{
		Kind:      models.JobKindSync,
		SubjectID: &book.ID,
		Payload:   payload,
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	h.dispatcher.Dispatch(ctx, job)

	return c.JSON(http.StatusAccepted, job)
}

type importRequest struct {
	Title     string `json:"title"`
	FilePath  string `json:"file_path"`
	ChunkSize int    `json:"chunk_size"`
}

// Import creates and dispatches an import job for a local text file.
func (h *BookHandler) Import(c echo.Context) error {
	ctx := c.Request().Context()

	var req importRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Title == "" || req.FilePath == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "title and file_path are required"})
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = h.defaultChunkSize
	}

	payload, err := models.EncodePayload(models.ImportPayload{
		Title:     req.Title,
		FilePath:  req.FilePath,
		ChunkSize: req.ChunkSize,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	// subjectはジョブ実行中に作成されるためnullのまま
	job := &models.Job{Kind: models.JobKindImport, Payload: payload}
	if err := h.jobs.Create(ctx, job); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	h.dispatcher.Dispatch(ctx, job)

	return c.JSON(http.StatusAccepted, job)
}

func (h *BookHandler) hasActiveJob(ctx context.Context, bookID, kind string) (bool, error) {
	jobs, err := h.jobs.ListBySubject(ctx, bookID)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.Kind == kind && (j.Status == models.JobStatusQueued || j.Status == models.JobStatusRunning) {
			return true, nil
		}
	}
	return false, nil
}
