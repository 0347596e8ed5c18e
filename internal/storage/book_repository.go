package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

// BookRepository は書籍・章・チャンクのデータアクセス層
type BookRepository struct {
	db *DB
}

// NewBookRepository は新しいBookRepositoryを作成
func NewBookRepository(db *DB) *BookRepository {
	return &BookRepository{db: db}
}

// Create は新しい書籍を作成
func (r *BookRepository) Create(ctx context.Context, book *models.Book) error {
	if book.ID == "" {
		book.ID = uuid.New().String()
	}
	if book.ChunkSize == 0 {
		book.ChunkSize = 200
	}
	now := time.Now()
	book.CreatedAt = now
	book.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author, source_url, chunk_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		book.ID, book.Title, book.Author, book.SourceURL, book.ChunkSize,
		book.CreatedAt, book.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert book: %w", err)
	}
	return nil
}

// GetByID はIDで書籍を取得
func (r *BookRepository) GetByID(ctx context.Context, id string) (*models.Book, error) {
	return r.getBook(ctx, `SELECT id, title, author, source_url, chunk_size, created_at, updated_at
		FROM books WHERE id = ?`, id)
}

// GetByTitle はタイトルで書籍を取得
func (r *BookRepository) GetByTitle(ctx context.Context, title string) (*models.Book, error) {
	return r.getBook(ctx, `SELECT id, title, author, source_url, chunk_size, created_at, updated_at
		FROM books WHERE title = ?`, title)
}

func (r *BookRepository) getBook(ctx context.Context, query string, arg any) (*models.Book, error) {
	var book models.Book
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&book.ID, &book.Title, &book.Author, &book.SourceURL,
		&book.ChunkSize, &book.CreatedAt, &book.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// List は書籍一覧を取得
func (r *BookRepository) List(ctx context.Context, limit int) ([]models.Book, error) {
	if limit == 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, author, source_url, chunk_size, created_at, updated_at
		FROM books ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		var book models.Book
		if err := rows.Scan(
			&book.ID, &book.Title, &book.Author, &book.SourceURL,
			&book.ChunkSize, &book.CreatedAt, &book.UpdatedAt,
		); err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, rows.Err()
}

// UpdateChunkSize は書籍のチャンクサイズを更新
func (r *BookRepository) UpdateChunkSize(ctx context.Context, id string, chunkSize int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE books SET chunk_size = ?, updated_at = ? WHERE id = ?`,
		chunkSize, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update book: %w", err)
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

// Delete は書籍を削除（章・チャンクはCASCADE）
func (r *BookRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete book: %w", err)
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

// UpsertChapter inserts a chapter, merging on (book_id, url). Two
// executions racing on the same URL both succeed; the second one wins.
func (r *BookRepository) UpsertChapter(ctx context.Context, ch *models.Chapter) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	ch.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chapters (id, book_id, seq, title, url, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id, url) DO UPDATE SET
			seq = excluded.seq,
			title = excluded.title,
			content = excluded.content`,
		ch.ID, ch.BookID, ch.Seq, ch.Title, ch.URL, ch.Content, ch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chapter: %w", err)
	}
	return nil
}

// ListChapters は書籍の章一覧をseq順で取得
func (r *BookRepository) ListChapters(ctx context.Context, bookID string) ([]models.Chapter, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, book_id, seq, title, url, content, created_at
		FROM chapters WHERE book_id = ? ORDER BY seq ASC`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chapters []models.Chapter
	for rows.Next() {
		var ch models.Chapter
		if err := rows.Scan(&ch.ID, &ch.BookID, &ch.Seq, &ch.Title, &ch.URL,
			&ch.Content, &ch.CreatedAt); err != nil {
			return nil, err
		}
		chapters = append(chapters, ch)
	}
	return chapters, rows.Err()
}

// ChapterURLs returns the set of already-stored chapter URLs for a book.
// The resumption pass uses this as the confirmed-work set.
func (r *BookRepository) ChapterURLs(ctx context.Context, bookID string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT url FROM chapters WHERE book_id = ?`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	urls := make(map[string]bool)
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		urls[url] = true
	}
	return urls, rows.Err()
}

// ReplaceChunks swaps a book's chunks wholesale in one transaction.
// Running it twice with the same input leaves identical rows.
func (r *BookRepository) ReplaceChunks(ctx context.Context, bookID string, chunks []models.Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	now := time.Now()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.BookID = bookID
		c.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, book_id, seq, title, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.BookID, c.Seq, c.Title, c.Content, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	return tx.Commit()
}

// ListChunks は書籍のチャンク一覧をseq順で取得
func (r *BookRepository) ListChunks(ctx context.Context, bookID string) ([]models.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, book_id, seq, title, content, created_at
		FROM chunks WHERE book_id = ? ORDER BY seq ASC`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.BookID, &c.Seq, &c.Title, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChapters は書籍の章数を取得
func (r *BookRepository) CountChapters(ctx context.Context, bookID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chapters WHERE book_id = ?`, bookID).Scan(&n)
	return n, err
}

// CountChunks は書籍のチャンク数を取得
func (r *BookRepository) CountChunks(ctx context.Context, bookID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE book_id = ?`, bookID).Scan(&n)
	return n, err
}
