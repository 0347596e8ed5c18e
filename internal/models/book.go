package models

import "time"

// Book is the content entity jobs operate on.
type Book struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	ChunkSize int       `json:"chunk_size"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chapter is one fetched (or imported) unit of book content.
// (book_id, url) is unique in storage; a re-fetch merges instead of failing.
type Chapter struct {
	ID        string    `json:"id"`
	BookID    string    `json:"book_id"`
	Seq       int       `json:"seq"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is a note-sized group of formatted chapter lines. Chunks are
// derived data and are always rebuilt wholesale.
type Chunk struct {
	ID        string    `json:"id"`
	BookID    string    `json:"book_id"`
	Seq       int       `json:"seq"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Candidate is one search hit from the forum.
type Candidate struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SearchResult is what the discovery collaborator returns.
type SearchResult struct {
	Candidates   []Candidate `json:"candidates"`
	PagesFetched int         `json:"pages_fetched"`
}

// FetchedChapter is what the fetch collaborator returns for one URL.
type FetchedChapter struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}
