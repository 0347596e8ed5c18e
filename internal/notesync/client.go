// Package notesync pushes book chunks into a Joplin-style note service.
// Every creating call looks the target up first, so replaying a sync job
// after a crash only fills the gaps.
package notesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

// Sentinel errors for note service failures.
var (
	ErrUnreachable  = errors.New("note service unreachable")
	ErrUnauthorized = errors.New("note service rejected token")
)

// SyncOutcome reports what one chunk sync actually did.
type SyncOutcome struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Client is the note service HTTP client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a note service client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type item struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ParentID string `json:"parent_id,omitempty"`
}

type itemList struct {
	Items []item `json:"items"`
}

// SyncChunks ensures one folder per book and one note per chunk.
// Notes that already exist under the folder (matched by title) are
// skipped; duplicate prevention lives here, not in the scheduler.
func (c *Client) SyncChunks(ctx context.Context, book *models.Book, chunks []models.Chunk) (*SyncOutcome, error) {
	folderID, err := c.ensureFolder(ctx, book.Title)
	if err != nil {
		return nil, err
	}

	existing, err := c.noteTitles(ctx, folderID)
	if err != nil {
		return nil, err
	}

	outcome := &SyncOutcome{}
	for _, chunk := range chunks {
		if existing[chunk.Title] {
			outcome.Skipped++
			continue
		}
		body := map[string]string{
			"title":     chunk.Title,
			"body":      chunk.Content,
			"parent_id": folderID,
		}
		if err := c.post(ctx, "/notes", body, nil); err != nil {
			return outcome, fmt.Errorf("create note %q: %w", chunk.Title, err)
		}
		outcome.Created++
	}
	return outcome, nil
}

// SyncTags ensures a tag per book author and attaches it to every note
// in the book's folder that does not carry it yet.
func (c *Client) SyncTags(ctx context.Context, book *models.Book) error {
	if book.Author == "" {
		return nil
	}

	folderID, err := c.ensureFolder(ctx, book.Title)
	if err != nil {
		return err
	}

	tagID, err := c.ensureTag(ctx, book.Author)
	if err != nil {
		return err
	}

	var notes itemList
	if err := c.get(ctx, "/folders/"+folderID+"/notes", &notes); err != nil {
		return err
	}

	var tagged itemList
	if err := c.get(ctx, "/tags/"+tagID+"/notes", &tagged); err != nil {
		return err
	}
	has := make(map[string]bool, len(tagged.Items))
	for _, n := range tagged.Items {
		has[n.ID] = true
	}

	for _, n := range notes.Items {
		if has[n.ID] {
			continue
		}
		if err := c.post(ctx, "/tags/"+tagID+"/notes", map[string]string{"id": n.ID}, nil); err != nil {
			return fmt.Errorf("tag note %q: %w", n.Title, err)
		}
	}
	return nil
}

// Ping checks connectivity and token validity.
func (c *Client) Ping(ctx context.Context) error {
	var folders itemList
	return c.get(ctx, "/folders", &folders)
}

func (c *Client) ensureFolder(ctx context.Context, title string) (string, error) {
	var folders itemList
	if err := c.get(ctx, "/folders", &folders); err != nil {
		return "", err
	}
	for _, f := range folders.Items {
		if f.Title == title {
			return f.ID, nil
		}
	}

	var created item
	if err := c.post(ctx, "/folders", map[string]string{"title": title}, &created); err != nil {
		return "", fmt.Errorf("create folder %q: %w", title, err)
	}
	return created.ID, nil
}

func (c *Client) ensureTag(ctx context.Context, title string) (string, error) {
	var tags itemList
	if err := c.get(ctx, "/tags", &tags); err != nil {
		return "", err
	}
	for _, t := range tags.Items {
		if t.Title == title {
			return t.ID, nil
		}
	}

	var created item
	if err := c.post(ctx, "/tags", map[string]string{"title": title}, &created); err != nil {
		return "", fmt.Errorf("create tag %q: %w", title, err)
	}
	return created.ID, nil
}

func (c *Client) noteTitles(ctx context.Context, folderID string) (map[string]bool, error) {
	var notes itemList
	if err := c.get(ctx, "/folders/"+folderID+"/notes", &notes); err != nil {
		return nil, err
	}
	titles := make(map[string]bool, len(notes.Items))
	for _, n := range notes.Items {
		titles[n.Title] = true
	}
	return titles, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) url(path string) string {
	return c.baseURL + path + "?token=" + url.QueryEscape(c.token)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("note service returned %d: %s", resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
