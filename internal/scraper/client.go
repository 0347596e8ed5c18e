// Package scraper is the forum collaborator: candidate search and
// single-chapter fetch over a headless browser.
package scraper

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/naozine/nz-html-fetch/pkg/htmlfetch"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

// Client はフォーラム取得クライアント
type Client struct {
	fetcher *htmlfetch.Fetcher
	baseURL string
}

// Options はクライアント作成オプション
type Options struct {
	BaseURL     string // フォーラムのベースURL
	Stealth     bool   // ボット検出回避
	Proxy       string // プロキシアドレス
	BrowserPath string // ブラウザパス
}

// markdownLink matches [title](url) produced by the markdown fetch mode.
var markdownLink = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)

// NewClient は新しいクライアントを作成
func NewClient(opts *Options) (*Client, error) {
	var fetcherOpts []htmlfetch.Option

	baseURL := ""
	if opts != nil {
		baseURL = strings.TrimRight(opts.BaseURL, "/")
		if opts.BrowserPath != "" {
			fetcherOpts = append(fetcherOpts, htmlfetch.WithBrowserPath(opts.BrowserPath))
		}
		if opts.Proxy != "" {
			fetcherOpts = append(fetcherOpts, htmlfetch.WithProxy(opts.Proxy))
		}
		fetcherOpts = append(fetcherOpts, htmlfetch.WithStealth(opts.Stealth))
	}

	fetcher := htmlfetch.New(fetcherOpts...)

	// ブラウザを起動
	if err := fetcher.Start(); err != nil {
		return nil, err
	}

	return &Client{fetcher: fetcher, baseURL: baseURL}, nil
}

// Close はブラウザを終了
func (c *Client) Close() error {
	if c.fetcher != nil {
		return c.fetcher.Close()
	}
	return nil
}

// Search walks the forum's search pages and collects thread candidates.
// A page that yields nothing ends the walk early; partial results are
// fine, the caller decides whether zero hits is an error.
func (c *Client) Search(ctx context.Context, term string, pageLimit int) (*models.SearchResult, error) {
	if pageLimit <= 0 {
		pageLimit = 3
	}

	result := &models.SearchResult{}
	seen := make(map[string]bool)

	for page := 1; page <= pageLimit; page++ {
		pageURL := fmt.Sprintf("%s/search?q=%s&page=%d", c.baseURL, url.QueryEscape(term), page)
		res, err := c.fetcher.Fetch(ctx, pageURL, htmlfetch.WithMarkdown())
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("search page %d: %w", page, err)
			}
			// 後続ページの失敗は部分結果で続行
			break
		}
		result.PagesFetched++

		found := 0
		for _, m := range markdownLink.FindAllStringSubmatch(res.Markdown, -1) {
			title, link := strings.TrimSpace(m[1]), m[2]
			if !strings.Contains(link, "/thread/") || seen[link] {
				continue
			}
			seen[link] = true
			result.Candidates = append(result.Candidates, models.Candidate{
				Title: title,
				URL:   link,
			})
			found++
		}
		if found == 0 {
			break
		}
	}

	return result, nil
}

// FetchChapter fetches one chapter page as markdown. The first heading
// line becomes the title; the remainder is the raw content.
func (c *Client) FetchChapter(ctx context.Context, chapterURL string) (*models.FetchedChapter, error) {
	res, err := c.fetcher.Fetch(ctx, chapterURL,
		htmlfetch.WithMarkdown(),
		htmlfetch.WithBlocking(htmlfetch.BlockingOptions{Ads: true, Image: true}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch chapter: %w", err)
	}

	title, content := splitTitle(res.Markdown)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("chapter page %s had no content", chapterURL)
	}

	return &models.FetchedChapter{Title: title, Content: content}, nil
}

// ListChapters fetches a thread's index page and extracts its chapter
// links in page order.
func (c *Client) ListChapters(ctx context.Context, threadURL string) ([]models.ChapterRef, error) {
	res, err := c.fetcher.Fetch(ctx, threadURL, htmlfetch.WithMarkdown())
	if err != nil {
		return nil, fmt.Errorf("fetch thread index: %w", err)
	}

	var refs []models.ChapterRef
	seen := make(map[string]bool)
	for _, m := range markdownLink.FindAllStringSubmatch(res.Markdown, -1) {
		title, link := strings.TrimSpace(m[1]), m[2]
		if !strings.Contains(link, "/post/") || seen[link] {
			continue
		}
		seen[link] = true
		refs = append(refs, models.ChapterRef{
			Seq:   len(refs) + 1,
			Title: title,
			URL:   link,
		})
	}
	return refs, nil
}

func splitTitle(markdown string) (string, string) {
	lines := strings.Split(markdown, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
			return title, strings.Join(lines[i+1:], "\n")
		}
		break
	}
	return "", markdown
}
