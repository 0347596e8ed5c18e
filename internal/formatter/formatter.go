// Package formatter normalizes scraped Chinese text and groups it into
// note-sized chunks. Everything here is pure: identical input produces
// byte-identical output, which the resumption pass relies on.
package formatter

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/width"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

// indent is the conventional full-width paragraph indent.
const indent = "　　"

// chapterHeading matches lines like 第十二章 or 第3章 标题.
var chapterHeading = regexp.MustCompile(`^第[0-9零一二三四五六七八九十百千万]+[章节卷回].*$`)

// Formatter implements the transform collaborator contract.
type Formatter struct{}

// New creates a Formatter.
func New() *Formatter {
	return &Formatter{}
}

// FormatText normalizes one block of chapter content: BOM and CR removal,
// full-width ASCII folding, whitespace trimming, and paragraph re-indent.
func (f *Formatter) FormatText(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	// 全角英数字を半角に（漢字はそのまま）
	s = width.Narrow.String(s)

	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Trim(line, " \t　")
		if line == "" {
			continue
		}
		out = append(out, indent+line)
	}
	return strings.Join(out, "\n")
}

// SplitChapters breaks raw imported text into chapters on heading lines.
// Text before the first heading (or with no headings at all) becomes a
// single chapter named after the book.
func (f *Formatter) SplitChapters(text, bookTitle string) []models.Chapter {
	text = strings.TrimPrefix(text, "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var chapters []models.Chapter
	title := bookTitle
	var body []string

	flush := func() {
		content := strings.TrimSpace(strings.Join(body, "\n"))
		if content == "" {
			return
		}
		chapters = append(chapters, models.Chapter{
			Seq:     len(chapters) + 1,
			Title:   title,
			Content: content,
		})
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.Trim(line, " \t　")
		if chapterHeading.MatchString(trimmed) {
			flush()
			title = trimmed
			body = body[:0]
			continue
		}
		body = append(body, line)
	}
	flush()

	return chapters
}

// BuildChunks formats every chapter and regroups the resulting lines into
// chunks of at most chunkSize lines. Chapter headings travel inline as
// ordinary lines so re-chunking at a new size loses nothing.
func (f *Formatter) BuildChunks(chapters []models.Chapter, bookTitle string, chunkSize int) []models.Chunk {
	if chunkSize <= 0 {
		chunkSize = 200
	}

	var lines []string
	for _, ch := range chapters {
		lines = append(lines, ch.Title)
		formatted := f.FormatText(ch.Content)
		if formatted != "" {
			lines = append(lines, strings.Split(formatted, "\n")...)
		}
	}
	if len(lines) == 0 {
		return nil
	}

	total := (len(lines) + chunkSize - 1) / chunkSize
	chunks := make([]models.Chunk, 0, total)
	for i := 0; i < len(lines); i += chunkSize {
		end := i + chunkSize
		if end > len(lines) {
			end = len(lines)
		}
		seq := len(chunks) + 1
		chunks = append(chunks, models.Chunk{
			Seq:     seq,
			Title:   fmt.Sprintf("%s (%d/%d)", bookTitle, seq, total),
			Content: strings.Join(lines[i:end], "\n"),
		})
	}
	return chunks
}
