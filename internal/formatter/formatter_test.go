package formatter

import (
	"strings"
	"testing"

	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
)

func TestFormatText(t *testing.T) {
	f := New()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "indents paragraphs",
			in:   "第一段\n第二段",
			want: "　　第一段\n　　第二段",
		},
		{
			name: "drops blank lines",
			in:   "上\n\n\n下",
			want: "　　上\n　　下",
		},
		{
			name: "normalizes CRLF",
			in:   "上\r\n下\r中",
			want: "　　上\n　　下\n　　中",
		},
		{
			name: "strips BOM",
			in:   "\uFEFF正文",
			want: "　　正文",
		},
		{
			name: "folds full-width ASCII",
			in:   "第１２３章",
			want: "　　第123章",
		},
		{
			name: "trims mixed whitespace",
			in:   " \t　正文　\t ",
			want: "　　正文",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.FormatText(tt.in)
			if got != tt.want {
				t.Errorf("FormatText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestFormatTextIdempotent verifies that re-formatting already-formatted
// text is a no-op. Resumption re-runs the transform freely on that basis.
func TestFormatTextIdempotent(t *testing.T) {
	f := New()
	in := "第１章　开端\r\n\r\n　山中有一少年。\n他叫韩立。"

	once := f.FormatText(in)
	twice := f.FormatText(once)
	if once != twice {
		t.Errorf("second pass changed output:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestSplitChapters(t *testing.T) {
	f := New()

	text := "序言文字\n第一章 山村少年\n正文一\n正文二\n第二章 出山\n正文三"
	chapters := f.SplitChapters(text, "凡人修仙传")

	if len(chapters) != 3 {
		t.Fatalf("got %d chapters, want 3", len(chapters))
	}
	if chapters[0].Title != "凡人修仙传" {
		t.Errorf("preamble chapter title = %q, want book title", chapters[0].Title)
	}
	if chapters[0].Content != "序言文字" {
		t.Errorf("preamble content = %q", chapters[0].Content)
	}
	if chapters[1].Title != "第一章 山村少年" || chapters[1].Seq != 2 {
		t.Errorf("chapter 2 = %+v", chapters[1])
	}
	if chapters[2].Content != "正文三" {
		t.Errorf("chapter 3 content = %q", chapters[2].Content)
	}
}

func TestSplitChaptersHeadingVariants(t *testing.T) {
	f := New()

	tests := []struct {
		line string
		want bool
	}{
		{"第一章", true},
		{"第十二章 试炼", true},
		{"第3章", true},
		{"第一百零八回", true},
		{"第五卷 终章", true},
		{"第二节", true},
		{"一章", false},
		{"关于第一章的讨论", false},
	}

	for _, tt := range tests {
		chapters := f.SplitChapters("前文\n"+tt.line+"\n后文", "书")
		split := len(chapters) == 2
		if split != tt.want {
			t.Errorf("line %q: split = %v, want %v", tt.line, split, tt.want)
		}
	}
}

func TestSplitChaptersNoHeadings(t *testing.T) {
	f := New()

	chapters := f.SplitChapters("只有正文\n没有章节", "短篇")
	if len(chapters) != 1 {
		t.Fatalf("got %d chapters, want 1", len(chapters))
	}
	if chapters[0].Title != "短篇" || chapters[0].Seq != 1 {
		t.Errorf("chapter = %+v", chapters[0])
	}

	if got := f.SplitChapters("", "空"); got != nil {
		t.Errorf("empty text should yield no chapters, got %d", len(got))
	}
}

func TestBuildChunks(t *testing.T) {
	f := New()

	chapters := []models.Chapter{
		{Title: "第一章", Content: "a\nb\nc"},
		{Title: "第二章", Content: "d\ne"},
	}

	// 見出し行込みで7行 → サイズ3で3チャンク
	chunks := f.BuildChunks(chapters, "书", 3)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Title != "书 (1/3)" || chunks[2].Title != "书 (3/3)" {
		t.Errorf("chunk titles = %q, %q", chunks[0].Title, chunks[2].Title)
	}
	if chunks[0].Content != "第一章\n　　a\n　　b" {
		t.Errorf("first chunk = %q", chunks[0].Content)
	}

	// 全行がどこかのチャンクに入っている
	var total int
	for _, c := range chunks {
		total += len(strings.Split(c.Content, "\n"))
	}
	if total != 7 {
		t.Errorf("chunks hold %d lines, want 7", total)
	}
}

func TestBuildChunksDeterministic(t *testing.T) {
	f := New()
	chapters := []models.Chapter{
		{Title: "第一章", Content: "甲\n乙\n丙\n丁"},
	}

	a := f.BuildChunks(chapters, "书", 2)
	b := f.BuildChunks(chapters, "书", 2)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Title != b[i].Title || a[i].Content != b[i].Content {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestBuildChunksEdgeCases(t *testing.T) {
	f := New()

	if got := f.BuildChunks(nil, "书", 10); got != nil {
		t.Errorf("no chapters should yield no chunks, got %d", len(got))
	}

	// 不正なサイズはデフォルトに落ちる
	chapters := []models.Chapter{{Title: "第一章", Content: "a"}}
	chunks := f.BuildChunks(chapters, "书", 0)
	if len(chunks) != 1 {
		t.Errorf("got %d chunks, want 1", len(chunks))
	}
}
