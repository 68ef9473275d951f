package parser

import (
	"testing"

	"github.com/raphaelgruber/vecsync/internal/models"
)

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name      string
		fileName  string
		content   string
		wantTitle string
		wantBody  string
		wantMD    bool
	}{
		{
			name:      "frontmatter title",
			fileName:  "notes/setup.md",
			content:   "---\ntitle: Setup Guide\ntags: [ops, infra]\n---\n# Ignored\nBody text",
			wantTitle: "Setup Guide",
			wantBody:  "# Ignored\nBody text",
			wantMD:    true,
		},
		{
			name:      "h1 title",
			fileName:  "readme.markdown",
			content:   "# Project X\n\nIntro.",
			wantTitle: "Project X",
			wantBody:  "# Project X\n\nIntro.",
			wantMD:    true,
		},
		{
			name:      "malformed frontmatter ignored",
			fileName:  "bad.md",
			content:   "---\n: [unclosed\n---\nText",
			wantTitle: "bad",
			wantBody:  "Text",
			wantMD:    true,
		},
		{
			name:      "plain text uses file name",
			fileName:  "/tmp/report.txt",
			content:   "---\ntitle: not parsed\n---\n",
			wantTitle: "report",
			wantBody:  "---\ntitle: not parsed\n---\n",
			wantMD:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := ParseDocument(tt.fileName, tt.content)
			if doc.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", doc.Title, tt.wantTitle)
			}
			if doc.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", doc.Body, tt.wantBody)
			}
			if doc.Markdown != tt.wantMD {
				t.Errorf("Markdown = %v, want %v", doc.Markdown, tt.wantMD)
			}
		})
	}
}

func TestFrontmatterStrings(t *testing.T) {
	doc := ParseDocument("a.md", "---\ntags: [one, two]\nauthor: kim\n---\nx")

	tags := doc.FrontmatterStrings("tags")
	if len(tags) != 2 || tags[0] != "one" || tags[1] != "two" {
		t.Errorf("FrontmatterStrings(tags) = %v", tags)
	}
	if got := doc.FrontmatterStrings("author"); len(got) != 1 || got[0] != "kim" {
		t.Errorf("FrontmatterStrings(author) = %v", got)
	}
	if got := doc.FrontmatterString("author"); got != "kim" {
		t.Errorf("FrontmatterString(author) = %q", got)
	}
	if got := doc.FrontmatterStrings("missing"); got != nil {
		t.Errorf("FrontmatterStrings(missing) = %v, want nil", got)
	}
}

func TestStripMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"## Heading", "Heading"},
		{"See [the docs](https://example.com) now", "See the docs now"},
		{"**bold** and *it* and `code`", "bold and it and code"},
		{"- item one\n- item two", "item one\nitem two"},
		{"> quoted", "quoted"},
		{"```go\nfmt.Println()\n```", "fmt.Println()"},
		{"snake_case_name stays", "snake_case_name stays"},
	}

	for _, tt := range tests {
		if got := StripMarkdown(tt.in); got != tt.want {
			t.Errorf("StripMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPropertyText(t *testing.T) {
	tests := []struct {
		name string
		prop models.SourceProperty
		want string
	}{
		{"rich text", models.SourceProperty{Type: "rich_text", Text: "  hello\n world "}, "hello world"},
		{"select", models.SourceProperty{Type: "select", Values: []string{"Done"}}, "Done"},
		{"multi select", models.SourceProperty{Type: "multi_select", Values: []string{"a", "", "b"}}, "a, b"},
		{"title", models.SourceProperty{Type: "title", Text: "Roadmap"}, "Roadmap"},
		{"number ignored", models.SourceProperty{Type: "number", Text: "42"}, ""},
		{"empty select", models.SourceProperty{Type: "select"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PropertyText(tt.prop); got != tt.want {
				t.Errorf("PropertyText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDocumentTitle(t *testing.T) {
	doc := &models.SourceDocument{
		Properties: map[string]models.SourceProperty{
			"Status": {Name: "Status", Type: "select", Values: []string{"Open"}},
			"Name":   {Name: "Name", Type: "title", Text: "Quarterly plan"},
		},
	}
	if got := DocumentTitle(doc); got != "Quarterly plan" {
		t.Errorf("DocumentTitle() = %q", got)
	}

	doc.Title = "Explicit"
	if got := DocumentTitle(doc); got != "Explicit" {
		t.Errorf("DocumentTitle() = %q", got)
	}

	if got := DocumentTitle(&models.SourceDocument{}); got != "" {
		t.Errorf("DocumentTitle(empty) = %q, want empty", got)
	}
}

func TestBlockText(t *testing.T) {
	if got := BlockText(models.SourceBlock{Type: "paragraph", Text: " a \n b "}); got != "a b" {
		t.Errorf("BlockText(paragraph) = %q", got)
	}
	if got := BlockText(models.SourceBlock{Type: "divider", Text: "---"}); got != "" {
		t.Errorf("BlockText(divider) = %q, want empty", got)
	}
}
