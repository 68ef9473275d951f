// Package parser turns raw file and source content into plain text and
// boundary-aligned chunks for embedding.
package parser

import (
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a parsed uploaded file.
type Document struct {
	// Frontmatter metadata (from YAML), empty for plain text.
	Frontmatter map[string]any

	// Title from frontmatter, first h1, or the file name.
	Title string

	// Body is the content after the frontmatter.
	Body string

	// Markdown reports whether the file was parsed as Markdown.
	Markdown bool
}

var (
	h1Regex       = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	headingRegex  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	linkRegex     = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	emphasisRegex = regexp.MustCompile("(\\*\\*|\\*|~~|`)([^*~`\n]+)(\\*\\*|\\*|~~|`)")
	fenceRegex    = regexp.MustCompile("(?m)^```[a-zA-Z0-9_-]*\\s*$")
	listRegex     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+\.)\s+`)
	quoteRegex    = regexp.MustCompile(`(?m)^>\s?`)
)

// ParseDocument parses file content. Markdown files (.md, .markdown) get
// frontmatter and title extraction; everything else is treated as plain text.
func ParseDocument(fileName, content string) *Document {
	doc := &Document{
		Frontmatter: make(map[string]any),
		Body:        content,
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == ".md" || ext == ".markdown" {
		doc.Markdown = true
		doc.Frontmatter, doc.Body = splitFrontmatter(content)
		doc.Title = extractTitle(doc.Frontmatter, doc.Body)
	}

	if doc.Title == "" && fileName != "" {
		doc.Title = strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	}
	return doc
}

// splitFrontmatter separates a leading YAML block delimited by --- lines.
// Malformed YAML is ignored and yields empty frontmatter.
func splitFrontmatter(content string) (map[string]any, string) {
	fm := make(map[string]any)
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return fm, content
	}

	endIdx := strings.Index(normalized[4:], "\n---")
	if endIdx < 0 {
		return fm, content
	}

	raw := normalized[4 : 4+endIdx]
	body := strings.TrimPrefix(normalized[4+endIdx+4:], "\n")
	if err := yaml.Unmarshal([]byte(raw), &fm); err != nil || fm == nil {
		fm = make(map[string]any)
	}
	return fm, body
}

// extractTitle gets title from frontmatter or first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if name, ok := fm["name"].(string); ok && name != "" {
		return name
	}
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// FrontmatterString extracts a string from frontmatter.
func (d *Document) FrontmatterString(key string) string {
	if v, ok := d.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}

// FrontmatterStrings extracts a string slice from frontmatter. A single
// string value is returned as a one-element slice.
func (d *Document) FrontmatterStrings(key string) []string {
	switch v := d.Frontmatter[key].(type) {
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

// PlainText returns the body with Markdown syntax removed.
func (d *Document) PlainText() string {
	if !d.Markdown {
		return d.Body
	}
	return StripMarkdown(d.Body)
}

// StripMarkdown removes the Markdown syntax that carries no meaning for
// embeddings: heading markers, emphasis, link targets, fences, list bullets.
func StripMarkdown(s string) string {
	s = fenceRegex.ReplaceAllString(s, "")
	s = headingRegex.ReplaceAllString(s, "")
	s = linkRegex.ReplaceAllString(s, "$1")
	s = listRegex.ReplaceAllString(s, "")
	s = emphasisRegex.ReplaceAllString(s, "$2")
	s = quoteRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
