package parser

import (
	"maps"
	"slices"
	"strings"

	"github.com/raphaelgruber/vecsync/internal/models"
)

// textPropertyTypes are the property types whose values are worth embedding.
var textPropertyTypes = map[string]bool{
	"title":        true,
	"rich_text":    true,
	"text":         true,
	"select":       true,
	"multi_select": true,
	"status":       true,
}

// IsTextProperty reports whether the property type carries embeddable text.
func IsTextProperty(propType string) bool {
	return textPropertyTypes[strings.ToLower(propType)]
}

// PropertyText returns the embeddable text of a property, or "" when the
// property type is not text-bearing or holds no value.
func PropertyText(p models.SourceProperty) string {
	if !IsTextProperty(p.Type) {
		return ""
	}
	if text := collapseSpace(p.Text); text != "" {
		return text
	}

	values := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		if v = collapseSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return strings.Join(values, ", ")
}

// DocumentTitle returns the document title, falling back to the first
// title-typed property.
func DocumentTitle(doc *models.SourceDocument) string {
	if title := collapseSpace(doc.Title); title != "" {
		return title
	}
	for _, name := range slices.Sorted(maps.Keys(doc.Properties)) {
		p := doc.Properties[name]
		if strings.EqualFold(p.Type, "title") {
			if text := PropertyText(p); text != "" {
				return text
			}
		}
	}
	return ""
}

// BlockText returns the plain text of a content block.
func BlockText(b models.SourceBlock) string {
	switch b.Type {
	case "divider", "image", "video", "file", "pdf", "embed", "table_of_contents", "breadcrumb":
		return ""
	}
	return collapseSpace(b.Text)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
