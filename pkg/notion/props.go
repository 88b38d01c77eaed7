package notion

import (
	"strings"

	"github.com/jomei/notionapi"
)

// MaxTextContent is the largest content Notion accepts in one text object.
const MaxTextContent = 2000

// RichText splits s into text objects of at most MaxTextContent runes.
func RichText(s string) []notionapi.RichText {
	if s == "" {
		return []notionapi.RichText{}
	}
	runes := []rune(s)
	out := make([]notionapi.RichText, 0, len(runes)/MaxTextContent+1)
	for start := 0; start < len(runes); start += MaxTextContent {
		end := min(start+MaxTextContent, len(runes))
		out = append(out, notionapi.RichText{
			Text: &notionapi.Text{Content: string(runes[start:end])},
		})
	}
	return out
}

// PlainText concatenates rich text objects.
func PlainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, r := range rt {
		switch {
		case r.PlainText != "":
			b.WriteString(r.PlainText)
		case r.Text != nil:
			b.WriteString(r.Text.Content)
		}
	}
	return b.String()
}

// PropertyText reads any text-like property as a string.
func PropertyText(p notionapi.Property) string {
	switch v := p.(type) {
	case *notionapi.TitleProperty:
		return PlainText(v.Title)
	case *notionapi.RichTextProperty:
		return PlainText(v.RichText)
	case *notionapi.StatusProperty:
		return v.Status.Name
	case *notionapi.SelectProperty:
		return v.Select.Name
	case *notionapi.URLProperty:
		return v.URL
	default:
		return ""
	}
}

// PropertyNumber reads a number property.
func PropertyNumber(p notionapi.Property) float64 {
	if v, ok := p.(*notionapi.NumberProperty); ok {
		return v.Number
	}
	return 0
}
