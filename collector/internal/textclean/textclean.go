// Package textclean turns upstream strings into what the dashboard renders:
// plain text for titles, markdown for rich descriptions.
package textclean

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Cleaner holds the sanitising policy and the markdown converter.
type Cleaner struct {
	strict *bluemonday.Policy
	md     *converter.Converter
}

// New creates a Cleaner.
func New() *Cleaner {
	return &Cleaner{
		strict: bluemonday.StrictPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Plain strips every tag from s and returns unescaped text.
func (c *Cleaner) Plain(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(html.UnescapeString(c.strict.Sanitize(s)))
}

// Markdown converts an HTML fragment to markdown. When conversion fails or
// yields nothing, the plain-text rendering is returned instead.
func (c *Cleaner) Markdown(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	out, err := c.md.ConvertString(fragment)
	if err != nil || strings.TrimSpace(out) == "" {
		return c.Plain(fragment)
	}
	return strings.TrimSpace(out)
}
