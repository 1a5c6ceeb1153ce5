// Package render fills message templates with recipient fields.
package render

import (
	"os"
	"strings"

	"wasender/internal/domain"
)

// Template is a raw message body with {Column} placeholders.
type Template struct {
	text string
}

// New wraps text as a template.
func New(text string) *Template {
	return &Template{text: text}
}

// Load reads a template file.
func Load(path string) (*Template, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &domain.NotFoundError{What: "message template"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.NotFoundError{What: "message template", Path: path, Err: err}
	}
	return New(string(data)), nil
}

// Render replaces every {Column} with the recipient's value for that column.
// Replacement is a single pass, so values that themselves look like
// placeholders are left alone. Placeholders with no matching column pass
// through unchanged.
func (t *Template) Render(rec domain.Recipient) string {
	if len(rec.Columns) == 0 || !strings.Contains(t.text, "{") {
		return t.text
	}
	pairs := make([]string, 0, len(rec.Columns)*2)
	seen := make(map[string]bool, len(rec.Columns))
	for _, col := range rec.Columns {
		if col == "" || seen[col] {
			continue
		}
		seen[col] = true
		v, _ := rec.Get(col)
		pairs = append(pairs, "{"+col+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(t.text)
}

// Placeholders lists the distinct {Name} tokens in the template, in order of
// first appearance.
func (t *Template) Placeholders() []string {
	var out []string
	seen := make(map[string]bool)
	rest := t.text
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return out
		}
		end := strings.IndexByte(rest[open+1:], '}')
		if end < 0 {
			return out
		}
		name := rest[open+1 : open+1+end]
		if name != "" && !strings.ContainsRune(name, '{') && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
		rest = rest[open+1+end+1:]
	}
}

// Missing returns the placeholders that no column in columns will fill.
func (t *Template) Missing(columns []string) []string {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}
	var out []string
	for _, p := range t.Placeholders() {
		if !have[p] {
			out = append(out, p)
		}
	}
	return out
}
