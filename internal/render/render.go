// Package render turns a task template into a concrete message for one
// recipient or one batch.
package render

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"sheetmailer/internal/models"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
)

var whitespace = regexp.MustCompile(`\s+`)

type Options struct {
	// NormalizeWhitespace collapses runs of whitespace in the HTML body.
	NormalizeWhitespace bool
	// WrapperStyle, when set, wraps the body in a styled div.
	WrapperStyle string
}

type Renderer struct {
	opts Options
	md   goldmark.Markdown
}

func New(opts Options) *Renderer {
	return &Renderer{
		opts: opts,
		// raw HTML inside markdown is escaped
		md: goldmark.New(
			goldmark.WithRendererOptions(
				goldmarkHTML.WithHardWraps(),
			),
		),
	}
}

// Prepare converts a markdown body to HTML so the conversion runs once per
// dispatch instead of once per row.
func (r *Renderer) Prepare(tmpl models.Template) (models.Template, error) {
	if !strings.EqualFold(tmpl.Format, models.FormatMarkdown) {
		return tmpl, nil
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(tmpl.Body), &buf); err != nil {
		return tmpl, fmt.Errorf("convert markdown: %w", err)
	}
	tmpl.Body = buf.String()
	tmpl.Format = models.FormatHTML
	return tmpl, nil
}

// Render substitutes each placeholder once, first occurrence only, in the
// subject and body. Values placed into the body are HTML-escaped.
func (r *Renderer) Render(tmpl models.Template, subs map[string]string, attachments []models.Attachment) (models.Message, error) {
	tmpl, err := r.Prepare(tmpl)
	if err != nil {
		return models.Message{}, err
	}

	subject := tmpl.Subject
	body := tmpl.Body
	for placeholder, value := range subs {
		if placeholder == "" {
			continue
		}
		subject = strings.Replace(subject, placeholder, value, 1)
		body = strings.Replace(body, placeholder, html.EscapeString(value), 1)
	}

	if r.opts.NormalizeWhitespace {
		body = strings.TrimSpace(whitespace.ReplaceAllString(body, " "))
	}
	if r.opts.WrapperStyle != "" {
		body = fmt.Sprintf(`<div style="%s">%s</div>`, html.EscapeString(r.opts.WrapperStyle), body)
	}

	return models.Message{
		Subject:     subject,
		HTML:        body,
		Attachments: CopyAttachments(attachments),
	}, nil
}

// CopyAttachments deep-copies attachment content.
func CopyAttachments(in []models.Attachment) []models.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.Attachment, len(in))
	for i, a := range in {
		out[i] = models.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     append([]byte(nil), a.Content...),
		}
	}
	return out
}
