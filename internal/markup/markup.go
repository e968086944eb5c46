// Package markup renders change messages for HTML clients.
package markup

import (
	"bytes"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Renderer turns markdown message bodies into sanitized HTML. It is safe for concurrent use.
type Renderer struct {
	markdown  goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// NewRenderer builds a renderer with GitHub flavored markdown and hard line breaks, so the
// line oriented bodies of generated messages keep their shape.
func NewRenderer() *Renderer {
	return &Renderer{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// Render converts src to sanitized HTML. Empty input renders to an empty string.
func (r *Renderer) Render(src string) string {
	if src == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(src), &buf); err != nil {
		return r.sanitizer.Sanitize(src)
	}
	return r.sanitizer.Sanitize(buf.String())
}
