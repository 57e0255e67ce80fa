package stream

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// RenderHTML converts agent message markdown to HTML for clients that
// render rich text. On conversion failure the raw markdown is returned
// so the message is never lost.
func RenderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return buf.String()
}
