// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// The converter is configured once; goldmark keeps per-call state in
// Convert. Raw HTML in the source is escaped (WithUnsafe is not set).
var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.Strikethrough,
				extension.Linkify,
			),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
			),
		)
	})
	return markdownInstance
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// renderMarkdown returns the HTML rendering of body and true, or false
// when rendering adds nothing beyond escaping (a single plain
// paragraph).
func renderMarkdown(body string) (string, bool) {
	var buffer bytes.Buffer
	if err := markdown().Convert([]byte(body), &buffer); err != nil {
		return "", false
	}
	rendered := strings.TrimSpace(buffer.String())
	if rendered == "" {
		return "", false
	}

	inner, single := singleParagraph(rendered)
	if !single {
		return rendered, true
	}
	plain := strings.ReplaceAll(htmlEscaper.Replace(strings.TrimSpace(body)), "\n", "<br>\n")
	if inner == plain {
		return "", false
	}
	return inner, true
}

// singleParagraph strips the <p> wrapper from output that is exactly
// one paragraph.
func singleParagraph(rendered string) (string, bool) {
	inner, ok := strings.CutPrefix(rendered, "<p>")
	if !ok {
		return "", false
	}
	inner, ok = strings.CutSuffix(inner, "</p>")
	if !ok || strings.Contains(inner, "<p>") {
		return "", false
	}
	return inner, true
}
