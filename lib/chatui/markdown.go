// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/bureau-foundation/roomsync/lib/tui"
)

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func markdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParserInstance
}

// renderTerminalMarkdown renders a Markdown message body as styled
// terminal lines no wider than width. Soft line breaks reflow; code
// blocks keep their lines and are syntax highlighted when they name a
// language.
func renderTerminalMarkdown(input string, width int, theme tui.Theme) string {
	source := []byte(input)
	document := markdownParser().Parser().Parse(text.NewReader(source))

	// The view always draws to a terminal; detection would strip colors
	// when the process has no TTY on stderr, as under test.
	styles := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.ANSI256))
	styles.SetColorProfile(termenv.ANSI256)

	renderer := &markdownRenderer{
		source: source,
		theme:  theme,
		width:  max(width, minBodyWidth),
		styles: styles,
	}
	ast.Walk(document, renderer.walk)
	return strings.Join(renderer.lines, "\n")
}

type listState struct {
	ordered bool
	counter int
}

// markdownRenderer accumulates inline content per block and wraps it
// when the block closes.
type markdownRenderer struct {
	source []byte
	theme  tui.Theme
	width  int
	styles *lipgloss.Renderer

	lines  []string
	inline strings.Builder

	prefixes      []string
	pendingBullet string
	lists         []listState

	bold, italic, strikethrough int
}

func (renderer *markdownRenderer) style() lipgloss.Style {
	return renderer.styles.NewStyle()
}

func (renderer *markdownRenderer) linePrefix() string {
	return strings.Join(renderer.prefixes, "")
}

// emit appends content, one line per "\n", with the current prefixes.
// The first line takes a pending list bullet instead.
func (renderer *markdownRenderer) emit(content string) {
	prefix := renderer.linePrefix()
	for index, line := range strings.Split(content, "\n") {
		if index == 0 && renderer.pendingBullet != "" {
			line = renderer.pendingBullet + line
			renderer.pendingBullet = ""
		} else {
			line = prefix + line
		}
		renderer.lines = append(renderer.lines, line)
	}
}

func (renderer *markdownRenderer) flushInline() {
	content := renderer.inline.String()
	renderer.inline.Reset()
	if content == "" {
		return
	}
	width := max(renderer.width-ansi.StringWidth(renderer.linePrefix()), minBodyWidth)
	renderer.emit(ansi.Wrap(content, width, " ,.;-+|"))
}

// separate adds a blank line after top-level blocks that have a
// successor.
func (renderer *markdownRenderer) separate(node ast.Node) {
	if node.Parent() != nil && node.Parent().Kind() == ast.KindDocument && node.NextSibling() != nil {
		renderer.lines = append(renderer.lines, "")
	}
}

func (renderer *markdownRenderer) styledText(content string) string {
	style := renderer.style().Foreground(renderer.theme.NormalText)
	if renderer.bold > 0 {
		style = style.Bold(true)
	}
	if renderer.italic > 0 {
		style = style.Italic(true)
	}
	if renderer.strikethrough > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(content)
}

// childText concatenates the raw text of node's children.
func (renderer *markdownRenderer) childText(node ast.Node) string {
	var builder strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if textNode, ok := child.(*ast.Text); ok {
			builder.Write(textNode.Segment.Value(renderer.source))
		}
	}
	return builder.String()
}

func (renderer *markdownRenderer) highlight(code, language string) string {
	if language != "" {
		var buffer strings.Builder
		if err := quick.Highlight(&buffer, code, language, "terminal256", "monokai"); err == nil {
			return buffer.String()
		}
	}
	return renderer.style().Foreground(renderer.theme.FaintText).Render(code)
}

func (renderer *markdownRenderer) renderCode(segments *text.Segments, language string) {
	var code strings.Builder
	for index := 0; index < segments.Len(); index++ {
		segment := segments.At(index)
		code.Write(segment.Value(renderer.source))
	}
	highlighted := strings.Split(renderer.highlight(strings.TrimRight(code.String(), "\n"), language), "\n")
	// Formatters may end with a newline followed by a bare reset.
	for len(highlighted) > 1 && strings.TrimSpace(ansi.Strip(highlighted[len(highlighted)-1])) == "" {
		highlighted = highlighted[:len(highlighted)-1]
	}

	width := max(renderer.width-ansi.StringWidth(renderer.linePrefix())-2, minBodyWidth)
	for _, line := range highlighted {
		renderer.emit("  " + ansi.Truncate(line, width, "…"))
	}
}

func (renderer *markdownRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			renderer.inline.Reset()
		} else {
			renderer.flushInline()
			renderer.separate(node)
		}

	case ast.KindHeading:
		if entering {
			renderer.inline.Reset()
			renderer.bold++
		} else {
			renderer.bold--
			renderer.flushInline()
			renderer.separate(node)
		}

	case ast.KindFencedCodeBlock:
		if entering {
			block := node.(*ast.FencedCodeBlock)
			renderer.renderCode(block.Lines(), string(block.Language(renderer.source)))
			renderer.separate(node)
		}
		return ast.WalkSkipChildren, nil

	case ast.KindCodeBlock:
		if entering {
			renderer.renderCode(node.Lines(), "")
			renderer.separate(node)
		}
		return ast.WalkSkipChildren, nil

	case ast.KindBlockquote:
		if entering {
			renderer.prefixes = append(renderer.prefixes, renderer.style().Foreground(renderer.theme.BorderColor).Render("│ "))
		} else {
			renderer.prefixes = renderer.prefixes[:len(renderer.prefixes)-1]
			renderer.separate(node)
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			renderer.lists = append(renderer.lists, listState{ordered: list.IsOrdered(), counter: list.Start})
		} else {
			renderer.lists = renderer.lists[:len(renderer.lists)-1]
			renderer.separate(node)
		}

	case ast.KindListItem:
		if entering {
			state := &renderer.lists[len(renderer.lists)-1]
			bullet := "• "
			if state.ordered {
				bullet = strconv.Itoa(state.counter) + ". "
				state.counter++
			}
			renderer.pendingBullet = renderer.linePrefix() + renderer.style().Foreground(renderer.theme.Accent).Render(bullet)
			renderer.prefixes = append(renderer.prefixes, strings.Repeat(" ", ansi.StringWidth(bullet)))
		} else {
			renderer.prefixes = renderer.prefixes[:len(renderer.prefixes)-1]
		}

	case ast.KindThematicBreak:
		if entering {
			renderer.emit(renderer.style().Foreground(renderer.theme.BorderColor).Render(strings.Repeat("─", min(renderer.width, 20))))
			renderer.separate(node)
		}

	case ast.KindHTMLBlock:
		if entering {
			var raw strings.Builder
			lines := node.Lines()
			for index := 0; index < lines.Len(); index++ {
				segment := lines.At(index)
				raw.Write(segment.Value(renderer.source))
			}
			renderer.emit(renderer.style().Foreground(renderer.theme.FaintText).Render(strings.TrimRight(raw.String(), "\n")))
			renderer.separate(node)
		}
		return ast.WalkSkipChildren, nil

	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			renderer.inline.WriteString(renderer.styledText(string(textNode.Segment.Value(renderer.source))))
			switch {
			case textNode.HardLineBreak():
				renderer.inline.WriteString("\n")
			case textNode.SoftLineBreak():
				renderer.inline.WriteString(" ")
			}
		}

	case ast.KindString:
		if entering {
			renderer.inline.WriteString(renderer.styledText(string(node.(*ast.String).Value)))
		}

	case ast.KindCodeSpan:
		if entering {
			renderer.inline.WriteString(renderer.style().Foreground(renderer.theme.Accent).Render(renderer.childText(node)))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindEmphasis:
		level := node.(*ast.Emphasis).Level
		delta := 1
		if !entering {
			delta = -1
		}
		if level >= 2 {
			renderer.bold += delta
		} else {
			renderer.italic += delta
		}

	case extast.KindStrikethrough:
		if entering {
			renderer.strikethrough++
		} else {
			renderer.strikethrough--
		}

	case ast.KindLink:
		if !entering {
			link := node.(*ast.Link)
			destination := string(link.Destination)
			if destination != "" && destination != renderer.childText(node) {
				renderer.inline.WriteString(renderer.style().Foreground(renderer.theme.FaintText).Render(" (" + destination + ")"))
			}
		}

	case ast.KindAutoLink:
		if entering {
			url := string(node.(*ast.AutoLink).URL(renderer.source))
			renderer.inline.WriteString(renderer.style().Foreground(renderer.theme.Accent).Underline(true).Render(url))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindRawHTML:
		if entering {
			segments := node.(*ast.RawHTML).Segments
			for index := 0; index < segments.Len(); index++ {
				segment := segments.At(index)
				renderer.inline.WriteString(renderer.style().Foreground(renderer.theme.FaintText).Render(string(segment.Value(renderer.source))))
			}
		}
		return ast.WalkSkipChildren, nil

	case ast.KindImage:
		if entering {
			renderer.inline.WriteString(renderer.style().Foreground(renderer.theme.FaintText).Render("[image: " + renderer.childText(node) + "]"))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}
