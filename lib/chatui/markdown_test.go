// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/roomsync/lib/tui"
)

func TestRenderTerminalMarkdownInline(t *testing.T) {
	rendered := renderTerminalMarkdown("**bold**, _soft_ and `code`", 80, tui.DefaultTheme)
	if plain := ansi.Strip(rendered); plain != "bold, soft and code" {
		t.Errorf("plain text = %q", plain)
	}
	if rendered == ansi.Strip(rendered) {
		t.Error("expected ANSI styling in the rendered output")
	}
}

func TestRenderTerminalMarkdownBlocks(t *testing.T) {
	input := "Steps:\n\n- build\n- deploy\n\n1. first\n2. second\n\n> quoted"
	lines := strings.Split(ansi.Strip(renderTerminalMarkdown(input, 80, tui.DefaultTheme)), "\n")

	want := []string{"Steps:", "", "• build", "• deploy", "", "1. first", "2. second", "", "│ quoted"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q\nwant    %q", lines, want)
	}
}

func TestRenderTerminalMarkdownCodeBlock(t *testing.T) {
	input := "```go\nfunc main() {}\n```"
	rendered := ansi.Strip(renderTerminalMarkdown(input, 80, tui.DefaultTheme))
	if rendered != "  func main() {}" {
		t.Errorf("code block rendered as %q", rendered)
	}

	unknown := ansi.Strip(renderTerminalMarkdown("```nosuchlanguage\nx := 1\n```", 80, tui.DefaultTheme))
	if unknown != "  x := 1" {
		t.Errorf("unknown language rendered as %q", unknown)
	}
}

func TestRenderTerminalMarkdownWraps(t *testing.T) {
	input := "*" + strings.TrimSpace(strings.Repeat("emphasis ", 12)) + "*"
	for index, line := range strings.Split(renderTerminalMarkdown(input, 30, tui.DefaultTheme), "\n") {
		if width := ansi.StringWidth(strings.TrimRight(ansi.Strip(line), " ")); width > 30 {
			t.Errorf("line %d is %d columns: %q", index, width, ansi.Strip(line))
		}
	}
}

func TestRenderEventUsesMarkdownForFormattedText(t *testing.T) {
	event := message("$md", bob, "- one\n- two", time.Now())
	if event.Payload.FormattedBody == "" {
		t.Fatal("list should produce a formatted body")
	}
	lines := strings.Split(ansi.Strip(renderEvent(event, 80, tui.DefaultTheme, alice)), "\n")
	if len(lines) != 2 {
		t.Fatalf("rendered %q, want two lines", lines)
	}
	if !strings.HasSuffix(lines[0], "bob: • one") {
		t.Errorf("first line = %q", lines[0])
	}
	if strings.TrimSpace(lines[1]) != "• two" || !strings.HasPrefix(lines[1], "           ") {
		t.Errorf("second line not indented under the body: %q", lines[1])
	}
}
