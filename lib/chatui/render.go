// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/lib/tui"
)

// minBodyWidth keeps very narrow terminals readable: bodies wrap at no
// less than this many columns even if the prefix pushes past the edge.
const minBodyWidth = 12

// renderTimeline renders events in order, one block per event, each
// wrapped to width columns. failed holds the first line of every failed
// echo.
func renderTimeline(events []timeline.Event, width int, theme tui.Theme, self ref.UserID) (content string, failed []int) {
	if len(events) == 0 {
		return lipgloss.NewStyle().Foreground(theme.FaintText).Render("No messages yet."), nil
	}
	blocks := make([]string, len(events))
	line := 0
	for index, event := range events {
		blocks[index] = renderEvent(event, width, theme, self)
		if event.Echo && event.EchoState == timeline.EchoFailed {
			failed = append(failed, line)
		}
		line += strings.Count(blocks[index], "\n") + 1
	}
	return strings.Join(blocks, "\n"), failed
}

// renderEvent renders "15:04 sender: body", continuation lines indented
// under the body. Echoes carry a delivery marker after the body.
func renderEvent(event timeline.Event, width int, theme tui.Theme, self ref.UserID) string {
	faint := lipgloss.NewStyle().Foreground(theme.FaintText)

	senderColor := theme.OtherSender
	if event.Sender == self {
		senderColor = theme.OwnSender
	}
	name := event.Sender.Localpart()
	if name == "" {
		name = event.Sender.String()
	}

	prefix := faint.Render(event.Timestamp.Local().Format("15:04")) + " " +
		lipgloss.NewStyle().Foreground(senderColor).Bold(true).Render(name) + ": "
	prefixWidth := ansi.StringWidth(prefix)

	bodyStyle := lipgloss.NewStyle().Foreground(theme.NormalText)
	body := event.Payload.Summary()
	if event.Payload.Kind == payload.KindOther {
		bodyStyle = faint.Italic(true)
		body = "* " + body
	}
	if event.Echo {
		bodyStyle = bodyStyle.Foreground(theme.EchoColor(event.EchoState))
	}

	bodyWidth := max(width-prefixWidth, minBodyWidth)
	var lines []string
	if formatted(event) {
		lines = strings.Split(renderTerminalMarkdown(event.Payload.Body, bodyWidth, theme), "\n")
	} else {
		lines = strings.Split(ansi.Wrap(body, bodyWidth, ""), "\n")
		for index, line := range lines {
			lines[index] = bodyStyle.Render(line)
		}
	}
	indent := strings.Repeat(" ", prefixWidth)
	for index := 1; index < len(lines); index++ {
		lines[index] = indent + lines[index]
	}
	if marker := echoMarker(event); marker != "" {
		last := len(lines) - 1
		lines[last] += lipgloss.NewStyle().Foreground(theme.EchoColor(event.EchoState)).Render(marker)
	}
	return prefix + strings.Join(lines, "\n")
}

// formatted reports whether event is a confirmed text message whose
// Markdown produced formatting. Echoes stay plain so their delivery
// color shows.
func formatted(event timeline.Event) bool {
	return !event.Echo && event.Payload.Kind == payload.KindText && event.Payload.FormattedBody != ""
}

func echoMarker(event timeline.Event) string {
	if !event.Echo {
		return ""
	}
	switch event.EchoState {
	case timeline.EchoPending:
		return " (queued)"
	case timeline.EchoSent:
		return " (sending)"
	case timeline.EchoFailed:
		if event.Error != "" {
			return " (failed: " + event.Error + ")"
		}
		return " (failed)"
	default:
		return ""
	}
}

// newestFailed returns the most recent failed echo's local ID.
func newestFailed(echoes []timeline.Event) (string, bool) {
	for index := len(echoes) - 1; index >= 0; index-- {
		if echoes[index].EchoState == timeline.EchoFailed {
			return echoes[index].LocalID, true
		}
	}
	return "", false
}
