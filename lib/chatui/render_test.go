// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/lib/tui"
)

func TestRenderEventWrapsUnderBody(t *testing.T) {
	event := message("$1", bob, strings.TrimSpace(strings.Repeat("word ", 20)), time.Now())
	rendered := ansi.Strip(renderEvent(event, 40, tui.DefaultTheme, alice))
	lines := strings.Split(rendered, "\n")

	if len(lines) < 2 {
		t.Fatalf("expected wrapping, got %q", rendered)
	}
	prefixWidth := len("00:00 bob: ")
	for index, line := range lines {
		if width := ansi.StringWidth(strings.TrimRight(line, " ")); width > 40 {
			t.Errorf("line %d is %d columns wide: %q", index, width, line)
		}
		if index > 0 && !strings.HasPrefix(line, strings.Repeat(" ", prefixWidth)) {
			t.Errorf("continuation line %d not indented: %q", index, line)
		}
	}
}

func TestRenderEventMarkers(t *testing.T) {
	echo := timeline.Event{
		Echo:    true,
		LocalID: "local-1",
		Sender:  alice,
		Payload: payload.Text("on its way"),
	}

	tests := []struct {
		state  timeline.EchoState
		errMsg string
		want   string
	}{
		{timeline.EchoPending, "", "on its way (queued)"},
		{timeline.EchoSent, "", "on its way (sending)"},
		{timeline.EchoFailed, "M_FORBIDDEN", "on its way (failed: M_FORBIDDEN)"},
		{timeline.EchoFailed, "", "on its way (failed)"},
	}
	for _, test := range tests {
		echo.EchoState = test.state
		echo.Error = test.errMsg
		rendered := ansi.Strip(renderEvent(echo, 80, tui.DefaultTheme, alice))
		if !strings.HasSuffix(rendered, test.want) {
			t.Errorf("%s: rendered %q, want suffix %q", test.state, rendered, test.want)
		}
	}

	confirmed := message("$1", alice, "done", time.Now())
	if rendered := ansi.Strip(renderEvent(confirmed, 80, tui.DefaultTheme, alice)); !strings.HasSuffix(rendered, "alice: done") {
		t.Errorf("confirmed event should carry no marker: %q", rendered)
	}
}

func TestRenderEventKinds(t *testing.T) {
	audio := timeline.Event{
		ID:      ref.MustParseEventID("$a"),
		Sender:  bob,
		Payload: payload.Audio("memo.ogg", "audio/ogg", []byte("x"), 7*time.Second),
	}
	if rendered := ansi.Strip(renderEvent(audio, 80, tui.DefaultTheme, alice)); !strings.Contains(rendered, "[audio] memo.ogg (7s)") {
		t.Errorf("audio rendered as %q", rendered)
	}

	other := timeline.Event{
		ID:      ref.MustParseEventID("$o"),
		Sender:  bob,
		Payload: payload.Payload{Kind: payload.KindOther, Body: "changed the topic"},
	}
	if rendered := ansi.Strip(renderEvent(other, 80, tui.DefaultTheme, alice)); !strings.Contains(rendered, "bob: * changed the topic") {
		t.Errorf("state event rendered as %q", rendered)
	}
}

func TestRenderTimelineEmpty(t *testing.T) {
	if rendered, _ := renderTimeline(nil, 80, tui.DefaultTheme, alice); ansi.Strip(rendered) != "No messages yet." {
		t.Errorf("empty timeline rendered as %q", rendered)
	}
}

func TestRenderTimelineFailedLines(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	failed := timeline.Event{
		Echo:      true,
		LocalID:   "local-1",
		Sender:    alice,
		Payload:   payload.Text("lost"),
		Timestamp: at,
		EchoState: timeline.EchoFailed,
	}
	events := []timeline.Event{
		message("$a", bob, "one two three four five six seven eight", at),
		message("$b", bob, "short", at),
		failed,
	}
	content, lines := renderTimeline(events, 30, tui.DefaultTheme, alice)
	rendered := strings.Split(ansi.Strip(content), "\n")
	if len(lines) != 1 {
		t.Fatalf("failed lines = %v, want one", lines)
	}
	if !strings.Contains(rendered[lines[0]], "alice: lost") {
		t.Errorf("line %d is %q, want the failed echo", lines[0], rendered[lines[0]])
	}
}

func TestNewestFailed(t *testing.T) {
	echoes := []timeline.Event{
		{LocalID: "a", EchoState: timeline.EchoFailed},
		{LocalID: "b", EchoState: timeline.EchoFailed},
		{LocalID: "c", EchoState: timeline.EchoPending},
	}
	if localID, ok := newestFailed(echoes); !ok || localID != "b" {
		t.Errorf("newestFailed = %q, %v; want b", localID, ok)
	}
	if _, ok := newestFailed(echoes[2:]); ok {
		t.Error("no failed echoes should report false")
	}
}
