// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Scrollbar describes a one-column scrollbar beside a timeline view.
type Scrollbar struct {
	// Height is the number of rows to draw.
	Height int

	// Total and Visible are content line counts; Offset is the first
	// visible content line.
	Total, Visible, Offset int

	// Detached means the view is not following the newest messages.
	// The thumb is drawn in the accent color while detached.
	Detached bool

	// Failed lists content lines holding undelivered messages. Each
	// one marks the track row it maps to.
	Failed []int
}

// Render draws the scrollbar, one row per line.
func (bar Scrollbar) Render(theme Theme) string {
	if bar.Height <= 0 {
		return ""
	}

	thumbColor := theme.BorderColor
	if bar.Detached {
		thumbColor = theme.Accent
	}
	track := lipgloss.NewStyle().Foreground(theme.BorderColor).Render("│")
	thumb := lipgloss.NewStyle().Foreground(thumbColor).Render("┃")
	mark := lipgloss.NewStyle().Foreground(theme.EchoFailed).Render("•")

	thumbStart, thumbEnd := bar.thumb()
	rows := make([]string, bar.Height)
	for row := range rows {
		if row >= thumbStart && row < thumbEnd {
			rows[row] = thumb
		} else {
			rows[row] = track
		}
	}
	for _, line := range bar.Failed {
		if row, ok := bar.row(line); ok {
			rows[row] = mark
		}
	}
	return strings.Join(rows, "\n")
}

// thumb returns the thumb's row range [start, end).
func (bar Scrollbar) thumb() (int, int) {
	if bar.Total <= bar.Visible || bar.Total <= 0 {
		return 0, bar.Height
	}
	size := max(bar.Height*bar.Visible/bar.Total, 1)
	start := 0
	if scrollable, travel := bar.Total-bar.Visible, bar.Height-size; travel > 0 {
		start = min(bar.Offset*travel/scrollable, travel)
	}
	return start, start + size
}

// row maps a content line to a track row.
func (bar Scrollbar) row(line int) (int, bool) {
	if line < 0 || line >= bar.Total {
		return 0, false
	}
	if bar.Total <= bar.Height {
		return line, true
	}
	return min(line*bar.Height/bar.Total, bar.Height-1), true
}
