// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/roomsync/lib/timeline"
	"github.com/bureau-foundation/roomsync/transport"
)

// Theme defines the color palette for roomsync's terminal views. All
// colors use lipgloss ANSI 256-color codes for broad terminal
// compatibility.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Sender names: the local user and everyone else.
	OwnSender   lipgloss.Color
	OtherSender lipgloss.Color

	// Local echo states.
	EchoPending lipgloss.Color
	EchoSent    lipgloss.Color
	EchoFailed  lipgloss.Color

	// Connection states.
	StateConnected  lipgloss.Color
	StateConnecting lipgloss.Color
	StateOffline    lipgloss.Color
	StateAuthFailed lipgloss.Color

	// UI chrome.
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color
	Accent           lipgloss.Color

	// Status line messages.
	WarningText lipgloss.Color
	ErrorText   lipgloss.Color
}

// EchoColor returns the color for a local echo's delivery state.
func (theme Theme) EchoColor(state timeline.EchoState) lipgloss.Color {
	switch state {
	case timeline.EchoPending:
		return theme.EchoPending
	case timeline.EchoSent:
		return theme.EchoSent
	case timeline.EchoFailed:
		return theme.EchoFailed
	default:
		return theme.FaintText
	}
}

// StateColor returns the color for a connection state. Disconnected
// and unknown states are faint.
func (theme Theme) StateColor(state transport.State) lipgloss.Color {
	switch state {
	case transport.Connected:
		return theme.StateConnected
	case transport.Connecting:
		return theme.StateConnecting
	case transport.Offline:
		return theme.StateOffline
	case transport.AuthFailed:
		return theme.StateAuthFailed
	default:
		return theme.FaintText
	}
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	OwnSender:   lipgloss.Color("114"), // green
	OtherSender: lipgloss.Color("75"),  // blue

	EchoPending: lipgloss.Color("245"), // gray
	EchoSent:    lipgloss.Color("220"), // amber
	EchoFailed:  lipgloss.Color("196"), // red

	StateConnected:  lipgloss.Color("114"),
	StateConnecting: lipgloss.Color("220"),
	StateOffline:    lipgloss.Color("208"), // orange
	StateAuthFailed: lipgloss.Color("196"),

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),
	Accent:           lipgloss.Color("141"), // light purple

	WarningText: lipgloss.Color("220"),
	ErrorText:   lipgloss.Color("196"),
}
