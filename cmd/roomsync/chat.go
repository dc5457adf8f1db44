// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/chatui"
	"github.com/bureau-foundation/roomsync/lib/ref"
)

func (a *app) chatCommand() *cli.Command {
	return &cli.Command{
		Name:    "chat",
		Summary: "Open the interactive chat view",
		Description: `Open a full-screen view of your rooms with a message composer.

Messages you send appear immediately, marked queued, sending or failed
until the homeserver confirms them. Messages written while offline are
delivered when the connection returns.

Keys:
  enter          send the composed message
  alt+enter      insert a newline
  tab            next room
  ctrl+k         find a room by name (enter switches, esc cancels)
  pgup / pgdown  scroll (pgup at the top loads older messages)
  ctrl+r         retry the newest failed message
  ctrl+x         discard the newest failed message
  esc, ctrl+c    quit

The given rooms are synced, or the configured rooms, or every joined
room. The first one is shown first.`,
		Usage: "roomsync chat [flags] [room...]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("chat", pflag.ContinueOnError)
			a.addConfigFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			rooms, err := parseRoomArgs(args)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			// Log lines written to the terminal would corrupt the
			// alternate screen; they go to the status line instead.
			handler := chatui.NewLogHandler(cfg.LogLevel())
			logger := slog.New(handler).With("command", "chat")

			ctx, cancel := a.newContext()
			defer cancel()

			r, err := a.start(ctx, cfg, logger, startOptions{rooms: rooms, logger: logger})
			if err != nil {
				return err
			}
			defer r.Close()

			if len(r.coordinator.Rooms()) == 0 {
				return cli.NotFound("no rooms to show: join a room or pass a room ID")
			}
			var initial ref.RoomID
			if len(rooms) > 0 {
				initial = rooms[0]
			}

			subscription := r.coordinator.Subscribe()
			defer r.coordinator.Unsubscribe(subscription)

			model := chatui.NewModel(r.coordinator, subscription.C(), initial)
			program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
			handler.SetProgram(program)
			defer handler.SetProgram(nil)

			if _, err := program.Run(); err != nil && ctx.Err() == nil {
				return cli.Internal("chat: %w", err)
			}
			if pending := r.coordinator.Pending(); pending > 0 {
				r.logger.Info("unsent messages stay queued", "count", pending)
			}
			return nil
		},
	}
}
