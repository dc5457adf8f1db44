// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/syncstore"
	"github.com/bureau-foundation/roomsync/lib/timeline"
)

type statusReport struct {
	LoggedIn   bool         `json:"logged_in"`
	Homeserver string       `json:"homeserver,omitempty"`
	UserID     string       `json:"user_id,omitempty"`
	DeviceID   string       `json:"device_id,omitempty"`
	Database   string       `json:"database"`
	Rooms      []roomStatus `json:"rooms"`
	Outbox     []echoStatus `json:"outbox"`
	Blobs      []blobStatus `json:"blobs,omitempty"`
}

type roomStatus struct {
	RoomID       string    `json:"room_id"`
	Sequence     uint64    `json:"sequence"`
	Synced       bool      `json:"synced"`
	CachedEvents int       `json:"cached_events"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type echoStatus struct {
	LocalID   string    `json:"local_id"`
	RoomID    string    `json:"room_id"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	Summary   string    `json:"summary"`
	Error     string    `json:"error,omitempty"`
}

type blobStatus struct {
	Table       string `json:"table"`
	Key         string `json:"key"`
	Compression string `json:"compression"`
	StoredBytes int    `json:"stored_bytes"`
	RawBytes    int    `json:"raw_bytes"`
	Notation    string `json:"notation,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (a *app) statusCommand() *cli.Command {
	var (
		jsonOutput cli.JSONOutput
		raw        bool
		check      bool
	)

	return &cli.Command{
		Name:    "status",
		Summary: "Show the saved session, sync progress and unsent messages",
		Description: `Show what roomsync has stored locally: the saved session, each room's
sync position and cached timeline size, and every message still waiting
for delivery. Nothing is sent to the homeserver.

--raw also dumps every stored blob in CBOR diagnostic notation with its
compression and sizes, for debugging the state database.

--check exits with status 1 when any message has permanently failed,
after printing the report.`,
		Usage: "roomsync status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			jsonOutput.AddFlag(flagSet)
			flagSet.BoolVar(&raw, "raw", false, "dump stored blobs")
			flagSet.BoolVar(&check, "check", false, "exit 1 if any message failed delivery")
			a.addConfigFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument: %s", args[0])
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.commandLogger(cfg, "status")

			ctx, cancel := a.newContext()
			defer cancel()

			report := statusReport{Database: cfg.Paths.Database}
			if saved, err := loadSession(cfg); err == nil {
				report.LoggedIn = true
				report.Homeserver = saved.Homeserver
				report.UserID = saved.UserID.String()
				report.DeviceID = saved.DeviceID
			} else {
				logger.Debug("no usable session", "error", err)
			}

			store, err := syncstore.Open(ctx, syncstore.Config{Path: cfg.Paths.Database, Logger: logger})
			if err != nil {
				return cli.Internal("opening state database: %w", err)
			}
			defer store.Close()

			rooms, err := store.Rooms(ctx)
			if err != nil {
				return cli.Internal("%w", err)
			}
			for _, room := range rooms {
				report.Rooms = append(report.Rooms, roomStatus{
					RoomID:       room.RoomID.String(),
					Sequence:     room.Cursor.Sequence,
					Synced:       room.Cursor.Token != "",
					CachedEvents: room.CachedEvents,
					UpdatedAt:    room.UpdatedAt,
				})
			}

			records, err := store.LoadEchoes(ctx)
			if err != nil {
				return cli.Internal("%w", err)
			}
			for _, record := range records {
				report.Outbox = append(report.Outbox, echoStatus{
					LocalID:   record.LocalID,
					RoomID:    record.RoomID.String(),
					State:     record.State.String(),
					Attempts:  record.Attempts,
					CreatedAt: record.CreatedAt,
					Summary:   record.Payload.Summary(),
					Error:     record.Error,
				})
			}

			if raw {
				blobs, err := store.Inspect(ctx)
				if err != nil {
					return cli.Internal("%w", err)
				}
				for _, blob := range blobs {
					report.Blobs = append(report.Blobs, blobStatus{
						Table:       blob.Table,
						Key:         blob.Key,
						Compression: blob.Compression.String(),
						StoredBytes: blob.StoredBytes,
						RawBytes:    blob.RawBytes,
						Notation:    blob.Notation,
						Error:       blob.Error,
					})
				}
			}

			done, err := jsonOutput.EmitJSON(a.stdout, report)
			if err != nil {
				return err
			}
			if !done {
				a.printStatus(report)
			}
			if check && report.failed() > 0 {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// failed counts permanently failed messages.
func (report statusReport) failed() int {
	count := 0
	for _, echo := range report.Outbox {
		if echo.State == timeline.EchoFailed.String() {
			count++
		}
	}
	return count
}

func (a *app) printStatus(report statusReport) {
	if report.LoggedIn {
		fmt.Fprintf(a.stdout, "Logged in as %s (device %s) on %s\n", report.UserID, report.DeviceID, report.Homeserver)
	} else {
		fmt.Fprintln(a.stdout, "Not logged in")
	}
	fmt.Fprintf(a.stdout, "State: %s\n", report.Database)

	fmt.Fprintln(a.stdout)
	if len(report.Rooms) == 0 {
		fmt.Fprintln(a.stdout, "No rooms synced yet")
	} else {
		writer := tabwriter.NewWriter(a.stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(writer, "ROOM\tSYNCS\tCACHED\tUPDATED")
		for _, room := range report.Rooms {
			fmt.Fprintf(writer, "%s\t%d\t%d\t%s\n", room.RoomID, room.Sequence, room.CachedEvents, formatAge(room.UpdatedAt))
		}
		writer.Flush()
	}

	fmt.Fprintln(a.stdout)
	if len(report.Outbox) == 0 {
		fmt.Fprintln(a.stdout, "No unsent messages")
	} else {
		fmt.Fprintf(a.stdout, "%d unsent message(s)\n", len(report.Outbox))
		writer := tabwriter.NewWriter(a.stdout, 2, 0, 3, ' ', 0)
		fmt.Fprintln(writer, "LOCAL ID\tROOM\tSTATE\tATTEMPTS\tMESSAGE")
		for _, echo := range report.Outbox {
			state := echo.State
			if echo.Error != "" {
				state += ": " + echo.Error
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n", echo.LocalID, echo.RoomID, state, echo.Attempts, truncate(echo.Summary, 40))
		}
		writer.Flush()
	}

	for _, blob := range report.Blobs {
		fmt.Fprintf(a.stdout, "\n%s %s (%s, %d stored / %d raw bytes)\n", blob.Table, blob.Key, blob.Compression, blob.StoredBytes, blob.RawBytes)
		if blob.Error != "" {
			fmt.Fprintf(a.stdout, "  error: %s\n", blob.Error)
			continue
		}
		fmt.Fprintln(a.stdout, blob.Notation)
	}
}

// formatAge renders t relative to now, coarsely.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
