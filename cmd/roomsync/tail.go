// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/coordinator"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
)

// liveGrace is how far before startup an event may be stamped and
// still count as live. It absorbs clock skew with the homeserver.
const liveGrace = time.Minute

type tailLine struct {
	RoomID    string    `json:"room_id"`
	EventID   string    `json:"event_id"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	MsgType   string    `json:"msgtype,omitempty"`
	Body      string    `json:"body"`
}

func (a *app) tailCommand() *cli.Command {
	var (
		jsonOutput bool
		history    int
	)

	return &cli.Command{
		Name:    "tail",
		Summary: "Print room events as they arrive",
		Description: `Sync rooms and print each new event once, in timeline order, until
interrupted.

On start the last --history events of each room are printed, then only
events that arrive afterwards. Rooms default to the configured list, or
every joined room. Sync resumes from the stored position, so events that
arrived while roomsync was not running are printed as history, not
replayed as live.

--json prints one JSON object per event per line.`,
		Usage: "roomsync tail [flags] [room...]",
		Examples: []cli.Example{
			{
				Description: "Follow one room",
				Command:     "roomsync tail '!abc:example.org'",
			},
			{
				Description: "Stream every joined room as JSON lines",
				Command:     "roomsync tail --json --history 0",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flagSet.IntVar(&history, "history", 10, "events of history to print per room")
			flagSet.BoolVar(&jsonOutput, "json", false, "print JSON lines")
			a.addConfigFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if history < 0 {
				return cli.Validation("--history must not be negative")
			}
			rooms, err := parseRoomArgs(args)
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.commandLogger(cfg, "tail")

			ctx, cancel := a.newContext()
			defer cancel()

			start := time.Now()
			r, err := a.start(ctx, cfg, logger, startOptions{rooms: rooms})
			if err != nil {
				return err
			}
			defer r.Close()

			subscription := r.coordinator.Subscribe()
			defer r.coordinator.Unsubscribe(subscription)

			printer := newTailPrinter(a.stdout, jsonOutput, history, start.Add(-liveGrace))
			refreshAll := func() error {
				for _, roomID := range r.coordinator.Rooms() {
					if err := printer.refresh(r.coordinator.Timeline(roomID)); err != nil {
						return err
					}
				}
				return nil
			}
			if err := refreshAll(); err != nil {
				return err
			}

			for {
				select {
				case <-ctx.Done():
					return nil
				case notification, open := <-subscription.C():
					if !open {
						return nil
					}
					switch notification.Kind {
					case coordinator.TimelineChanged:
						if err := printer.refresh(r.coordinator.Timeline(notification.RoomID)); err != nil {
							return err
						}
					case coordinator.ConnectionChanged:
						logger.Info("connection state changed", "state", notification.State.String())
					case coordinator.DeliveryFailed:
						if notification.Failure != nil {
							logger.Warn("delivery failed", "local_id", notification.Failure.LocalID, "error", notification.Failure.Err)
						}
					case coordinator.AuthLost:
						return cli.Auth("the homeserver rejected the saved session; run 'roomsync login' again")
					}
					if subscription.Missed() {
						if err := refreshAll(); err != nil {
							return err
						}
					}
				}
			}
		},
	}
}

// tailPrinter prints each confirmed event at most once.
type tailPrinter struct {
	output  io.Writer
	encoder *json.Encoder
	history int
	cutoff  time.Time

	seen        map[ref.EventID]struct{}
	initialized map[ref.RoomID]bool
}

func newTailPrinter(output io.Writer, jsonLines bool, history int, cutoff time.Time) *tailPrinter {
	printer := &tailPrinter{
		output:      output,
		history:     history,
		cutoff:      cutoff,
		seen:        make(map[ref.EventID]struct{}),
		initialized: make(map[ref.RoomID]bool),
	}
	if jsonLines {
		printer.encoder = json.NewEncoder(output)
	}
	return printer
}

// refresh prints the events of snapshot not printed yet. The first
// refresh of a room prints the newest history events; after that,
// events stamped before the cutoff are history that sync or backfill
// filled in and are skipped.
func (p *tailPrinter) refresh(snapshot *timeline.Snapshot) error {
	events := snapshot.Events()

	if !p.initialized[snapshot.RoomID()] {
		p.initialized[snapshot.RoomID()] = true
		var older []timeline.Event
		for _, event := range events {
			if event.Timestamp.Before(p.cutoff) {
				older = append(older, event)
			}
		}
		skip := max(len(older)-p.history, 0)
		for i, event := range older {
			p.seen[event.ID] = struct{}{}
			if i < skip {
				continue
			}
			if err := p.print(event); err != nil {
				return err
			}
		}
	}

	for _, event := range events {
		if _, printed := p.seen[event.ID]; printed {
			continue
		}
		p.seen[event.ID] = struct{}{}
		if event.Timestamp.Before(p.cutoff) {
			continue
		}
		if err := p.print(event); err != nil {
			return err
		}
	}
	return nil
}

func (p *tailPrinter) print(event timeline.Event) error {
	if p.encoder != nil {
		return p.encoder.Encode(tailLine{
			RoomID:    event.RoomID.String(),
			EventID:   event.ID.String(),
			Sender:    event.Sender.String(),
			Type:      event.Type.String(),
			Timestamp: event.Timestamp,
			MsgType:   event.Payload.MsgType,
			Body:      event.Payload.Summary(),
		})
	}
	_, err := fmt.Fprintf(p.output, "%s %s %s: %s\n",
		event.Timestamp.Local().Format("2006-01-02 15:04:05"),
		event.RoomID, event.Sender, event.Payload.Summary())
	return err
}
