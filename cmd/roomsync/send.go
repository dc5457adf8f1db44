// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/coordinator"
	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/timeline"
)

// defaultAudioType is used when an audio file's extension names no
// audio type.
const defaultAudioType = "audio/ogg"

type sendResult struct {
	RoomID  string `json:"room_id"`
	LocalID string `json:"local_id"`
	EventID string `json:"event_id,omitempty"`
	Queued  bool   `json:"queued"`
}

func (a *app) sendCommand() *cli.Command {
	var (
		jsonOutput cli.JSONOutput
		filePath   string
		audioPath  string
		duration   time.Duration
		wait       time.Duration
	)

	return &cli.Command{
		Name:    "send",
		Summary: "Send a message to a room",
		Description: `Queue a message for a room and wait for the homeserver to confirm it.

The message is written to the local outbox before anything is sent, so
it is delivered exactly once even if the network drops or roomsync is
interrupted: an unconfirmed message is retried with the same
transaction ID by the next roomsync command that syncs the room.

Text is rendered from Markdown. --file attaches a file (images and
videos are detected from the extension); --audio attaches a voice clip.
Remaining arguments become the text, or the caption of an attachment.

If the message is not confirmed within --wait, the command exits with
code 4 and the message stays queued.`,
		Usage: "roomsync send [flags] <room> [text...]",
		Examples: []cli.Example{
			{
				Description: "Send a text message",
				Command:     "roomsync send '!abc:example.org' 'build **green**'",
			},
			{
				Description: "Send a voice clip",
				Command:     "roomsync send --audio note.ogg --duration 7s '!abc:example.org'",
			},
			{
				Description: "Queue without waiting long for confirmation",
				Command:     "roomsync send --wait 2s '!abc:example.org' 'sent from the train'",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
			flagSet.StringVar(&filePath, "file", "", "attach the file at `path`")
			flagSet.StringVar(&audioPath, "audio", "", "attach the audio clip at `path`")
			flagSet.DurationVar(&duration, "duration", 0, "length of the --audio clip")
			flagSet.DurationVar(&wait, "wait", 30*time.Second, "how long to wait for confirmation")
			jsonOutput.AddFlag(flagSet)
			a.addConfigFlag(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 1 {
				return cli.Validation("room is required\n\nUsage: roomsync send [flags] <room> [text...]")
			}
			roomID, err := ref.ParseRoomID(args[0])
			if err != nil {
				return cli.Validation("%w", err)
			}
			text := strings.Join(args[1:], " ")

			content, err := composePayload(text, filePath, audioPath, duration)
			if err != nil {
				return err
			}
			if wait <= 0 {
				return cli.Validation("--wait must be positive")
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logger := a.commandLogger(cfg, "send")

			ctx, cancel := a.newContext()
			defer cancel()

			r, err := a.start(ctx, cfg, logger, startOptions{rooms: []ref.RoomID{roomID}})
			if err != nil {
				return err
			}
			defer r.Close()

			subscription := r.coordinator.Subscribe()
			defer r.coordinator.Unsubscribe(subscription)

			localID, err := r.coordinator.Enqueue(roomID, content)
			if err != nil {
				if errors.Is(err, coordinator.ErrUnknownRoom) {
					return cli.NotFound("%w", err)
				}
				return cli.Validation("%w", err)
			}
			logger.Debug("message queued", "local_id", localID, "room_id", roomID.String())

			result := sendResult{RoomID: roomID.String(), LocalID: localID}
			waitCtx, cancelWait := context.WithTimeout(ctx, wait)
			defer cancelWait()

			eventID, err := awaitDelivery(waitCtx, r.coordinator, subscription, roomID, localID)
			switch {
			case err == nil:
				result.EventID = eventID.String()
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
				result.Queued = true
				if done, emitErr := jsonOutput.EmitJSON(a.stdout, result); done && emitErr != nil {
					return emitErr
				}
				return cli.Transient("not confirmed yet; message %s stays queued and will be sent by the next roomsync command that syncs %s", localID, roomID)
			default:
				return err
			}

			if done, err := jsonOutput.EmitJSON(a.stdout, result); done {
				return err
			}
			if result.EventID != "" {
				fmt.Fprintln(a.stdout, result.EventID)
			} else {
				fmt.Fprintf(a.stdout, "Delivered %s\n", localID)
			}
			return nil
		},
	}
}

// composePayload builds the message from the command line.
func composePayload(text, filePath, audioPath string, duration time.Duration) (payload.Payload, error) {
	if filePath != "" && audioPath != "" {
		return payload.Payload{}, cli.Validation("--file and --audio are mutually exclusive")
	}
	if duration != 0 && audioPath == "" {
		return payload.Payload{}, cli.Validation("--duration requires --audio")
	}

	var content payload.Payload
	switch {
	case audioPath != "":
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return payload.Payload{}, cli.Validation("reading %s: %w", audioPath, err)
		}
		contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(audioPath)))
		if !strings.HasPrefix(contentType, "audio/") {
			contentType = defaultAudioType
		}
		content = payload.Audio(filepath.Base(audioPath), contentType, data, duration)
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return payload.Payload{}, cli.Validation("reading %s: %w", filePath, err)
		}
		content = payload.File(filepath.Base(filePath), "", data)
	default:
		if strings.TrimSpace(text) == "" {
			return payload.Payload{}, cli.Validation("nothing to send: give message text, --file or --audio")
		}
		return payload.Text(text), nil
	}
	if text != "" {
		content.Body = text
	}
	return content, nil
}

// awaitDelivery waits until localID is confirmed and returns its event
// ID, which is zero if sync confirmed the message without a transaction
// ID. A failed delivery returns the classified failure.
func awaitDelivery(ctx context.Context, source *coordinator.Coordinator, subscription *coordinator.Subscription, roomID ref.RoomID, localID string) (ref.EventID, error) {
	var txnID string
	if echo, ok := source.Timeline(roomID).Echo(localID); ok {
		txnID = echo.TxnID
	}

	for {
		snapshot := source.Timeline(roomID)
		if eventID, found := confirmedEvent(snapshot, localID, txnID); found {
			return eventID, nil
		}
		echo, queued := snapshot.Echo(localID)
		if !queued {
			return ref.EventID{}, nil
		}
		// The DeliveryFailed notification carries the classified cause.
		// Fall back to the echo's message only if it was dropped.
		if echo.EchoState == timeline.EchoFailed && subscription.Missed() {
			return ref.EventID{}, cli.Classify(fmt.Errorf("delivery failed: %s", echo.Error))
		}

		select {
		case <-ctx.Done():
			return ref.EventID{}, ctx.Err()
		case notification, open := <-subscription.C():
			if !open {
				return ref.EventID{}, cli.Internal("coordinator closed before delivery")
			}
			switch notification.Kind {
			case coordinator.AuthLost:
				return ref.EventID{}, cli.Auth("the homeserver rejected the saved session; run 'roomsync login' again")
			case coordinator.DeliveryFailed:
				if notification.Failure != nil && notification.Failure.LocalID == localID {
					return ref.EventID{}, cli.Classify(notification.Failure)
				}
			}
		}
	}
}

// confirmedEvent finds the confirmed event that replaced the echo.
func confirmedEvent(snapshot *timeline.Snapshot, localID, txnID string) (ref.EventID, bool) {
	events := snapshot.Events()
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if event.LocalID == localID || (txnID != "" && event.TxnID == txnID) {
			return event.ID, true
		}
	}
	return ref.EventID{}, false
}
