// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/roomsync/cmd/roomsync/cli"
	"github.com/bureau-foundation/roomsync/lib/config"
	"github.com/bureau-foundation/roomsync/lib/outbox"
	"github.com/bureau-foundation/roomsync/lib/payload"
	"github.com/bureau-foundation/roomsync/lib/ref"
	"github.com/bureau-foundation/roomsync/lib/syncstore"
	"github.com/bureau-foundation/roomsync/lib/timeline"
)

// seedOutbox stores records in the state database named by the config
// at configPath.
func seedOutbox(t *testing.T, configPath string, records ...outbox.Record) {
	t.Helper()
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	ctx := context.Background()
	store, err := syncstore.Open(ctx, syncstore.Config{Path: cfg.Paths.Database})
	if err != nil {
		t.Fatalf("syncstore.Open: %v", err)
	}
	defer store.Close()
	for _, record := range records {
		if err := store.SaveEcho(ctx, record); err != nil {
			t.Fatalf("SaveEcho: %v", err)
		}
	}
}

func outboxRecord(localID, body string, state timeline.EchoState) outbox.Record {
	return outbox.Record{
		LocalID:   localID,
		TxnID:     "txn-" + localID,
		RoomID:    ref.MustParseRoomID("!ops:example.org"),
		Sender:    ref.MustParseUserID("@alice:example.org"),
		Payload:   payload.Text(body),
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		State:     state,
		Attempts:  3,
	}
}

func TestStatusCheck(t *testing.T) {
	a := newTestApp(t)
	configPath := writeConfig(t, "http://127.0.0.1:1")

	seedOutbox(t, configPath, outboxRecord("queued", "still waiting", timeline.EchoPending))
	if err := a.run("status", "--config", configPath, "--check"); err != nil {
		t.Fatalf("status --check with only pending messages: %v", err)
	}
	if !strings.Contains(a.stdout.String(), "1 unsent message(s)") {
		t.Errorf("status output:\n%s", a.stdout.String())
	}

	failed := outboxRecord("lost", "never arrived", timeline.EchoFailed)
	failed.Error = "M_FORBIDDEN"
	seedOutbox(t, configPath, failed)

	err := a.run("status", "--config", configPath, "--check")
	if code := cli.ExitCodeOf(err); code != 1 {
		t.Fatalf("exit code = %d (%v), want 1", code, err)
	}
	output := a.stdout.String()
	for _, want := range []string{"2 unsent message(s)", "failed: M_FORBIDDEN", "never arrived"} {
		if !strings.Contains(output, want) {
			t.Errorf("status output missing %q:\n%s", want, output)
		}
	}

	if err := a.run("status", "--config", configPath); err != nil {
		t.Errorf("status without --check: %v", err)
	}
}
