// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/roomsync/lib/payload"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestComposePayload(t *testing.T) {
	image := writeFile(t, "cat.png", []byte("\x89PNG"))
	clip := writeFile(t, "note.ogg", []byte("OggS"))
	unknownClip := writeFile(t, "memo.bin", []byte("raw"))

	tests := []struct {
		name      string
		text      string
		file      string
		audio     string
		duration  time.Duration
		kind      payload.Kind
		msgType   string
		body      string
		mediaType string
	}{
		{name: "text", text: "hello", kind: payload.KindText, msgType: payload.MsgTypeText, body: "hello"},
		{name: "image", file: image, kind: payload.KindMedia, msgType: payload.MsgTypeImage, body: "cat.png", mediaType: "image/png"},
		{name: "image with caption", text: "look", file: image, kind: payload.KindMedia, msgType: payload.MsgTypeImage, body: "look", mediaType: "image/png"},
		{name: "audio", audio: clip, duration: 7 * time.Second, kind: payload.KindAudio, msgType: payload.MsgTypeAudio, body: "note.ogg", mediaType: "audio/ogg"},
		{name: "audio without known type", audio: unknownClip, kind: payload.KindAudio, msgType: payload.MsgTypeAudio, body: "memo.bin", mediaType: defaultAudioType},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			content, err := composePayload(test.text, test.file, test.audio, test.duration)
			if err != nil {
				t.Fatalf("composePayload: %v", err)
			}
			if content.Kind != test.kind || content.MsgType != test.msgType || content.Body != test.body {
				t.Errorf("got kind=%s msgtype=%s body=%q, want kind=%s msgtype=%s body=%q",
					content.Kind, content.MsgType, content.Body, test.kind, test.msgType, test.body)
			}
			if test.mediaType == "" {
				if content.Media != nil {
					t.Errorf("text payload has media: %+v", content.Media)
				}
				return
			}
			if content.Media == nil {
				t.Fatal("media payload has no media")
			}
			if content.Media.ContentType != test.mediaType {
				t.Errorf("content type = %q, want %q", content.Media.ContentType, test.mediaType)
			}
			if content.Media.Duration != test.duration {
				t.Errorf("duration = %s, want %s", content.Media.Duration, test.duration)
			}
			if len(content.Media.Data) == 0 {
				t.Error("media bytes not read")
			}
		})
	}
}

func TestComposePayloadMissingFile(t *testing.T) {
	if _, err := composePayload("", filepath.Join(t.TempDir(), "absent.png"), "", 0); err == nil {
		t.Error("composing a missing file succeeded")
	}
}
