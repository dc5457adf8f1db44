// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		format   string
		terminal bool
		wantJSON bool
	}{
		{"auto", true, false},
		{"auto", false, true},
		{"", false, true},
		{"text", false, false},
		{"json", true, true},
	}

	for _, test := range tests {
		var output bytes.Buffer
		logger := newLogger(&output, slog.LevelInfo, test.format, test.terminal)
		logger.Info("synced", "room_id", "!abc:example.org")

		isJSON := json.Valid(bytes.TrimSpace(output.Bytes()))
		if isJSON != test.wantJSON {
			t.Errorf("format=%q terminal=%v: JSON=%v, want %v (%q)", test.format, test.terminal, isJSON, test.wantJSON, output.String())
		}
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var output bytes.Buffer
	logger := newLogger(&output, slog.LevelWarn, "text", false)
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(output.String(), "hidden") {
		t.Error("info record logged at warn level")
	}
	if !strings.Contains(output.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestWriteJSONNormalizesNilSlice(t *testing.T) {
	var output bytes.Buffer
	var rooms []string
	if err := WriteJSON(&output, normalizeNilSlice(rooms)); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(output.String()) != "[]" {
		t.Errorf("output = %q, want []", output.String())
	}
}
