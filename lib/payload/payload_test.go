// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

func TestTextPlainHasNoFormattedBody(t *testing.T) {
	t.Parallel()

	for _, body := range []string{
		"hello world",
		"a < b & c > d",
		"line one\nline two",
		`she said "hi"`,
	} {
		p := Text(body)
		if p.FormattedBody != "" {
			t.Errorf("Text(%q).FormattedBody = %q, want empty", body, p.FormattedBody)
		}
		content, err := p.Content()
		if err != nil {
			t.Fatalf("Content: %v", err)
		}
		if _, ok := content["format"]; ok {
			t.Errorf("Text(%q) content has format field", body)
		}
		if content["body"] != body || content["msgtype"] != MsgTypeText {
			t.Errorf("Text(%q) content = %v", body, content)
		}
	}
}

func TestTextMarkdownRendersHTML(t *testing.T) {
	t.Parallel()

	p := Text("this is **bold**")
	if p.FormattedBody != "this is <strong>bold</strong>" {
		t.Errorf("FormattedBody = %q", p.FormattedBody)
	}
	content, err := p.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if content["format"] != FormatHTML {
		t.Errorf("format = %v, want %s", content["format"], FormatHTML)
	}
	if content["body"] != "this is **bold**" {
		t.Errorf("body = %v, want the markdown source", content["body"])
	}
}

func TestTextMarkdownEscapesRawHTML(t *testing.T) {
	t.Parallel()

	p := Text("*hi* <script>alert(1)</script>")
	if strings.Contains(p.FormattedBody, "<script>") {
		t.Errorf("FormattedBody contains raw HTML: %q", p.FormattedBody)
	}
}

func TestTextMultipleBlocksKeepParagraphs(t *testing.T) {
	t.Parallel()

	p := Text("first\n\nsecond")
	if !strings.Contains(p.FormattedBody, "<p>first</p>") {
		t.Errorf("FormattedBody = %q, want separate paragraphs", p.FormattedBody)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload Payload
		max     int64
		wantErr string
	}{
		{"text", Text("hi"), 0, ""},
		{"empty text", Text("   "), 0, "empty"},
		{"oversized text", Text(strings.Repeat("x", MaxTextBytes+1)), 0, "maximum"},
		{"invalid utf8", Payload{Kind: KindText, Body: "\xff\xfe"}, 0, "UTF-8"},
		{"audio", Audio("note.ogg", "audio/ogg", []byte("opus"), time.Second), 0, ""},
		{"media without data", Payload{Kind: KindMedia, Media: &Media{ContentType: "image/png"}}, 0, "neither"},
		{"media missing", Payload{Kind: KindMedia}, 0, "no media"},
		{"media over limit", File("a.png", "image/png", make([]byte, 100)), 50, "maximum"},
		{"media under limit", File("a.png", "image/png", make([]byte, 10)), 50, ""},
		{"other", Payload{Kind: KindOther, Body: "x"}, 0, "only text"},
		{"unknown", Payload{Kind: "sticker"}, 0, "unknown kind"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.payload.Validate(test.max)
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Validate error = %v, want containing %q", err, test.wantErr)
			}
		})
	}
}

func TestFileChoosesMsgType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filename, contentType string
		wantKind              Kind
		wantMsgType           string
	}{
		{"cat.png", "image/png", KindMedia, MsgTypeImage},
		{"clip.mp4", "video/mp4", KindMedia, MsgTypeVideo},
		{"voice.ogg", "audio/ogg", KindAudio, MsgTypeAudio},
		{"report.pdf", "application/pdf", KindMedia, MsgTypeFile},
		{"unknown.zzz", "", KindMedia, MsgTypeFile},
	}
	for _, test := range tests {
		p := File(test.filename, test.contentType, []byte("data"))
		if p.Kind != test.wantKind || p.MsgType != test.wantMsgType {
			t.Errorf("File(%q, %q) = %s/%s, want %s/%s", test.filename, test.contentType,
				p.Kind, p.MsgType, test.wantKind, test.wantMsgType)
		}
	}
	if p := File("unknown.zzz", "", nil); p.Media.ContentType != "application/octet-stream" {
		t.Errorf("fallback content type = %q", p.Media.ContentType)
	}
}

func TestUploadLifecycle(t *testing.T) {
	t.Parallel()

	original := Audio("note.ogg", "audio/ogg", []byte("opus-bytes"), 3*time.Second)
	if !original.NeedsUpload() {
		t.Fatal("fresh audio payload should need upload")
	}
	if _, err := original.Content(); err == nil {
		t.Fatal("Content before upload should fail")
	}

	uploaded := original.WithURI("mxc://test.local/abc")
	if uploaded.NeedsUpload() {
		t.Error("uploaded payload still needs upload")
	}
	if original.Media.URI != "" || original.Media.Data == nil {
		t.Error("WithURI modified the original payload")
	}
	if uploaded.Media.Size != int64(len("opus-bytes")) {
		t.Errorf("Size = %d, want preserved after upload", uploaded.Media.Size)
	}

	content, err := uploaded.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if content["url"] != "mxc://test.local/abc" || content["msgtype"] != MsgTypeAudio {
		t.Errorf("content = %v", content)
	}
	info := content["info"].(map[string]any)
	if info["duration"] != int64(3000) {
		t.Errorf("info.duration = %v, want 3000", info["duration"])
	}
}

// roundTrip sends content through JSON the way a sync response
// delivers it.
func roundTrip(t *testing.T, content map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return decoded
}

func TestFromContentRecoversSentPayload(t *testing.T) {
	t.Parallel()

	sent := Audio("note.ogg", "audio/ogg", []byte("opus"), 2*time.Second).WithURI("mxc://test.local/n")
	content, err := sent.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	received := FromContent(ref.EventTypeMessage, roundTrip(t, content))

	if received.Kind != KindAudio || received.Body != "note.ogg" {
		t.Fatalf("received = %+v", received)
	}
	if received.Media.URI != "mxc://test.local/n" ||
		received.Media.ContentType != "audio/ogg" ||
		received.Media.Size != 4 ||
		received.Media.Duration != 2*time.Second {
		t.Errorf("media = %+v", received.Media)
	}

	text := Text("_hi_")
	content, _ = text.Content()
	got := FromContent(ref.EventTypeMessage, roundTrip(t, content))
	if got.Kind != KindText || got.FormattedBody != text.FormattedBody {
		t.Errorf("text round trip = %+v, want formatted %q", got, text.FormattedBody)
	}
}

func TestFromContentOtherEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		eventType ref.EventType
		content   map[string]any
		wantBody  string
	}{
		{ref.EventTypeMember, map[string]any{"membership": "join"}, "membership: join"},
		{ref.EventTypeTopic, map[string]any{"topic": "plans"}, "topic: plans"},
		{ref.EventTypeMessage, map[string]any{}, "(message deleted)"},
		{ref.EventTypeMessage, map[string]any{"msgtype": "m.location", "body": "here"}, "here"},
		{"org.example.custom", nil, "org.example.custom"},
	}
	for _, test := range tests {
		p := FromContent(test.eventType, test.content)
		if p.Kind != KindOther || p.Body != test.wantBody {
			t.Errorf("FromContent(%s, %v) = %+v, want other %q", test.eventType, test.content, p, test.wantBody)
		}
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	room := ref.MustParseRoomID("!room:test.local")
	otherRoom := ref.MustParseRoomID("!other:test.local")
	alice := ref.MustParseUserID("@alice:test.local")
	bob := ref.MustParseUserID("@bob:test.local")

	base := Text("hello").Fingerprint(room, alice)
	if base != Text("hello").Fingerprint(room, alice) {
		t.Error("fingerprint is not deterministic")
	}
	for name, other := range map[string]Fingerprint{
		"body":   Text("hello!").Fingerprint(room, alice),
		"room":   Text("hello").Fingerprint(otherRoom, alice),
		"sender": Text("hello").Fingerprint(room, bob),
	} {
		if other == base {
			t.Errorf("fingerprint ignores %s", name)
		}
	}

	// Field boundaries are length-prefixed.
	if (Payload{MsgType: "ab", Body: "c"}).Fingerprint(room, alice) ==
		(Payload{MsgType: "a", Body: "bc"}).Fingerprint(room, alice) {
		t.Error("fingerprint fields are not delimited")
	}

	// The echo has no URI yet; the synced event does.
	echo := File("cat.png", "image/png", []byte("png"))
	content, _ := echo.WithURI("mxc://test.local/cat").Content()
	synced := FromContent(ref.EventTypeMessage, roundTrip(t, content))
	if echo.Fingerprint(room, alice) != synced.Fingerprint(room, alice) {
		t.Error("echo and synced media fingerprints differ")
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	if got := Audio("v.ogg", "audio/ogg", []byte("x"), 1500*time.Millisecond).Summary(); got != "[audio] v.ogg (2s)" {
		t.Errorf("audio summary = %q", got)
	}
	if got := File("cat.png", "image/png", []byte("x")).Summary(); got != "[image] cat.png" {
		t.Errorf("image summary = %q", got)
	}
	if got := Text("hi").Summary(); got != "hi" {
		t.Errorf("text summary = %q", got)
	}
}
