// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"fmt"
	"math"
	"time"

	"github.com/bureau-foundation/roomsync/lib/ref"
)

// FormatHTML is the Matrix format identifier for formatted_body.
const FormatHTML = "org.matrix.custom.html"

// Content renders the m.room.message content. Media must already be
// uploaded.
func (p Payload) Content() (map[string]any, error) {
	switch p.Kind {
	case KindText:
		msgType := p.MsgType
		if msgType == "" {
			msgType = MsgTypeText
		}
		content := map[string]any{"msgtype": msgType, "body": p.Body}
		if p.FormattedBody != "" {
			content["format"] = FormatHTML
			content["formatted_body"] = p.FormattedBody
		}
		return content, nil

	case KindAudio, KindMedia:
		if p.Media == nil || p.Media.URI == "" {
			return nil, fmt.Errorf("payload: %s %q has not been uploaded", p.Kind, p.Body)
		}
		info := map[string]any{
			"mimetype": p.Media.ContentType,
			"size":     p.Media.Size,
		}
		if p.Media.Duration > 0 {
			info["duration"] = p.Media.Duration.Milliseconds()
		}
		content := map[string]any{
			"msgtype":  p.MsgType,
			"body":     p.Body,
			"url":      p.Media.URI,
			"info":     info,
			"filename": p.Media.Filename,
		}
		return content, nil

	default:
		return nil, fmt.Errorf("payload: %s payloads cannot be sent", p.Kind)
	}
}

// FromContent converts the content of a received event into a
// Payload. It never fails: content the client does not understand
// becomes KindOther with a short description.
func FromContent(eventType ref.EventType, content map[string]any) Payload {
	if eventType != ref.EventTypeMessage {
		return Payload{Kind: KindOther, Body: describeEvent(eventType, content)}
	}

	msgType := stringField(content, "msgtype")
	body := stringField(content, "body")
	switch msgType {
	case MsgTypeText, MsgTypeNotice, MsgTypeEmote:
		p := Payload{Kind: KindText, MsgType: msgType, Body: body}
		if stringField(content, "format") == FormatHTML {
			p.FormattedBody = stringField(content, "formatted_body")
		}
		return p

	case MsgTypeAudio, MsgTypeImage, MsgTypeVideo, MsgTypeFile:
		kind := KindMedia
		if msgType == MsgTypeAudio {
			kind = KindAudio
		}
		media := &Media{
			Filename: stringField(content, "filename"),
			URI:      stringField(content, "url"),
		}
		if media.Filename == "" {
			media.Filename = body
		}
		if info, ok := content["info"].(map[string]any); ok {
			media.ContentType = stringField(info, "mimetype")
			media.Size = int64Field(info, "size")
			media.Duration = time.Duration(int64Field(info, "duration")) * time.Millisecond
		}
		return Payload{Kind: kind, MsgType: msgType, Body: body, Media: media}

	case "":
		// A redacted message keeps its type but loses its content.
		return Payload{Kind: KindOther, Body: "(message deleted)"}

	default:
		return Payload{Kind: KindOther, MsgType: msgType, Body: body}
	}
}

func describeEvent(eventType ref.EventType, content map[string]any) string {
	switch eventType {
	case ref.EventTypeMember:
		return "membership: " + stringField(content, "membership")
	case ref.EventTypeName:
		return "room name: " + stringField(content, "name")
	case ref.EventTypeTopic:
		return "topic: " + stringField(content, "topic")
	case ref.EventTypeRedaction:
		return "(redaction)"
	default:
		return string(eventType)
	}
}

func stringField(content map[string]any, key string) string {
	value, _ := content[key].(string)
	return value
}

// int64Field reads a JSON number. encoding/json decodes numbers into
// float64; other decoders produce integer types.
func int64Field(content map[string]any, key string) int64 {
	switch value := content[key].(type) {
	case float64:
		if value > math.MaxInt64 || value < math.MinInt64 {
			return 0
		}
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	case uint64:
		if value > math.MaxInt64 {
			return 0
		}
		return int64(value)
	default:
		return 0
	}
}
