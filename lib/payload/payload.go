// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package payload

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind tags the payload variant.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
	KindMedia Kind = "media"
	// KindOther is any event the client does not compose: state
	// changes, redactions, unknown message types.
	KindOther Kind = "other"
)

// Matrix msgtypes.
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
	MsgTypeEmote  = "m.emote"
	MsgTypeAudio  = "m.audio"
	MsgTypeImage  = "m.image"
	MsgTypeVideo  = "m.video"
	MsgTypeFile   = "m.file"
)

// MaxTextBytes bounds a text body. Matrix caps whole events at 64 KiB,
// and the JSON envelope needs headroom.
const MaxTextBytes = 60 << 10

// Payload is the content of one timeline event.
type Payload struct {
	Kind Kind `json:"kind"`

	// MsgType is the Matrix msgtype (m.text, m.audio, ...). Empty for
	// KindOther.
	MsgType string `json:"msgtype,omitempty"`

	// Body is the text for KindText, the caption or file name for
	// media, and a short description for KindOther.
	Body string `json:"body"`

	// FormattedBody is the HTML rendering of a text body, when it
	// differs from the plain text.
	FormattedBody string `json:"formatted_body,omitempty"`

	// Media is set for KindAudio and KindMedia.
	Media *Media `json:"media,omitempty"`
}

// Media describes an attachment. Data holds the bytes until they are
// uploaded; URI holds the mxc:// location afterwards. Timeline echoes
// never carry Data.
type Media struct {
	Filename    string        `json:"filename"`
	ContentType string        `json:"content_type"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration,omitempty"`
	URI         string        `json:"uri,omitempty"`
	Data        []byte        `json:"data,omitempty"`
}

// Text builds a text payload. Markdown in body is rendered into
// FormattedBody when it produces formatting.
func Text(body string) Payload {
	p := Payload{Kind: KindText, MsgType: MsgTypeText, Body: body}
	if formatted, ok := renderMarkdown(body); ok {
		p.FormattedBody = formatted
	}
	return p
}

// Audio builds a voice or audio clip payload.
func Audio(filename, contentType string, data []byte, duration time.Duration) Payload {
	return Payload{
		Kind:    KindAudio,
		MsgType: MsgTypeAudio,
		Body:    filename,
		Media: &Media{
			Filename:    filename,
			ContentType: contentType,
			Size:        int64(len(data)),
			Duration:    duration,
			Data:        data,
		},
	}
}

// File builds a media payload. The msgtype follows the content type:
// image/* and video/* get their own msgtypes, audio/* becomes an audio
// payload, everything else is m.file. An empty contentType is guessed
// from the file extension.
func File(filename, contentType string, data []byte) Payload {
	if contentType == "" {
		contentType = mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if strings.HasPrefix(contentType, "audio/") {
		return Audio(filename, contentType, data, 0)
	}

	msgType := MsgTypeFile
	switch {
	case strings.HasPrefix(contentType, "image/"):
		msgType = MsgTypeImage
	case strings.HasPrefix(contentType, "video/"):
		msgType = MsgTypeVideo
	}
	return Payload{
		Kind:    KindMedia,
		MsgType: msgType,
		Body:    filename,
		Media: &Media{
			Filename:    filename,
			ContentType: contentType,
			Size:        int64(len(data)),
			Data:        data,
		},
	}
}

// Validate checks a payload composed locally. maxMediaBytes bounds
// attachments; zero means no limit.
func (p Payload) Validate(maxMediaBytes int64) error {
	switch p.Kind {
	case KindText:
		if strings.TrimSpace(p.Body) == "" {
			return errors.New("payload: text body is empty")
		}
		if len(p.Body) > MaxTextBytes {
			return fmt.Errorf("payload: text body is %d bytes, maximum is %d", len(p.Body), MaxTextBytes)
		}
		if !utf8.ValidString(p.Body) {
			return errors.New("payload: text body is not valid UTF-8")
		}
		return nil
	case KindAudio, KindMedia:
		if p.Media == nil {
			return fmt.Errorf("payload: %s payload has no media", p.Kind)
		}
		if p.Media.URI == "" && len(p.Media.Data) == 0 {
			return fmt.Errorf("payload: %s payload has neither data nor a content URI", p.Kind)
		}
		if p.Media.ContentType == "" {
			return fmt.Errorf("payload: %s payload has no content type", p.Kind)
		}
		if maxMediaBytes > 0 && p.Media.Size > maxMediaBytes {
			return fmt.Errorf("payload: %s is %d bytes, maximum is %d", p.Media.Filename, p.Media.Size, maxMediaBytes)
		}
		return nil
	case KindOther:
		return errors.New("payload: only text, audio and media can be sent")
	default:
		return fmt.Errorf("payload: unknown kind %q", p.Kind)
	}
}

// NeedsUpload reports whether the media bytes still have to be
// uploaded before the event can be sent.
func (p Payload) NeedsUpload() bool {
	return p.Media != nil && p.Media.URI == "" && len(p.Media.Data) > 0
}

// WithURI returns a copy whose media points at uri and no longer holds
// the local bytes.
func (p Payload) WithURI(uri string) Payload {
	if p.Media == nil {
		return p
	}
	media := *p.Media
	media.URI = uri
	media.Data = nil
	p.Media = &media
	return p
}

// Summary is a one-line description for notifications and logs.
func (p Payload) Summary() string {
	switch p.Kind {
	case KindAudio:
		if p.Media != nil && p.Media.Duration > 0 {
			return fmt.Sprintf("[audio] %s (%s)", p.Body, p.Media.Duration.Round(time.Second))
		}
		return "[audio] " + p.Body
	case KindMedia:
		return fmt.Sprintf("[%s] %s", strings.TrimPrefix(p.MsgType, "m."), p.Body)
	default:
		return p.Body
	}
}
