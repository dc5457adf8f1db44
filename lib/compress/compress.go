// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress wraps stored blobs in a small self-describing frame:
// one tag byte, the uncompressed length as a uvarint, then the
// (possibly) compressed bytes. Blobs that do not shrink are stored
// uncompressed under TagNone, so Pack never fails on content.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the algorithm in a frame. Values are stored on disk.
type Tag uint8

const (
	// TagNone stores the data as is.
	TagNone Tag = 0

	// TagLZ4 is LZ4 block compression. Cheap enough for rows written
	// on every send attempt.
	TagLZ4 Tag = 1

	// TagZstd is zstd at the default level. Better ratios for the
	// repetitive CBOR of cached timelines.
	TagZstd Tag = 2
)

// maxFrameSize bounds the declared uncompressed length so a corrupt
// header cannot trigger a huge allocation.
const maxFrameSize = 256 << 20

// String returns the name of the tag.
func (tag Tag) String() string {
	switch tag {
	case TagNone:
		return "none"
	case TagLZ4:
		return "lz4"
	case TagZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseTag parses a tag name as written by String.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return TagNone, nil
	case "lz4":
		return TagLZ4, nil
	case "zstd":
		return TagZstd, nil
	default:
		return 0, fmt.Errorf("compress: unknown algorithm %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("data is incompressible")

// Pack frames data compressed with tag, falling back to TagNone when
// the compressed form is not smaller.
func Pack(data []byte, tag Tag) ([]byte, error) {
	var body []byte
	var err error
	switch tag {
	case TagNone:
		body = data
	case TagLZ4:
		body, err = compressLZ4(data)
	case TagZstd:
		body, err = compressZstd(data)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
	if errors.Is(err, errIncompressible) {
		tag, body, err = TagNone, data, nil
	}
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	frame[0] = byte(tag)
	frame = binary.AppendUvarint(frame, uint64(len(data)))
	return append(frame, body...), nil
}

// Unpack reverses Pack.
func Unpack(frame []byte) ([]byte, error) {
	tag, size, body, err := header(frame)
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagNone:
		if len(body) != size {
			return nil, fmt.Errorf("compress: stored frame holds %d bytes, header says %d", len(body), size)
		}
		return body, nil
	case TagLZ4:
		return decompressLZ4(body, size)
	case TagZstd:
		return decompressZstd(body, size)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}

// FrameTag reports the algorithm a frame was written with.
func FrameTag(frame []byte) (Tag, error) {
	tag, _, _, err := header(frame)
	return tag, err
}

func header(frame []byte) (Tag, int, []byte, error) {
	if len(frame) < 2 {
		return 0, 0, nil, errors.New("compress: frame too short")
	}
	size, n := binary.Uvarint(frame[1:])
	if n <= 0 {
		return 0, 0, nil, errors.New("compress: malformed length")
	}
	if size > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("compress: declared size %d exceeds limit", size)
	}
	return Tag(frame[0]), int(size), frame[1+n:], nil
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("compress: lz4: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("compress: zstd: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
