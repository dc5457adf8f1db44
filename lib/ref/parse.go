// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseSigilID splits a "<sigil>opaque:server" identifier. Room IDs and
// user IDs share this shape; only the sigil and the error wording
// differ.
func parseSigilID(raw string, sigil byte, kind string) (local, server string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty %s", kind)
	}
	if raw[0] != sigil {
		return "", "", fmt.Errorf("%s must start with %q: %q", kind, sigil, raw)
	}
	colon := strings.IndexByte(raw, ':')
	if colon < 0 {
		return "", "", fmt.Errorf("%s missing ':server' suffix: %q", kind, raw)
	}
	local, server = raw[1:colon], raw[colon+1:]
	if local == "" {
		return "", "", fmt.Errorf("%s has empty local part: %q", kind, raw)
	}
	if server == "" {
		return "", "", fmt.Errorf("%s has empty server name: %q", kind, raw)
	}
	for i := 0; i < len(server); i++ {
		if c := server[i]; c <= ' ' || c == '@' || c == '#' || c == '!' {
			return "", "", fmt.Errorf("%s has invalid server character at position %d: %q", kind, colon+1+i, raw)
		}
	}
	return local, server, nil
}

func marshalID(id string) ([]byte, error) {
	if id == "" {
		return []byte{}, nil
	}
	return []byte(id), nil
}
