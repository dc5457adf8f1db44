// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads roomsync's YAML configuration.
//
// Configuration comes from exactly one file, named by the
// ROOMSYNC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no search path and no ~/.config discovery.
// Without either, commands run on [Default].
//
// The file may carry environment sections (development, staging,
// production) that override base values when [Config].Environment
// matches. After loading, ${HOME}, ${ROOMSYNC_ROOT} and ${VAR:-default}
// patterns in path fields are expanded. No other environment variable
// overrides a config value.
//
// The sync filter may be replaced by a JSONC file (JSON with comments
// and trailing commas) named in sync.filter_file; see [LoadFilter].
package config
