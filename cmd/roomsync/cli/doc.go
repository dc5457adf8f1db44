// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the roomsync
// binary: a tree of [Command] values dispatched by name, pflag flag
// parsing with typo suggestions, categorized errors that map to exit
// codes, and the shared logger and JSON output helpers.
package cli
