// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui holds the pieces roomsync's terminal views share: the
// color theme, the viewport scrollbar and fzf-based fuzzy filtering.
// Views own their layout and data source and import this package for a
// consistent look.
package tui
