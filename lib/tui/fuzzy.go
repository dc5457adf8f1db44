// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"slices"
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// FuzzyResult is one fuzzy match. Positions are the matched rune
// offsets in ascending order.
type FuzzyResult struct {
	Matched   bool
	Score     int
	Positions []int
}

// FuzzyMatch scores text against pattern with fzf's V2 algorithm,
// case-insensitively. pattern must already be lower case. An empty
// pattern matches everything with score zero. slab may be nil; reuse
// one across calls to avoid allocations.
func FuzzyMatch(text string, pattern []rune, slab *util.Slab) FuzzyResult {
	if len(pattern) == 0 {
		return FuzzyResult{Matched: true}
	}
	chars := util.ToChars([]byte(text))
	result, positions := algo.FuzzyMatchV2(false, true, true, &chars, pattern, true, slab)
	if result.Start < 0 {
		return FuzzyResult{}
	}
	match := FuzzyResult{Matched: true, Score: result.Score}
	if positions != nil {
		match.Positions = slices.Clone(*positions)
		slices.Sort(match.Positions)
	}
	return match
}

// FuzzyFilter returns the indexes of the candidates matching query,
// best score first. Equal scores keep their input order.
func FuzzyFilter(candidates []string, query string) []int {
	pattern := []rune(strings.ToLower(strings.TrimSpace(query)))
	slab := util.MakeSlab(16*1024, 2048)

	type scored struct {
		index int
		score int
	}
	var matches []scored
	for index, candidate := range candidates {
		if result := FuzzyMatch(candidate, pattern, slab); result.Matched {
			matches = append(matches, scored{index: index, score: result.Score})
		}
	}
	slices.SortStableFunc(matches, func(a, b scored) int { return b.score - a.score })

	indexes := make([]int, len(matches))
	for i, match := range matches {
		indexes[i] = match.index
	}
	return indexes
}
