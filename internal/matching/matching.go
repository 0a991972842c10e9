// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package matching compares watchlist titles against release and
// directory names. Candidates are messy: scene naming, quality tags,
// year suffixes, inconsistent separators. Matching normalizes both
// sides, extracts the title portion of the candidate, then scores with
// a Ratcliff/Obershelp ratio plus a year bonus.
package matching

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/moistari/rls"
	"golang.org/x/text/unicode/norm"
)

const (
	// ThresholdStrict gates destructive actions (file and torrent
	// deletion). A false positive here deletes the wrong content.
	ThresholdStrict = 0.85

	// ThresholdLenient gates discovery of already-present torrents. A
	// false positive only skips a duplicate download.
	ThresholdLenient = 0.75

	// yearBonus rewards candidates that carry the expected year.
	yearBonus = 0.10
)

var (
	separatorRe     = regexp.MustCompile(`[.\-_\s]+`)
	trailingYearRe  = regexp.MustCompile(`\s*\((19|20)\d{2}\)\s*$`)
	qualityMarkerRe = regexp.MustCompile(`(?i)\b(\d{3,4}p|bluray|brrip|webrip|hdtv|dvdrip|x264|x265|h264|h265)\b`)
)

// Normalize lowercases s, folds separators to single spaces, strips
// apostrophes and colons, and drops a trailing "(YYYY)".
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "'", "")
	s = strings.ReplaceAll(s, "’", "")
	s = strings.ReplaceAll(s, ":", "")
	s = trailingYearRe.ReplaceAllString(s, "")
	s = separatorRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// TitlePart truncates a release name at the first quality marker,
// leaving just the title (and usually the year).
func TitlePart(s string) string {
	if loc := qualityMarkerRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimSpace(s)
}

// Similarity returns the Ratcliff/Obershelp ratio of a and b in [0,1].
func Similarity(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	total := len(ar) + len(br)
	if total == 0 {
		return 0
	}
	return 2 * float64(matchingRunes(ar, br)) / float64(total)
}

// matchingRunes counts matched characters: the longest common substring
// plus, recursively, the matches in the pieces to its left and right.
func matchingRunes(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	bestLen, bestA, bestB := 0, 0, 0
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestLen {
					bestLen = cur[j]
					bestA = i - bestLen
					bestB = j - bestLen
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}

	if bestLen == 0 {
		return 0
	}
	return bestLen +
		matchingRunes(a[:bestA], b[:bestB]) +
		matchingRunes(a[bestA+bestLen:], b[bestB+bestLen:])
}

// parseCandidate extracts the title and year from a release or
// directory name, preferring a clean rls parse over the marker
// truncation fallback.
func parseCandidate(candidate string) (string, int) {
	r := rls.ParseString(candidate)
	if r.Title != "" {
		return r.Title, r.Year
	}
	return TitlePart(candidate), 0
}

func containsYear(candidate string, year int) bool {
	if year == 0 {
		return false
	}
	return strings.Contains(candidate, strconv.Itoa(year))
}

// Match reports whether candidate refers to the titled item at the
// given threshold.
func Match(title string, year int, candidate string, threshold float64) bool {
	normTitle := Normalize(title)
	candTitle, candYear := parseCandidate(candidate)
	normCand := Normalize(candTitle)
	if normTitle == "" || normCand == "" {
		return false
	}

	yearOK := year != 0 && (candYear == year || containsYear(candidate, year))

	// Substring shortcut: exact containment is decisive when the year
	// checks out, or when the item carries no year at all.
	if strings.Contains(normCand, normTitle) || strings.Contains(normTitle, normCand) {
		if year == 0 || yearOK {
			return true
		}
	}

	// Subsequence shortcut for reordered or lightly mangled names,
	// only with the year verified.
	if yearOK && fuzzy.MatchNormalizedFold(normTitle, normCand) {
		return true
	}

	score := Similarity(normTitle, normCand)
	if yearOK {
		score += yearBonus
	}
	return score >= threshold
}
