package shared

import (
	"strings"
	"unicode"
)

// reservedPlaceholders are generic names that must never become artist or
// track rows. Checked case-insensitively against the normalized form.
var reservedPlaceholders = map[string]struct{}{
	"unknown artist":  {},
	"various artists": {},
	"unknown":         {},
	"id":              {},
	"na":              {}, // normalized form of "n/a"
	"tba":             {},
}

// NormalizeName lowercases, strips punctuation, and collapses whitespace.
// The result is the identity-comparison form for artists, tracks and set-lists.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		default:
			// punctuation is dropped entirely
		}
	}

	return strings.TrimSpace(b.String())
}

// IsPlaceholder reports whether a display name is one of the reserved
// generic placeholders ("unknown artist", "various artists", "id", ...).
func IsPlaceholder(name string) bool {
	_, ok := reservedPlaceholders[NormalizeName(name)]
	return ok
}

// NormalizeTrackKey builds the (title, artist) identity key used when no
// canonical identifier (ISRC, platform id) is available.
func NormalizeTrackKey(title, artist string) string {
	return NormalizeName(title) + "|" + NormalizeName(artist)
}

// CanonicalPair orders two track identifiers so an undirected adjacency edge
// always has one canonical row per unordered pair.
func CanonicalPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// CollapseWhitespace trims and collapses runs of whitespace to single spaces
// without touching case or punctuation.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
