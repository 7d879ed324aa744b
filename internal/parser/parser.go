// package parser turns free-form track citations ("Artist - Title (Remixer
// Remix)") into structured records. It is the only place where string
// heuristics about track format live; extractors always route free text
// through [Parse].
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/desertthunder/setgraph/internal/shared"
)

// Version is stamped into each set-list as parsing_version so rows can be
// re-parsed when the heuristics change.
const Version = "1.2.0"

// ErrDrop is the sentinel for genuinely unidentifiable citations ("ID - ID").
// Callers must not create any record for a dropped citation.
var ErrDrop = fmt.Errorf("unidentifiable citation")

// ParsedTrack is the structured form of a single set-list entry.
type ParsedTrack struct {
	PrimaryArtists     []string
	FeaturedArtists    []string
	RemixerArtists     []string
	ProducerArtists    []string
	TrackName          string
	ParentheticalNotes []string
	IsRemix            bool
	IsMashup           bool
	IsIdentified       bool
	MashupComponents   []string
}

var (
	// Parenthetical and bracketed groups are treated alike.
	groupRe = regexp.MustCompile(`\(([^)]*)\)|\[([^\]]*)\]`)

	featSepRe   = regexp.MustCompile(`(?i)\s+(?:ft\.?|feat\.?|featuring)\s+`)
	artistSepRe = regexp.MustCompile(`\s*(?:&|,)\s*`)
	vsSepRe     = regexp.MustCompile(`(?i)\s+vs\.\s+`)
	dashSepRe   = regexp.MustCompile(`\s+[-–—]\s+`)

	remixSuffixRe  = regexp.MustCompile(`(?i)^(.*?)\s*remix$`)
	mashupSuffixRe = regexp.MustCompile(`(?i)^(.*?)\s*mashup$`)

	variantNoteRe = regexp.MustCompile(`(?i)\b(remix|mix|mashup|edit|vip|dub|bootleg|rework|remake|refix|flip|cover|version|intro|outro|acapella|a cappella|instrumental|live|remaster(?:ed)?)\b`)
	catalogRe     = regexp.MustCompile(`^[A-Z]{2,10}[-_ ]?\d{2,5}$`)
	digitsRe      = regexp.MustCompile(`^\d+$`)
)

// Parse applies the citation heuristics in a fixed order: parenthetical
// extraction, remix/mashup suffixes, artist separation, mashup ("vs.")
// splitting, normalization, and unidentified-entry detection.
//
// Parse is a pure function: the same input always yields the same output.
func Parse(raw string) (*ParsedTrack, error) {
	rec := &ParsedTrack{IsIdentified: true}

	rest := groupRe.ReplaceAllStringFunc(raw, func(m string) string {
		contents := strings.TrimSpace(m[1 : len(m)-1])
		if contents == "" {
			return ""
		}

		if sub := remixSuffixRe.FindStringSubmatch(contents); sub != nil {
			rec.IsRemix = true
			if remixer := shared.CollapseWhitespace(sub[1]); remixer != "" {
				rec.RemixerArtists = append(rec.RemixerArtists, remixer)
			}
			return ""
		}

		if sub := mashupSuffixRe.FindStringSubmatch(contents); sub != nil {
			rec.IsRemix = true
			if masher := shared.CollapseWhitespace(sub[1]); masher != "" {
				rec.RemixerArtists = append(rec.RemixerArtists, masher)
			}
			return ""
		}

		rec.ParentheticalNotes = append(rec.ParentheticalNotes, contents)
		return ""
	})

	rest = shared.CollapseWhitespace(rest)

	// ARTISTS - TRACK, with an optional featured clause inside ARTISTS.
	trackPart := rest
	if loc := dashSepRe.FindStringIndex(rest); loc != nil {
		artistPart := rest[:loc[0]]
		trackPart = rest[loc[1]:]

		if featLoc := featSepRe.FindStringIndex(artistPart); featLoc != nil {
			rec.PrimaryArtists = splitArtists(artistPart[:featLoc[0]])
			rec.FeaturedArtists = splitArtists(artistPart[featLoc[1]:])
		} else {
			rec.PrimaryArtists = splitArtists(artistPart)
		}
	}

	trackPart = shared.CollapseWhitespace(trackPart)

	if parts := vsSepRe.Split(trackPart, -1); len(parts) > 1 {
		rec.IsMashup = true
		for _, p := range parts {
			if p = shared.CollapseWhitespace(p); p != "" {
				rec.MashupComponents = append(rec.MashupComponents, p)
			}
		}
	}

	rec.TrackName = trackPart

	normalized := shared.NormalizeName(rec.TrackName)
	switch {
	case normalized == "id" && len(rec.PrimaryArtists) == 0:
		return nil, ErrDrop
	case normalized == "id remix" && len(rec.RemixerArtists) == 0:
		rec.IsIdentified = false
	}

	if rec.TrackName == "" && len(rec.PrimaryArtists) == 0 {
		return nil, ErrDrop
	}

	return rec, nil
}

// IsVariantNote reports whether a parenthetical note describes a version of
// the track ("Extended Mix", "VIP", "Club Edit") rather than naming a label.
func IsVariantNote(note string) bool {
	return variantNoteRe.MatchString(note)
}

// IsCatalogNumber matches label catalog numbers like "DRUMCODE225" or
// "MAU5-011" that DJs often cite for unreleased vinyl.
func IsCatalogNumber(s string) bool {
	return catalogRe.MatchString(strings.ToUpper(s))
}

// LabelFromNotes picks the releasing label out of a citation's leftover
// notes. DJs cite imprints in brackets ("[Anjunabeats]"), so any note that is
// not a version qualifier or a bare catalog number is taken as the label.
func LabelFromNotes(notes []string) string {
	for _, note := range notes {
		note = shared.CollapseWhitespace(note)
		if note == "" || shared.IsPlaceholder(note) || digitsRe.MatchString(note) {
			continue
		}
		if IsVariantNote(note) || IsCatalogNumber(note) {
			continue
		}
		return note
	}
	return ""
}

// splitArtists separates a citation's artist clause on "&" or ",", collapses
// whitespace, and drops empty or placeholder entries ("ID" is not an artist).
func splitArtists(s string) []string {
	var artists []string
	for _, part := range artistSepRe.Split(s, -1) {
		part = shared.CollapseWhitespace(part)
		if part == "" || shared.IsPlaceholder(part) {
			continue
		}
		artists = append(artists, part)
	}
	return artists
}
