package resolver

import (
	"context"
	"strings"

	"github.com/desertthunder/setgraph/internal/parser"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Label-hunt confidences by evidence source. Catalog databases beat textual
// heuristics.
const (
	labelConfMusicBrainz = 0.90
	labelConfDiscogs     = 0.85
	labelConfNotes       = 0.70
	labelConfBareGuess   = 0.60
)

// LabelHint is a hunted label with the confidence of its evidence.
type LabelHint struct {
	Label      string
	Confidence float64
	Source     services.Source
}

// LabelHunter guesses the releasing label of an unidentified track. A label
// narrows catalog searches and is itself adaptive-cooldown evidence: tracks
// with a known label usually get released.
type LabelHunter struct {
	musicbrainz musicBrainzAPI
	discogs     discogsAPI
}

// NewLabelHunter wires the hunter. Either client may be nil.
func NewLabelHunter(mb musicBrainzAPI, dg discogsAPI) *LabelHunter {
	return &LabelHunter{musicbrainz: mb, discogs: dg}
}

// FromNotes scans parenthetical notes for label evidence. Any note that is
// not a version qualifier names the imprint; a bare catalog number is weaker
// evidence than a spelled-out label.
func (h *LabelHunter) FromNotes(notes []string) *LabelHint {
	if label := parser.LabelFromNotes(notes); label != "" {
		return &LabelHint{Label: label, Confidence: labelConfNotes, Source: services.SourceTitleParse}
	}
	for _, note := range notes {
		trimmed := shared.CollapseWhitespace(note)
		if parser.IsCatalogNumber(trimmed) {
			return &LabelHint{Label: strings.ToUpper(trimmed), Confidence: labelConfBareGuess, Source: services.SourceTitleParse}
		}
	}
	return nil
}

// Hunt tries the cheapest evidence first: the citation's own notes, then the
// catalog databases.
func (h *LabelHunter) Hunt(ctx context.Context, title, artist string, notes []string) *LabelHint {
	var fallback *LabelHint
	if hint := h.FromNotes(notes); hint != nil {
		if hint.Confidence >= labelConfNotes {
			return hint
		}
		// A bare catalog number is kept as the last resort; Discogs can
		// usually upgrade it to the imprint that issued it.
		fallback = hint
	}

	if h.musicbrainz != nil {
		if recs, err := h.musicbrainz.SearchRecording(ctx, title, artist); err == nil {
			for _, rec := range recs {
				if label := rec.Label(); label != "" {
					return &LabelHint{Label: label, Confidence: labelConfMusicBrainz, Source: services.SourceMusicBrainz}
				}
			}
		}
	}

	if h.discogs != nil {
		// Catalog numbers in the notes give Discogs an exact handle.
		for _, note := range notes {
			upper := strings.ToUpper(shared.CollapseWhitespace(note))
			if !parser.IsCatalogNumber(upper) {
				continue
			}
			if releases, err := h.discogs.SearchCatalog(ctx, upper); err == nil && len(releases) > 0 {
				if label := releases[0].PrimaryLabel(); label != "" {
					return &LabelHint{Label: label, Confidence: labelConfDiscogs, Source: services.SourceDiscogs}
				}
			}
		}

		if releases, err := h.discogs.SearchRelease(ctx, title, artist); err == nil && len(releases) > 0 {
			if label := releases[0].PrimaryLabel(); label != "" {
				return &LabelHint{Label: label, Confidence: labelConfDiscogs, Source: services.SourceDiscogs}
			}
		}
	}

	return fallback
}
