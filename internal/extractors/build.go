package extractors

import (
	"fmt"
	"time"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/parser"
	"github.com/desertthunder/setgraph/internal/shared"
)

// adjacencyWindow is how far apart two tracks may be and still count as
// co-occurring. Distance 1 is back-to-back.
const adjacencyWindow = 2

// salvageThreshold is the parsed-track count below which the raw page text
// is kept on the set-list for a later language-model salvage pass.
const salvageThreshold = 3

type parsedCitation struct {
	position int
	cue      *time.Duration
	track    *parser.ParsedTrack
}

// BuildItems turns one extraction into the ordered item stream the pipeline
// consumes: the set-list first, then artists, tracks, roles, memberships,
// and co-occurrence edges.
func BuildItems(source, pageURL string, ex *Extraction, now time.Time) []models.Item {
	name := ex.Name
	if name == "" {
		name = pageURL
	}

	setlist := &models.SetlistItem{
		Name:            name,
		Source:          source,
		EventDate:       ex.EventDate,
		Venue:           ex.Venue,
		ParsingVersion:  parser.Version,
		TracklistCount:  ex.AssertedCount,
		ScrapeTimestamp: now,
	}

	var kept []parsedCitation
	for i, citation := range ex.Citations {
		parsed, err := parser.Parse(citation.Text)
		if err != nil {
			// Dropped citations create no records but keep their slot so
			// surviving positions stay faithful to the page.
			continue
		}
		kept = append(kept, parsedCitation{position: i + 1, cue: citation.CueOffset, track: parsed})
	}

	// The site's own count is authoritative. Extracting fewer citations than
	// asserted means the scrape is partial; the rows are kept and the
	// set-list is flagged for re-scraping.
	if ex.AssertedCount != nil && *ex.AssertedCount != len(ex.Citations) {
		msg := fmt.Sprintf("partial tracklist: site asserts %d entries, extracted %d", *ex.AssertedCount, len(ex.Citations))
		setlist.ScrapeError = &msg
	}
	if setlist.TracklistCount == nil {
		// Sites that publish no entry count still get one asserted, from
		// what was actually extracted.
		count := len(ex.Citations)
		setlist.TracklistCount = &count
	}

	if len(kept) < salvageThreshold {
		setlist.RawText = ex.RawText
	}

	items := []models.Item{models.NewSetlistItem(setlist)}

	seenArtists := map[string]bool{}
	emitArtist := func(artistName string) {
		key := shared.NormalizeName(artistName)
		if key == "" || seenArtists[key] {
			return
		}
		seenArtists[key] = true
		items = append(items, models.NewArtistItem(&models.ArtistItem{
			Name:            artistName,
			ScrapeTimestamp: now,
		}))
	}

	for _, pc := range kept {
		track := pc.track

		primary := firstArtist(track)
		ref := models.TrackRef{Title: track.TrackName, Artist: primary}

		for _, a := range track.PrimaryArtists {
			emitArtist(a)
		}
		for _, a := range track.FeaturedArtists {
			emitArtist(a)
		}
		for _, a := range track.RemixerArtists {
			emitArtist(a)
		}

		trackItem := &models.TrackItem{
			Title:              track.TrackName,
			PrimaryArtist:      primary,
			ParentheticalNotes: track.ParentheticalNotes,
			Flags: models.TrackFlags{
				IsRemix:  track.IsRemix,
				IsMashup: track.IsMashup,
			},
			ScrapeTimestamp: now,
		}
		// Bracket notes that are not version qualifiers name the releasing
		// label ("[Anjunabeats]"); that is the cheapest label evidence there
		// is, so it is attached before the track ever reaches the resolver.
		if label := parser.LabelFromNotes(track.ParentheticalNotes); label != "" {
			trackItem.Label = &label
		}
		items = append(items, models.NewTrackItem(trackItem))

		position := 0
		role := func(names []string, r models.ArtistRole) {
			for _, a := range names {
				position++
				items = append(items, models.NewTrackArtistItem(&models.TrackArtistItem{
					Track:    ref,
					Artist:   a,
					Role:     r,
					Position: position,
				}))
			}
		}
		role(track.PrimaryArtists, models.RolePrimary)
		role(track.FeaturedArtists, models.RoleFeatured)
		role(track.RemixerArtists, models.RoleRemixer)

		membership := &models.SetlistTrackItem{
			SetlistName: name,
			Source:      source,
			Track:       ref,
			Position:    pc.position,
		}
		if pc.cue != nil && ex.EventDate != nil {
			at := ex.EventDate.Add(*pc.cue)
			membership.PlayedAt = &at
		}
		items = append(items, models.NewSetlistTrackItem(membership))
	}

	items = append(items, adjacencyItems(kept)...)
	return items
}

// adjacencyItems emits one co-occurrence edge per pair of kept tracks within
// the window. Distance is the positional gap on the page, so a dropped
// citation between two tracks still separates them.
func adjacencyItems(kept []parsedCitation) []models.Item {
	var items []models.Item
	for i := 0; i < len(kept); i++ {
		for j := i + 1; j < len(kept); j++ {
			distance := kept[j].position - kept[i].position
			if distance > adjacencyWindow {
				break
			}

			a := models.TrackRef{Title: kept[i].track.TrackName, Artist: firstArtist(kept[i].track)}
			b := models.TrackRef{Title: kept[j].track.TrackName, Artist: firstArtist(kept[j].track)}
			if shared.NormalizeTrackKey(a.Title, a.Artist) == shared.NormalizeTrackKey(b.Title, b.Artist) {
				continue
			}

			items = append(items, models.NewAdjacencyItem(&models.AdjacencyItem{
				TrackA:   a,
				TrackB:   b,
				Count:    1,
				Distance: float64(distance),
			}))
		}
	}
	return items
}

// firstArtist picks the artist a name-keyed track is attributed to. Tracks
// cited with only a remixer ("ID - Satellite (Amelie Lens Remix)") attribute
// to the remixer so they can still be persisted and resolved.
func firstArtist(t *parser.ParsedTrack) string {
	switch {
	case len(t.PrimaryArtists) > 0:
		return t.PrimaryArtists[0]
	case len(t.FeaturedArtists) > 0:
		return t.FeaturedArtists[0]
	case len(t.RemixerArtists) > 0:
		return t.RemixerArtists[0]
	}
	return ""
}
