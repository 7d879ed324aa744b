package models

import "time"

// ItemKind tags the pipeline item union. Stages route on the tag; field
// sniffing is deliberately not supported.
type ItemKind string

const (
	ItemArtist       ItemKind = "artist"
	ItemTrack        ItemKind = "track"
	ItemTrackArtist  ItemKind = "track_artist"
	ItemSetlist      ItemKind = "setlist"
	ItemSetlistTrack ItemKind = "setlist_track"
	ItemAdjacency    ItemKind = "adjacency"
)

// TrackRef identifies a track by name before canonical IDs exist. The
// persistence stage resolves refs against just-committed rows at flush time.
type TrackRef struct {
	Title  string
	Artist string
}

// ArtistItem is an artist citation emitted by an extractor.
type ArtistItem struct {
	Name        string
	Genres      []string
	CountryCode *string
	SpotifyID   *string

	NormalizedName  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ScrapeTimestamp time.Time
}

// TrackItem is a track citation emitted by an extractor, keyed by name until
// persistence resolves the primary artist.
type TrackItem struct {
	Title         string
	PrimaryArtist string
	BPM           *float64
	Key           *string
	DurationMS    *int
	Genre         *string
	OriginalGenre *string
	Label         *string
	ISRC          *string
	SpotifyID     *string
	MusicBrainzID *string

	// ParentheticalNotes are the citation's leftover groups, kept for the
	// resolver's label hunt.
	ParentheticalNotes []string

	Flags    TrackFlags
	Features AudioFeatures

	NormalizedTitle string
	DurationSeconds *int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ScrapeTimestamp time.Time
}

// TrackArtistItem relates a track citation to an artist citation.
type TrackArtistItem struct {
	Track    TrackRef
	Artist   string
	Role     ArtistRole
	Position int
}

// SetlistItem is a scraped set-list. TracklistCount must be asserted by the
// extractor; RawText carries the page text for the low-quality salvage path.
type SetlistItem struct {
	Name           string
	Source         string
	EventDate      *time.Time
	Venue          *string
	ParsingVersion string
	TracklistCount *int
	ScrapeError    *string
	RawText        string

	NormalizedName  string
	BPMRange        *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ScrapeTimestamp time.Time
}

// SetlistTrackItem is an ordered membership row keyed by names.
type SetlistTrackItem struct {
	SetlistName string
	Source      string
	Track       TrackRef
	Position    int
	PlayedAt    *time.Time
}

// AdjacencyItem is a name-keyed co-occurrence edge contribution. Count and
// Distance are merged commutatively at persistence.
type AdjacencyItem struct {
	TrackA   TrackRef
	TrackB   TrackRef
	Count    int
	Distance float64
}

// Item is the tagged union carried on the pipeline channel. Exactly the
// field matching Kind is non-nil.
type Item struct {
	Kind         ItemKind
	Artist       *ArtistItem
	Track        *TrackItem
	TrackArtist  *TrackArtistItem
	Setlist      *SetlistItem
	SetlistTrack *SetlistTrackItem
	Adjacency    *AdjacencyItem
}

// NewArtistItem wraps an ArtistItem in a tagged Item.
func NewArtistItem(a *ArtistItem) Item { return Item{Kind: ItemArtist, Artist: a} }

// NewTrackItem wraps a TrackItem in a tagged Item.
func NewTrackItem(t *TrackItem) Item { return Item{Kind: ItemTrack, Track: t} }

// NewTrackArtistItem wraps a TrackArtistItem in a tagged Item.
func NewTrackArtistItem(ta *TrackArtistItem) Item {
	return Item{Kind: ItemTrackArtist, TrackArtist: ta}
}

// NewSetlistItem wraps a SetlistItem in a tagged Item.
func NewSetlistItem(s *SetlistItem) Item { return Item{Kind: ItemSetlist, Setlist: s} }

// NewSetlistTrackItem wraps a SetlistTrackItem in a tagged Item.
func NewSetlistTrackItem(st *SetlistTrackItem) Item {
	return Item{Kind: ItemSetlistTrack, SetlistTrack: st}
}

// NewAdjacencyItem wraps an AdjacencyItem in a tagged Item.
func NewAdjacencyItem(a *AdjacencyItem) Item { return Item{Kind: ItemAdjacency, Adjacency: a} }
