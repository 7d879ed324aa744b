package models

import (
	"time"
)

// ArtistRole is the closed set of roles an artist can hold on a track.
type ArtistRole string

const (
	RolePrimary  ArtistRole = "primary"
	RoleFeatured ArtistRole = "featured"
	RoleRemixer  ArtistRole = "remixer"
	RoleProducer ArtistRole = "producer"
	RoleVocalist ArtistRole = "vocalist"
)

// ValidRole reports whether r is a member of the closed role enum.
func ValidRole(r ArtistRole) bool {
	switch r {
	case RolePrimary, RoleFeatured, RoleRemixer, RoleProducer, RoleVocalist:
		return true
	}
	return false
}

// EnrichmentState is the lifecycle of a track's external enrichment.
type EnrichmentState string

const (
	EnrichmentPending      EnrichmentState = "pending"
	EnrichmentCompleted    EnrichmentState = "completed"
	EnrichmentFailed       EnrichmentState = "failed"
	EnrichmentReEnrichment EnrichmentState = "pending_re_enrichment"
)

// CooldownStrategy selects how retry_after is computed for unresolvable tracks.
type CooldownStrategy string

const (
	CooldownFixed       CooldownStrategy = "fixed"
	CooldownExponential CooldownStrategy = "exponential"
	CooldownAdaptive    CooldownStrategy = "adaptive"
)

// Artist is a uniquely identified performer or producer.
//
// NormalizedName is the identity key: lowercased, punctuation-stripped,
// whitespace-collapsed, unique and non-empty.
type Artist struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	NormalizedName string    `db:"normalized_name"`
	Genres         []string  `db:"-"`
	CountryCode    *string   `db:"country_code"`
	SpotifyID      *string   `db:"spotify_id"`
	MusicBrainzID  *string   `db:"musicbrainz_id"`
	DiscogsID      *string   `db:"discogs_id"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// AudioFeatures are computed per-track descriptors, each constrained to its
// documented range (0..1 except Loudness, which is negative dB).
type AudioFeatures struct {
	Energy           *float64 `db:"energy" json:"energy,omitempty"`
	Danceability     *float64 `db:"danceability" json:"danceability,omitempty"`
	Valence          *float64 `db:"valence" json:"valence,omitempty"`
	Acousticness     *float64 `db:"acousticness" json:"acousticness,omitempty"`
	Instrumentalness *float64 `db:"instrumentalness" json:"instrumentalness,omitempty"`
	Liveness         *float64 `db:"liveness" json:"liveness,omitempty"`
	Speechiness      *float64 `db:"speechiness" json:"speechiness,omitempty"`
	Loudness         *float64 `db:"loudness" json:"loudness,omitempty"`
}

// TrackFlags are boolean descriptors derived from title heuristics or
// external metadata.
type TrackFlags struct {
	IsRemix        bool `db:"is_remix"`
	IsMashup       bool `db:"is_mashup"`
	IsLive         bool `db:"is_live"`
	IsCover        bool `db:"is_cover"`
	IsInstrumental bool `db:"is_instrumental"`
	IsExplicit     bool `db:"is_explicit"`
}

// Track is a uniquely identified recording.
//
// Identity, in conflict-priority order: ISRC, then a platform id, then
// (NormalizedTitle, PrimaryArtistID).
type Track struct {
	ID              string     `db:"id"`
	Title           string     `db:"title"`
	NormalizedTitle string     `db:"normalized_title"`
	PrimaryArtistID string     `db:"primary_artist_id"`
	BPM             *float64   `db:"bpm"`
	Key             *string    `db:"key"`
	DurationMS      *int       `db:"duration_ms"`
	ReleaseDate     *time.Time `db:"release_date"`
	Genre           *string    `db:"genre"`
	OriginalGenre   *string    `db:"original_genre"`
	Label           *string    `db:"label"`
	Popularity      *int       `db:"popularity"`

	// ParentheticalNotes are leftover citation groups, stored as jsonb and
	// mined by the resolver's label hunt.
	ParentheticalNotes []string `db:"-"`

	AudioFeatures
	TrackFlags

	ISRC          *string `db:"isrc"`
	MusicBrainzID *string `db:"musicbrainz_id"`
	SpotifyID     *string `db:"spotify_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TrackArtist links a track to an artist with a role and ordering position.
// (TrackID, ArtistID, Role) is unique; exactly one primary role per track.
type TrackArtist struct {
	TrackID  string     `db:"track_id"`
	ArtistID string     `db:"artist_id"`
	Role     ArtistRole `db:"role"`
	Position int        `db:"position"`
}

// Setlist is an ordered DJ set scraped from one source.
// (NormalizedName, Source) is unique. TracklistCount is asserted by the
// extractor; zero tracks with a nil ScrapeError is a silent failure and is
// rejected at validation.
type Setlist struct {
	ID                string     `db:"id"`
	Name              string     `db:"name"`
	NormalizedName    string     `db:"normalized_name"`
	Source            string     `db:"source"`
	EventDate         *time.Time `db:"event_date"`
	Venue             *string    `db:"venue"`
	ParsingVersion    string     `db:"parsing_version"`
	TracklistCount    *int       `db:"tracklist_count"`
	BPMRange          *string    `db:"bpm_range"`
	ScrapeError       *string    `db:"scrape_error"`
	LastScrapeAttempt *time.Time `db:"last_scrape_attempt"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// SetlistTrack is the ordered membership of a track in a set-list.
type SetlistTrack struct {
	SetlistID string     `db:"setlist_id"`
	TrackID   string     `db:"track_id"`
	Position  int        `db:"position"`
	PlayedAt  *time.Time `db:"played_at"`
}

// Adjacency is an undirected weighted edge between two tracks: how often and
// how close together they appear in the same set-list. Endpoints are stored
// in canonical order, one row per unordered pair.
type Adjacency struct {
	TrackAID        string    `db:"track_a_id"`
	TrackBID        string    `db:"track_b_id"`
	OccurrenceCount int       `db:"occurrence_count"`
	AverageDistance float64   `db:"average_distance"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// EnrichmentStatus is the resolver-owned per-track retry record.
// RetryAttempts is capped at 5; at the cap the track is permanently failed.
type EnrichmentStatus struct {
	TrackID       string           `db:"track_id"`
	Status        EnrichmentState  `db:"status"`
	RetryAfter    *time.Time       `db:"retry_after"`
	RetryAttempts int              `db:"retry_attempts"`
	Strategy      CooldownStrategy `db:"cooldown_strategy"`
	SourcesUsed   []string         `db:"-"`
	UpdatedAt     time.Time        `db:"updated_at"`
}
