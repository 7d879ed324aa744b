// package resolver turns name-keyed tracks into canonically identified
// recordings. Resolution is tiered: a label hunt for tracks without one,
// the local catalog, an external waterfall scored by probabilistic record
// linkage, and co-occurrence matching for artists the catalogs do not
// know. Unresolvable tracks enter a cooldown queue instead of being
// retried hot.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/repositories"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// API surfaces the resolver consumes, satisfied by the service clients and
// by test stubs.
type spotifyAPI interface {
	SearchTrack(ctx context.Context, title, artist string) (*services.SpotifyTrack, error)
	SearchISRC(ctx context.Context, isrc string) (*services.SpotifyTrack, error)
	GetTrack(ctx context.Context, id string) (*services.SpotifyTrack, error)
	GetArtist(ctx context.Context, id string) (*services.SpotifyArtist, error)
}

type musicBrainzAPI interface {
	SearchRecording(ctx context.Context, title, artist string) ([]services.MBRecording, error)
	LookupISRC(ctx context.Context, isrc string) ([]services.MBRecording, error)
}

type discogsAPI interface {
	SearchRelease(ctx context.Context, title, artist string) ([]services.DiscogsRelease, error)
	SearchCatalog(ctx context.Context, catno string) ([]services.DiscogsRelease, error)
}

type lastfmAPI interface {
	GetTrack(ctx context.Context, title, artist string) (*services.LastFMTrack, error)
}

// Resolver owns the tiered enrichment flow.
type Resolver struct {
	store   *repositories.Store
	spotify spotifyAPI
	mb      musicBrainzAPI
	discogs discogsAPI
	lastfm  lastfmAPI

	linkage  *Linkage
	hunter   *LabelHunter
	cooccur  *CooccurrenceMatcher
	cooldown *Cooldown

	highThreshold   float64
	mediumThreshold float64

	logger   *log.Logger
	registry *metrics.Registry
}

// Clients groups the external service clients the resolver draws on. Any
// may be nil; the corresponding waterfall step is skipped.
type Clients struct {
	Spotify     spotifyAPI
	MusicBrainz musicBrainzAPI
	Discogs     discogsAPI
	LastFM      lastfmAPI
	SetlistFM   setlistContextAPI
}

// New builds the resolver.
func New(cfg shared.ResolverConfig, store *repositories.Store, clients Clients, registry *metrics.Registry, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}

	high := cfg.HighThreshold
	if high <= 0 {
		high = 0.85
	}
	medium := cfg.MediumThreshold
	if medium <= 0 {
		medium = 0.70
	}

	linkage := NewLinkage(cfg.Workers)
	r := &Resolver{
		store:           store,
		spotify:         clients.Spotify,
		mb:              clients.MusicBrainz,
		discogs:         clients.Discogs,
		lastfm:          clients.LastFM,
		linkage:         linkage,
		hunter:          NewLabelHunter(clients.MusicBrainz, clients.Discogs),
		cooldown:        NewCooldown(cfg),
		highThreshold:   high,
		mediumThreshold: medium,
		logger:          logger,
		registry:        registry,
	}
	if clients.SetlistFM != nil {
		// Co-occurrence matching needs the external set context to be worth
		// its database queries.
		r.cooccur = NewCooccurrenceMatcher(store, clients.SetlistFM, linkage)
	}
	return r
}

// Outcome reports what one resolution attempt did. ConfidenceTag is "high"
// above the high threshold and "medium" for matches accepted between the
// medium and high thresholds.
type Outcome struct {
	Status        models.EnrichmentState
	Confidence    float64
	ConfidenceTag string
	SourcesUsed   []string
	RetryAfter    *time.Time
}

func (r *Resolver) confidenceTag(confidence float64) string {
	if confidence >= r.highThreshold {
		return "high"
	}
	return "medium"
}

// ResolveTrack runs the full tier chain for one track and persists both the
// enriched fields and the enrichment status record.
func (r *Resolver) ResolveTrack(ctx context.Context, trackID string) (*Outcome, error) {
	track, err := r.store.Tracks.Get(ctx, r.store.DB, trackID)
	if err != nil {
		return nil, err
	}
	artist, err := r.store.Artists.Get(ctx, r.store.DB, track.PrimaryArtistID)
	if err != nil {
		return nil, err
	}

	status, err := r.store.Enrichment.Get(ctx, r.store.DB, trackID)
	if err != nil {
		status = &models.EnrichmentStatus{
			TrackID:  trackID,
			Status:   models.EnrichmentPending,
			Strategy: r.cooldown.strategy,
		}
	}
	if status.Status == models.EnrichmentReEnrichment && status.RetryAfter != nil && status.RetryAfter.After(time.Now()) {
		// The cooldown schedule is binding; hot retries just burn API quota.
		return nil, fmt.Errorf("%w: retry scheduled for %s", shared.ErrResolverNotYet,
			status.RetryAfter.UTC().Format(time.RFC3339))
	}

	outcome := r.resolve(ctx, track, artist, status)

	status.Status = outcome.Status
	status.RetryAfter = outcome.RetryAfter
	status.SourcesUsed = outcome.SourcesUsed
	status.Strategy = r.cooldown.strategy
	if err := r.store.Enrichment.Upsert(ctx, r.store.DB, status); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *Resolver) resolve(ctx context.Context, track *models.Track, artist *models.Artist, status *models.EnrichmentStatus) *Outcome {
	var sources []string

	// Tier 0: hunt a label for tracks without one. A label narrows every
	// later tier, and even a failed resolution keeps it as evidence that
	// shortens the adaptive cooldown.
	if track.Label == nil {
		if hint := r.hunter.Hunt(ctx, track.Title, artist.Name, track.ParentheticalNotes); hint != nil {
			r.tier("label_hunt")
			track.Label = &hint.Label
			r.linkage.ObserveLabel(hint.Label)
			sources = append(sources, string(hint.Source))
			if _, err := r.store.Tracks.Upsert(ctx, r.store.DB, track); err != nil {
				r.logger.Error("storing hunted label failed", "track", track.Title, "err", err)
			}
		}
	}
	evidence := Evidence{FirstSeen: track.CreatedAt, LabelHint: track.Label != nil}

	// Tier 1: the local catalog. Tracks that already carry canonical
	// identifiers only need their gaps filled.
	if track.ISRC != nil || track.SpotifyID != nil || track.MusicBrainzID != nil {
		if outcome := r.resolveByIdentifier(ctx, track, artist); outcome != nil {
			r.tier("internal")
			outcome.SourcesUsed = append(sources, outcome.SourcesUsed...)
			return outcome
		}
	}

	// Tier 2: the external waterfall, linkage-scored.
	candidates, waterfallSources := r.gatherCandidates(ctx, track, artist)
	sources = append(sources, waterfallSources...)
	best, err := r.linkage.BestMatch(ctx, track, artist.Name, candidates)
	if err == nil && best != nil && best.Confidence >= r.mediumThreshold {
		r.tier("waterfall")
		if applyErr := r.apply(ctx, track, best.Candidate); applyErr != nil {
			r.logger.Error("applying resolution failed", "track", track.Title, "err", applyErr)
		} else {
			return &Outcome{
				Status:        models.EnrichmentCompleted,
				Confidence:    best.Confidence,
				ConfidenceTag: r.confidenceTag(best.Confidence),
				SourcesUsed:   sources,
			}
		}
	}

	// Tier 2+: when the catalogs do not know the artist, let the track's
	// set context vote on who made it.
	if r.cooccur != nil && artistUnidentified(artist) {
		if outcome := r.resolveByCooccurrence(ctx, track, artist, sources); outcome != nil {
			return outcome
		}
	}

	status.RetryAttempts++
	retryAt, retryable := r.cooldown.Next(status.RetryAttempts, evidence)
	if !retryable {
		r.logger.Warn("track permanently unresolvable", "track", track.Title, "attempts", status.RetryAttempts)
		return &Outcome{Status: models.EnrichmentFailed, SourcesUsed: sources}
	}

	return &Outcome{
		Status:      models.EnrichmentReEnrichment,
		SourcesUsed: sources,
		RetryAfter:  &retryAt,
	}
}

// resolveByIdentifier verifies an existing canonical id and fills gaps from
// the authoritative record. Identifier matches skip linkage scoring.
func (r *Resolver) resolveByIdentifier(ctx context.Context, track *models.Track, artist *models.Artist) *Outcome {
	var (
		candidate *Candidate
		source    string
	)

	switch {
	case track.SpotifyID != nil && r.spotify != nil:
		if sp, err := r.spotify.GetTrack(ctx, *track.SpotifyID); err == nil {
			c := spotifyCandidate(sp)
			candidate, source = &c, string(services.SourceSpotify)
		}
	case track.ISRC != nil && r.spotify != nil:
		if sp, err := r.spotify.SearchISRC(ctx, *track.ISRC); err == nil {
			c := spotifyCandidate(sp)
			candidate, source = &c, string(services.SourceSpotify)
		}
	}
	if candidate == nil && track.ISRC != nil && r.mb != nil {
		if recs, err := r.mb.LookupISRC(ctx, *track.ISRC); err == nil && len(recs) > 0 {
			c := mbCandidate(&recs[0])
			candidate, source = &c, string(services.SourceMusicBrainz)
		}
	}
	if candidate == nil {
		return nil
	}

	if err := r.apply(ctx, track, *candidate); err != nil {
		r.logger.Error("applying identifier resolution failed", "track", track.Title, "err", err)
		return nil
	}
	return &Outcome{
		Status:        models.EnrichmentCompleted,
		Confidence:    1.0,
		ConfidenceTag: "high",
		SourcesUsed:   []string{source},
	}
}

// artistUnidentified reports whether no catalog has ever confirmed the
// artist, which usually means the scraped attribution is a guess.
func artistUnidentified(artist *models.Artist) bool {
	return artist.SpotifyID == nil && artist.MusicBrainzID == nil && artist.DiscogsID == nil
}

// resolveByCooccurrence runs the co-occurrence matcher and, on an accepted
// match, reattributes the track to the winning artist.
func (r *Resolver) resolveByCooccurrence(ctx context.Context, track *models.Track, artist *models.Artist, sources []string) *Outcome {
	match, err := r.cooccur.Match(ctx, track, artist)
	if err != nil {
		r.logger.Error("co-occurrence match failed", "track", track.Title, "err", err)
		return nil
	}
	if match == nil || match.Confidence < r.mediumThreshold {
		return nil
	}

	r.tier("cooccurrence")
	if match.ArtistID != artist.ID {
		if err := r.store.Tracks.ReassignPrimaryArtist(ctx, r.store.DB, track.ID, match.ArtistID); err != nil {
			r.logger.Error("reattributing track failed", "track", track.Title, "artist", match.ArtistName, "err", err)
			return nil
		}
		r.logger.Info("track reattributed by set context",
			"track", track.Title, "from", artist.Name, "to", match.ArtistName, "confidence", match.Confidence)
	}

	return &Outcome{
		Status:        models.EnrichmentCompleted,
		Confidence:    match.Confidence,
		ConfidenceTag: r.confidenceTag(match.Confidence),
		SourcesUsed:   append(sources, string(services.SourceCooccur)),
	}
}

// gatherCandidates queries every wired source. Order matters only for the
// sources list; linkage scoring picks the winner.
func (r *Resolver) gatherCandidates(ctx context.Context, track *models.Track, artist *models.Artist) ([]Candidate, []string) {
	var (
		candidates []Candidate
		sources    []string
	)

	if r.spotify != nil {
		if sp, err := r.spotify.SearchTrack(ctx, track.Title, artist.Name); err == nil {
			candidates = append(candidates, spotifyCandidate(sp))
			sources = append(sources, string(services.SourceSpotify))
		}
	}
	if r.mb != nil {
		if recs, err := r.mb.SearchRecording(ctx, track.Title, artist.Name); err == nil {
			for i := range recs {
				if i >= 3 {
					break
				}
				candidates = append(candidates, mbCandidate(&recs[i]))
			}
			if len(recs) > 0 {
				sources = append(sources, string(services.SourceMusicBrainz))
			}
		}
	}
	if r.discogs != nil {
		if releases, err := r.discogs.SearchRelease(ctx, track.Title, artist.Name); err == nil && len(releases) > 0 {
			candidates = append(candidates, discogsCandidate(track, artist, &releases[0]))
			sources = append(sources, string(services.SourceDiscogs))
		}
	}
	if r.lastfm != nil {
		if lf, err := r.lastfm.GetTrack(ctx, track.Title, artist.Name); err == nil {
			candidates = append(candidates, lastfmCandidate(lf))
			sources = append(sources, string(services.SourceLastFM))
		}
	}

	return candidates, sources
}

// apply merges a winning candidate into the track row. The repository merge
// lets non-null values through, so the candidate's fields land as written.
func (r *Resolver) apply(ctx context.Context, track *models.Track, c Candidate) error {
	setIfEmpty(&track.ISRC, c.ISRC)
	setIfEmpty(&track.SpotifyID, c.SpotifyID)
	setIfEmpty(&track.MusicBrainzID, c.MusicBrainzID)
	setIfEmpty(&track.Label, c.Label)
	if c.DurationMS > 0 && track.DurationMS == nil {
		track.DurationMS = &c.DurationMS
	}
	if c.Popularity > 0 && track.Popularity == nil {
		track.Popularity = &c.Popularity
	}
	if c.Genre != "" && track.Genre == nil {
		genre := c.Genre
		track.Genre = &genre
	}
	if c.Label != "" {
		r.linkage.ObserveLabel(c.Label)
	}

	_, err := r.store.Tracks.Upsert(ctx, r.store.DB, track)
	return err
}

func (r *Resolver) tier(name string) {
	if r.registry != nil {
		r.registry.EnrichmentByTier.WithLabelValues(name).Inc()
	}
}

func setIfEmpty(dst **string, value string) {
	if *dst == nil && value != "" {
		v := value
		*dst = &v
	}
}

func spotifyCandidate(t *services.SpotifyTrack) Candidate {
	c := Candidate{
		Source:      services.SourceSpotify,
		Title:       t.Name,
		DurationMS:  t.DurationMS,
		Label:       t.Album.Label,
		ISRC:        t.ISRC(),
		SpotifyID:   t.ID,
		Popularity:  t.Popularity,
		ReleaseDate: t.Album.ReleaseDate,
	}
	if len(t.Artists) > 0 {
		c.Artist = t.Artists[0].Name
		if len(t.Artists[0].Genres) > 0 {
			c.Genre = t.Artists[0].Genres[0]
		}
	}
	return c
}

func mbCandidate(rec *services.MBRecording) Candidate {
	return Candidate{
		Source:        services.SourceMusicBrainz,
		Title:         rec.Title,
		Artist:        rec.ArtistName(),
		DurationMS:    rec.Length,
		Label:         rec.Label(),
		Genre:         rec.TopTag(),
		ISRC:          rec.ISRC(),
		MusicBrainzID: rec.ID,
	}
}

func discogsCandidate(track *models.Track, artist *models.Artist, rel *services.DiscogsRelease) Candidate {
	// Discogs search results title as "Artist - Title"; identity evidence
	// comes from the query itself, so the local names are echoed and the
	// release contributes label and genre.
	return Candidate{
		Source:      services.SourceDiscogs,
		Title:       track.Title,
		Artist:      artist.Name,
		Label:       rel.PrimaryLabel(),
		Genre:       rel.PrimaryStyle(),
		ReleaseDate: rel.Year,
	}
}

func lastfmCandidate(t *services.LastFMTrack) Candidate {
	c := Candidate{
		Source:        services.SourceLastFM,
		Title:         t.Name,
		Artist:        t.Artist.Name,
		MusicBrainzID: t.MBID,
	}
	if tags := t.Tags(); len(tags) > 0 {
		c.Genre = tags[0]
	}
	return c
}
