package pipeline

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/setgraph/internal/extractors"
	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Validator rejects malformed items before they reach enrichment. It also
// catches silent scraping failures: a set-list that arrives with no track
// memberships and no scrape_error means an extractor broke without noticing,
// which must alarm rather than quietly persist an empty set.
type Validator struct {
	logger   *log.Logger
	registry *metrics.Registry

	// The current set-list is held back until its first membership proves
	// the scrape actually yielded tracks.
	pending         *models.Item
	pendingReleased bool
	memberships     int

	sources map[string]bool
}

// NewValidator builds the stage.
func NewValidator(registry *metrics.Registry, logger *log.Logger) *Validator {
	if logger == nil {
		logger = log.Default()
	}
	sources := make(map[string]bool)
	for _, s := range extractors.Sources() {
		sources[s] = true
	}
	return &Validator{logger: logger, registry: registry, sources: sources}
}

func (v *Validator) Name() string  { return "validate" }
func (v *Validator) Priority() int { return 100 }

func (v *Validator) Process(ctx context.Context, item models.Item) ([]models.Item, error) {
	switch item.Kind {
	case models.ItemArtist:
		return v.validateArtist(item)
	case models.ItemTrack:
		return v.validateTrack(item)
	case models.ItemTrackArtist:
		return v.validateTrackArtist(item)
	case models.ItemSetlist:
		return v.acceptSetlist(item)
	case models.ItemSetlistTrack:
		return v.validateMembership(item)
	case models.ItemAdjacency:
		return v.validateAdjacency(item)
	default:
		return nil, fmt.Errorf("%w: unknown item kind %q", ErrRejectItem, item.Kind)
	}
}

// Close releases or condemns the final buffered set-list.
func (v *Validator) Close(ctx context.Context) ([]models.Item, error) {
	return v.settlePending(), nil
}

func (v *Validator) validateArtist(item models.Item) ([]models.Item, error) {
	a := item.Artist
	if shared.NormalizeName(a.Name) == "" {
		return nil, fmt.Errorf("%w: empty artist name", ErrRejectItem)
	}
	if shared.IsPlaceholder(a.Name) {
		return nil, fmt.Errorf("%w: placeholder artist %q", ErrRejectItem, a.Name)
	}
	// Malformed country codes are dropped, the artist survives.
	if a.CountryCode != nil && !validCountryCode(*a.CountryCode) {
		v.logger.Debug("discarding malformed country code", "artist", a.Name, "country", *a.CountryCode)
		a.CountryCode = nil
	}
	return []models.Item{item}, nil
}

func validCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func (v *Validator) validateTrack(item models.Item) ([]models.Item, error) {
	t := item.Track
	if shared.NormalizeName(t.Title) == "" {
		return nil, fmt.Errorf("%w: empty track title", ErrRejectItem)
	}
	if shared.IsPlaceholder(t.Title) {
		return nil, fmt.Errorf("%w: placeholder track title %q", ErrRejectItem, t.Title)
	}

	// Out-of-range measurements are discarded, not the track carrying them.
	if t.BPM != nil && (*t.BPM < 60 || *t.BPM > 200) {
		v.logger.Debug("discarding out-of-range bpm", "track", t.Title, "bpm", *t.BPM)
		t.BPM = nil
	}
	clampUnitFeatures(&t.Features)
	if t.Features.Loudness != nil && *t.Features.Loudness > 0 {
		t.Features.Loudness = nil
	}
	return []models.Item{item}, nil
}

func (v *Validator) validateTrackArtist(item models.Item) ([]models.Item, error) {
	ta := item.TrackArtist
	if !models.ValidRole(ta.Role) {
		return nil, fmt.Errorf("%w: role %q", ErrRejectItem, ta.Role)
	}
	if shared.IsPlaceholder(ta.Artist) || shared.NormalizeName(ta.Artist) == "" {
		return nil, fmt.Errorf("%w: placeholder artist in role row", ErrRejectItem)
	}
	return []models.Item{item}, nil
}

func (v *Validator) validateMembership(item models.Item) ([]models.Item, error) {
	st := item.SetlistTrack
	if st.Position <= 0 {
		return nil, fmt.Errorf("%w: membership position %d", ErrRejectItem, st.Position)
	}

	// The first membership for the buffered set-list releases it.
	if v.pending != nil && v.pending.Setlist.Name == st.SetlistName {
		v.memberships++
		if !v.pendingReleased {
			v.pendingReleased = true
			return []models.Item{*v.pending, item}, nil
		}
	}
	return []models.Item{item}, nil
}

func (v *Validator) validateAdjacency(item models.Item) ([]models.Item, error) {
	adj := item.Adjacency
	keyA := shared.NormalizeTrackKey(adj.TrackA.Title, adj.TrackA.Artist)
	keyB := shared.NormalizeTrackKey(adj.TrackB.Title, adj.TrackB.Artist)
	if keyA == keyB {
		return nil, fmt.Errorf("%w: adjacency self-loop", ErrRejectItem)
	}
	if adj.Count <= 0 || adj.Distance < 1 {
		return nil, fmt.Errorf("%w: adjacency count=%d distance=%f", ErrRejectItem, adj.Count, adj.Distance)
	}
	return []models.Item{item}, nil
}

func (v *Validator) acceptSetlist(item models.Item) ([]models.Item, error) {
	out := v.settlePending()

	if shared.NormalizeName(item.Setlist.Name) == "" {
		return out, fmt.Errorf("%w: empty setlist name", ErrRejectItem)
	}
	if shared.IsPlaceholder(item.Setlist.Name) {
		return out, fmt.Errorf("%w: placeholder setlist name %q", ErrRejectItem, item.Setlist.Name)
	}
	if !v.sources[item.Setlist.Source] {
		return out, fmt.Errorf("%w: unrecognized source %q", ErrRejectItem, item.Setlist.Source)
	}

	v.pending = &item
	v.pendingReleased = false
	v.memberships = 0
	return out, nil
}

// settlePending decides the fate of the buffered set-list. Released lists
// already went downstream; an unreleased one with no error flag is a silent
// failure and is dropped loudly.
func (v *Validator) settlePending() []models.Item {
	if v.pending == nil {
		return nil
	}

	pending := v.pending
	released := v.pendingReleased
	v.pending = nil
	v.pendingReleased = false
	v.memberships = 0

	if released {
		return nil
	}
	if pending.Setlist.ScrapeError != nil || pending.Setlist.RawText != "" {
		// Flagged partial scrapes and salvage candidates pass through empty.
		return []models.Item{*pending}
	}

	v.logger.Error("silent scraping failure: setlist yielded no tracks and no scrape_error",
		"setlist", pending.Setlist.Name, "source", pending.Setlist.Source)
	if v.registry != nil {
		v.registry.SilentFailures.Inc()
	}
	return nil
}

func clampUnitFeatures(f *models.AudioFeatures) {
	for _, field := range []**float64{
		&f.Energy, &f.Danceability, &f.Valence, &f.Acousticness,
		&f.Instrumentalness, &f.Liveness, &f.Speechiness,
	} {
		if *field != nil && (**field < 0 || **field > 1) {
			*field = nil
		}
	}
}
