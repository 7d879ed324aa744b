package resolver

import (
	"context"
	"strings"

	"github.com/adrg/strutil"
	strmetrics "github.com/adrg/strutil/metrics"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/repositories"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Binary features compared per candidate artist.
const (
	featDJIsArtist = iota
	featPlayedAdjacent
	featSharedLabel
	featDJOwnsLabel
	nCooccurFeatures
)

const (
	songTitleSimilarity = 0.92
	maxDJContexts       = 2
	emIterations        = 25
)

// candidateU is how often each feature agrees between a random artist and a
// random track. The shared-label entry gets replaced by the corpus term
// frequency of the actual label.
var candidateU = [nCooccurFeatures]float64{0.05, 0.10, 0.02, 0.02}

// candidateM seeds the agreement probabilities among true matches before EM
// refines them against the observed feature table.
var candidateM = [nCooccurFeatures]float64{0.90, 0.80, 0.75, 0.70}

// CooccurMatch is an accepted artist reattribution.
type CooccurMatch struct {
	ArtistID   string
	ArtistName string
	Confidence float64
}

// CooccurrenceMatcher attributes tracks the catalogs do not know by the
// company they keep: the DJs who play them and the tracks played around
// them. Candidates come from the local adjacency graph, the label
// association table, and an external set-list provider; a Fellegi-Sunter
// model fitted by expectation-maximization scores each one.
type CooccurrenceMatcher struct {
	store   *repositories.Store
	context setlistContextAPI
	linkage *Linkage
	sim     *strmetrics.JaroWinkler
}

// NewCooccurrenceMatcher wires the matcher.
func NewCooccurrenceMatcher(store *repositories.Store, api setlistContextAPI, linkage *Linkage) *CooccurrenceMatcher {
	return &CooccurrenceMatcher{
		store:   store,
		context: api,
		linkage: linkage,
		sim:     strmetrics.NewJaroWinkler(),
	}
}

type cooccurCandidate struct {
	id       string
	name     string
	features [nCooccurFeatures]bool
}

// Match scores candidate artists for the track and returns the strongest
// one with its posterior probability, or nil when no evidence exists. The
// caller applies its own acceptance thresholds.
func (m *CooccurrenceMatcher) Match(ctx context.Context, track *models.Track, artist *models.Artist) (*CooccurMatch, error) {
	djs, err := m.setDJs(ctx, track.ID)
	if err != nil {
		return nil, err
	}

	candidates := map[string]*cooccurCandidate{}
	add := func(id, name string, feature int) {
		if id == "" || id == artist.ID {
			return
		}
		c, ok := candidates[id]
		if !ok {
			c = &cooccurCandidate{id: id, name: name}
			candidates[id] = c
		}
		c.features[feature] = true
	}

	neighbors, err := m.store.Adjacency.NeighborArtists(ctx, m.store.DB, track.ID, 10)
	if err != nil {
		return nil, err
	}
	for _, ref := range neighbors {
		add(ref.ID, ref.Name, featPlayedAdjacent)
	}

	uVector := candidateU
	djOwnsLabel := false
	if track.Label != nil {
		uVector[featSharedLabel] = m.linkage.labelU(*track.Label)

		onLabel, err := m.store.Artists.ByLabel(ctx, m.store.DB, *track.Label, 10)
		if err != nil {
			return nil, err
		}
		for _, ref := range onLabel {
			add(ref.ID, ref.Name, featSharedLabel)
			if djs[shared.NormalizeName(ref.Name)] {
				djOwnsLabel = true
			}
		}
	}

	for dj := range djs {
		if a, err := m.store.Artists.GetByNormalizedName(ctx, m.store.DB, dj); err == nil {
			add(a.ID, a.Name, featDJIsArtist)
		}
	}

	if adjacent := m.externalAdjacent(ctx, track, djs); len(adjacent) > 0 {
		for id, c := range candidates {
			if adjacent[shared.NormalizeName(c.name)] {
				candidates[id].features[featPlayedAdjacent] = true
			}
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	rows := make([]*cooccurCandidate, 0, len(candidates))
	table := make([][nCooccurFeatures]bool, 0, len(candidates))
	for _, c := range candidates {
		// The DJ releasing on the track's label is evidence for everyone
		// who shares that label, not for one candidate in particular.
		if djOwnsLabel && c.features[featSharedLabel] {
			c.features[featDJOwnsLabel] = true
		}
		rows = append(rows, c)
		table = append(table, c.features)
	}

	model := fitFellegiSunter(table, candidateM, uVector, emIterations)

	var best *CooccurMatch
	for i, c := range rows {
		posterior := model.posterior(table[i])
		if best == nil || posterior > best.Confidence {
			best = &CooccurMatch{ArtistID: c.id, ArtistName: c.name, Confidence: posterior}
		}
	}
	return best, nil
}

// setDJs collects the normalized DJ names of the local sets containing the
// track. Set-list names follow the "DJ @ Event" convention.
func (m *CooccurrenceMatcher) setDJs(ctx context.Context, trackID string) (map[string]bool, error) {
	names, err := m.store.Setlists.NamesForTrack(ctx, m.store.DB, trackID, 10)
	if err != nil {
		return nil, err
	}

	djs := map[string]bool{}
	for _, name := range names {
		if dj := djFromSetlistName(name); dj != "" {
			djs[dj] = true
		}
	}
	return djs, nil
}

// externalAdjacent queries the set-list provider for the DJs' recent sets
// and returns the normalized names of artists played immediately before or
// after this track.
func (m *CooccurrenceMatcher) externalAdjacent(ctx context.Context, track *models.Track, djs map[string]bool) map[string]bool {
	adjacent := map[string]bool{}
	if m.context == nil {
		return adjacent
	}

	queried := 0
	title := shared.NormalizeName(track.Title)
	for dj := range djs {
		if queried >= maxDJContexts {
			break
		}
		queried++

		sets, err := m.context.SearchSetlists(ctx, dj)
		if err != nil {
			continue // context evidence is best-effort
		}
		for _, set := range sets {
			songs := set.Songs()
			for i, song := range songs {
				if strutil.Similarity(shared.NormalizeName(song.Name), title, m.sim) < songTitleSimilarity {
					continue
				}
				if i > 0 && songs[i-1].Cover != nil {
					adjacent[shared.NormalizeName(songs[i-1].Cover.Name)] = true
				}
				if i+1 < len(songs) && songs[i+1].Cover != nil {
					adjacent[shared.NormalizeName(songs[i+1].Cover.Name)] = true
				}
			}
		}
	}
	return adjacent
}

func djFromSetlistName(name string) string {
	if i := strings.Index(name, "@"); i > 0 {
		return shared.NormalizeName(name[:i])
	}
	return ""
}

// setlistContextAPI is the slice of the set-list provider the matcher needs.
type setlistContextAPI interface {
	SearchSetlists(ctx context.Context, artist string) ([]services.SetlistFMSet, error)
}

// fellegiSunter holds per-feature agreement probabilities among matches (m)
// and among random pairs (u), plus the match prior.
type fellegiSunter struct {
	m     [nCooccurFeatures]float64
	u     [nCooccurFeatures]float64
	prior float64
}

// posterior is the probability that the row is a true match given its
// feature agreements.
func (f *fellegiSunter) posterior(row [nCooccurFeatures]bool) float64 {
	pm := f.prior
	pu := 1 - f.prior
	for i := 0; i < nCooccurFeatures; i++ {
		if row[i] {
			pm *= f.m[i]
			pu *= f.u[i]
		} else {
			pm *= 1 - f.m[i]
			pu *= 1 - f.u[i]
		}
	}
	if pm+pu == 0 {
		return 0
	}
	return pm / (pm + pu)
}

// fitFellegiSunter runs expectation-maximization over the feature table:
// the E-step weighs each row by its match posterior under the current
// parameters, the M-step re-estimates m, u, and the prior from those
// weights. Parameters stay clamped away from 0 and 1 so a tiny table cannot
// collapse the model.
func fitFellegiSunter(rows [][nCooccurFeatures]bool, m0, u0 [nCooccurFeatures]float64, iterations int) fellegiSunter {
	model := fellegiSunter{m: m0, u: u0, prior: 1 / float64(len(rows)+1)}
	if len(rows) == 0 {
		return model
	}

	weights := make([]float64, len(rows))
	for iter := 0; iter < iterations; iter++ {
		var total float64
		for i, row := range rows {
			weights[i] = model.posterior(row)
			total += weights[i]
		}

		var next fellegiSunter
		next.prior = clamp(total/float64(len(rows)), 0.01, 0.5)
		for f := 0; f < nCooccurFeatures; f++ {
			var agreeM, agreeU float64
			for i, row := range rows {
				if row[f] {
					agreeM += weights[i]
					agreeU += 1 - weights[i]
				}
			}
			next.m[f] = clamp(agreeM/maxFloat(total, 1e-9), 0.01, 0.99)
			next.u[f] = clamp(agreeU/maxFloat(float64(len(rows))-total, 1e-9), 0.01, 0.99)
		}
		model = next
	}
	return model
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
