package resolver

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/adrg/strutil"
	strmetrics "github.com/adrg/strutil/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Candidate is an external record being compared against a local track.
type Candidate struct {
	Source        services.Source
	Title         string
	Artist        string
	DurationMS    int
	Label         string
	Genre         string
	ISRC          string
	SpotifyID     string
	MusicBrainzID string
	Popularity    int
	ReleaseDate   string
}

// Scored is a candidate with its linkage confidence.
type Scored struct {
	Candidate  Candidate
	Confidence float64
}

// Linkage scores track/candidate pairs with a probabilistic record-linkage
// model: each field comparison contributes the log-likelihood ratio of
// agreement among true matches (m) versus among random pairs (u), and the
// summed weight maps onto a 0..1 confidence.
//
// The label feature is frequency-adjusted: agreeing on a rare imprint is far
// stronger evidence than agreeing on a major label that releases half the
// corpus.
type Linkage struct {
	workers    int
	similarity *strmetrics.JaroWinkler

	mu          sync.RWMutex
	labelCounts map[string]int
	labelTotal  int
}

// NewLinkage builds the model. workers caps concurrent candidate scoring.
func NewLinkage(workers int) *Linkage {
	if workers <= 0 {
		workers = 4
	}
	return &Linkage{
		workers:     workers,
		similarity:  strmetrics.NewJaroWinkler(),
		labelCounts: map[string]int{},
	}
}

// ObserveLabel feeds corpus label frequencies for the TF adjustment.
func (l *Linkage) ObserveLabel(label string) {
	key := shared.NormalizeName(label)
	if key == "" {
		return
	}
	l.mu.Lock()
	l.labelCounts[key]++
	l.labelTotal++
	l.mu.Unlock()
}

// labelU estimates how likely two random tracks share this label.
func (l *Linkage) labelU(label string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.labelTotal < 10 {
		return 0.02
	}
	u := float64(l.labelCounts[shared.NormalizeName(label)]) / float64(l.labelTotal)
	return math.Min(math.Max(u, 0.001), 0.5)
}

// BestMatch scores candidates concurrently and returns the highest-confidence
// one. Returns nil when no candidate scores above zero evidence.
func (l *Linkage) BestMatch(ctx context.Context, track *models.Track, artistName string, candidates []Candidate) (*Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	scored := make([]Scored, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for i, candidate := range candidates {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			scored[i] = Scored{Candidate: candidate, Confidence: l.Score(track, artistName, candidate)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := &scored[0]
	for i := range scored[1:] {
		if scored[i+1].Confidence > best.Confidence {
			best = &scored[i+1]
		}
	}
	return best, nil
}

// Score computes the linkage confidence for one pair.
func (l *Linkage) Score(track *models.Track, artistName string, c Candidate) float64 {
	weight := 0.0

	// Title and artist similarity carry most of the evidence.
	titleSim := strutil.Similarity(shared.NormalizeName(track.Title), shared.NormalizeName(c.Title), l.similarity)
	weight += agreementWeight(titleSim >= 0.92, 0.95, 0.01)

	artistSim := strutil.Similarity(shared.NormalizeName(artistName), shared.NormalizeName(c.Artist), l.similarity)
	weight += agreementWeight(artistSim >= 0.92, 0.90, 0.02)

	// Remix citations frequently differ only in the parenthetical, so a
	// remix flag mismatch against a near-identical title is penalized.
	if track.IsRemix && !strings.Contains(strings.ToLower(c.Title), "remix") {
		weight += agreementWeight(false, 0.8, 0.3)
	}

	if track.DurationMS != nil && c.DurationMS > 0 {
		delta := math.Abs(float64(*track.DurationMS - c.DurationMS))
		weight += agreementWeight(delta <= 5000, 0.85, 0.05)
	}

	if track.Label != nil && c.Label != "" {
		agree := shared.NormalizeName(*track.Label) == shared.NormalizeName(c.Label)
		weight += agreementWeight(agree, 0.70, l.labelU(c.Label))
	}

	if track.Genre != nil && c.Genre != "" {
		agree := shared.NormalizeName(*track.Genre) == shared.NormalizeName(c.Genre)
		weight += agreementWeight(agree, 0.60, 0.20)
	}

	// Logistic mapping of summed log-likelihood onto 0..1.
	return 1 / (1 + math.Exp2(-weight))
}

// agreementWeight is the log2 likelihood ratio of one field comparison.
func agreementWeight(agrees bool, m, u float64) float64 {
	if agrees {
		return math.Log2(m / u)
	}
	return math.Log2((1 - m) / (1 - u))
}
