// package services implements the external API clients used by the
// enrichment resolver: Spotify, MusicBrainz, Discogs, Last.fm, setlist.fm,
// and the language-model extraction endpoint.
//
// Every client is wrapped in a circuit breaker and backed by a shared
// response cache with per-source TTLs.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Source names an external metadata source. Recorded in enrichment_status
// rows as sources_used.
type Source string

const (
	SourceSpotify     Source = "spotify"
	SourceMusicBrainz Source = "musicbrainz"
	SourceDiscogs     Source = "discogs"
	SourceLastFM      Source = "lastfm"
	SourceSetlistFM   Source = "setlistfm"
	SourceLLM         Source = "llm"
	SourceTitleParse  Source = "title_parse"
	SourceInternal    Source = "internal"
	SourceCooccur     Source = "cooccurrence"
)

// newBreaker builds the standard circuit breaker for an external API:
// open after 5 consecutive failures, half-open after 60s, close after
// 2 consecutive successes.
func newBreaker(name Source, registry *metrics.Registry) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(name),
		MaxRequests: 2,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			if registry != nil {
				registry.BreakerTransitions.WithLabelValues(n, to.String()).Inc()
			}
		},
	})
}

// execute runs fn under the breaker and maps breaker-open failures onto the
// error taxonomy.
func execute[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	out, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %s", shared.ErrCircuitOpen, cb.Name())
		}
		return zero, err
	}
	return out.(T), nil
}
