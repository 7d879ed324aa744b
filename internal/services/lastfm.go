// Last.fm API client. Supplies crowd-sourced tags and listener counts used
// as genre and popularity fallbacks when the catalog services disagree or
// come up empty.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

const lastfmBaseURL = "https://ws.audioscrobbler.com/2.0/"

// LastFMClient queries the Last.fm track API.
type LastFMClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	cache      *ResponseCache
	cacheTTL   time.Duration
}

// NewLastFMClient builds the client.
func NewLastFMClient(cfg shared.APIConfig, cache *ResponseCache, registry *metrics.Registry) (*LastFMClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: lastfm api key", shared.ErrMissingCredentials)
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 4
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTL) * time.Minute
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &LastFMClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    lastfmBaseURL,
		apiKey:     cfg.Token,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker:    newBreaker(SourceLastFM, registry),
		cache:      cache,
		cacheTTL:   ttl,
	}, nil
}

// LastFMTrack is the track.getInfo payload.
type LastFMTrack struct {
	Name   string `json:"name"`
	MBID   string `json:"mbid"`
	Artist struct {
		Name string `json:"name"`
		MBID string `json:"mbid"`
	} `json:"artist"`
	Duration  string `json:"duration"`
	Listeners string `json:"listeners"`
	Playcount string `json:"playcount"`
	TopTags   struct {
		Tag []struct {
			Name string `json:"name"`
		} `json:"tag"`
	} `json:"toptags"`
}

// Tags returns the track's tag names in vote order.
func (t *LastFMTrack) Tags() []string {
	tags := make([]string, 0, len(t.TopTags.Tag))
	for _, tag := range t.TopTags.Tag {
		tags = append(tags, tag.Name)
	}
	return tags
}

type lastfmTrackResponse struct {
	Track *LastFMTrack `json:"track"`
	Error int          `json:"error"`
	Msg   string       `json:"message"`
}

// GetTrack fetches tags and play counts for a title/artist pair. Last.fm's
// autocorrect is enabled so near-miss spellings still resolve.
func (c *LastFMClient) GetTrack(ctx context.Context, title, artist string) (*LastFMTrack, error) {
	params := url.Values{}
	params.Set("method", "track.getInfo")
	params.Set("track", title)
	params.Set("artist", artist)
	params.Set("autocorrect", "1")
	params.Set("format", "json")

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp lastfmTrackResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode lastfm response: %v", shared.ErrUpstreamAPI, err)
	}
	if resp.Error != 0 || resp.Track == nil {
		return nil, fmt.Errorf("%w: lastfm %q / %q: %s", shared.ErrNotFound, title, artist, resp.Msg)
	}
	return resp.Track, nil
}

func (c *LastFMClient) get(ctx context.Context, params url.Values) ([]byte, error) {
	// The api key never participates in the cache key.
	query := params.Encode()
	if data, ok := c.cache.Get(ctx, SourceLastFM, query); ok {
		return data, nil
	}

	params.Set("api_key", c.apiKey)
	target := c.baseURL + "?" + params.Encode()

	body, err := execute(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", shared.ErrUpstreamAPI, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: lastfm request: %v", shared.ErrUpstreamAPI, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read lastfm response: %v", shared.ErrUpstreamAPI, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: lastfm returned %d", shared.ErrUpstreamAPI, resp.StatusCode)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	c.cache.Set(ctx, SourceLastFM, query, body, c.cacheTTL)
	return body, nil
}
