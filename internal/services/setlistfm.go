// setlist.fm REST API client. Provides independent set context for
// co-occurrence checks: when an unresolved citation keeps appearing next to
// resolved tracks from the same label or artist circle, that neighborhood is
// evidence for the linkage model.
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

const setlistfmBaseURL = "https://api.setlist.fm/rest/1.0"

// SetlistFMClient queries the setlist.fm REST API.
type SetlistFMClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	cache      *ResponseCache
	cacheTTL   time.Duration
}

// NewSetlistFMClient builds the client. setlist.fm caps free keys at
// 2 requests per second.
func NewSetlistFMClient(cfg shared.APIConfig, cache *ResponseCache, registry *metrics.Registry) (*SetlistFMClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: setlist.fm api key", shared.ErrMissingCredentials)
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 1.5
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTL) * time.Minute
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &SetlistFMClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    setlistfmBaseURL,
		apiKey:     cfg.Token,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker:    newBreaker(SourceSetlistFM, registry),
		cache:      cache,
		cacheTTL:   ttl,
	}, nil
}

// SetlistFMSet is one performed set with its songs in order.
type SetlistFMSet struct {
	ID        string `json:"id"`
	EventDate string `json:"eventDate"`
	Artist    struct {
		MBID string `json:"mbid"`
		Name string `json:"name"`
	} `json:"artist"`
	Venue struct {
		Name string `json:"name"`
		City struct {
			Name    string `json:"name"`
			Country struct {
				Code string `json:"code"`
			} `json:"country"`
		} `json:"city"`
	} `json:"venue"`
	Sets struct {
		Set []SetlistFMSetPart `json:"set"`
	} `json:"sets"`
}

// SetlistFMSetPart is one segment of a performance (main set, encore).
type SetlistFMSetPart struct {
	Song []SetlistFMSongEntry `json:"song"`
}

// SetlistFMSongEntry is one performed song. DJ sets report most played
// tracks as covers, with the original performer under Cover.
type SetlistFMSongEntry struct {
	Name  string          `json:"name"`
	Cover *SetlistFMCover `json:"cover"`
}

// SetlistFMCover names the original performer of a covered song.
type SetlistFMCover struct {
	Name string `json:"name"`
}

// SongNames flattens the set into an ordered list of song titles. Covers
// keep their own title; the original performer goes unused here.
func (s *SetlistFMSet) SongNames() []string {
	var names []string
	for _, set := range s.Sets.Set {
		for _, song := range set.Song {
			names = append(names, song.Name)
		}
	}
	return names
}

// Songs flattens the set into performance order, preserving cover
// attribution.
func (s *SetlistFMSet) Songs() []SetlistFMSongEntry {
	var songs []SetlistFMSongEntry
	for _, set := range s.Sets.Set {
		songs = append(songs, set.Song...)
	}
	return songs
}

type setlistfmSearchResponse struct {
	Setlist []SetlistFMSet `json:"setlist"`
}

// SearchSetlists returns recent sets for an artist name.
func (c *SetlistFMClient) SearchSetlists(ctx context.Context, artist string) ([]SetlistFMSet, error) {
	params := url.Values{}
	params.Set("artistName", artist)
	params.Set("p", "1")
	path := "/search/setlists?" + params.Encode()

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp setlistfmSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode setlist.fm search: %v", shared.ErrUpstreamAPI, err)
	}
	return resp.Setlist, nil
}

func (c *SetlistFMClient) get(ctx context.Context, path string) ([]byte, error) {
	if data, ok := c.cache.Get(ctx, SourceSetlistFM, path); ok {
		return data, nil
	}

	body, err := execute(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", shared.ErrUpstreamAPI, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("x-api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: setlist.fm request: %v", shared.ErrUpstreamAPI, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read setlist.fm response: %v", shared.ErrUpstreamAPI, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return raw, nil
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: setlist.fm %s", shared.ErrNotFound, path)
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: setlist.fm", shared.ErrRateLimited)
		default:
			return nil, fmt.Errorf("%w: setlist.fm returned %d", shared.ErrUpstreamAPI, resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}

	c.cache.Set(ctx, SourceSetlistFM, path, body, c.cacheTTL)
	return body, nil
}
