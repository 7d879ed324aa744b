// Discogs database API client. Used mainly for label catalogs and genre
// hints on releases Spotify and MusicBrainz miss (white labels, vinyl-only
// pressings).
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

const discogsBaseURL = "https://api.discogs.com"

// DiscogsClient queries the Discogs database API with a personal token.
type DiscogsClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	userAgent  string
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	cache      *ResponseCache
	cacheTTL   time.Duration
}

// NewDiscogsClient builds the client. Discogs allows 60 requests per minute
// for authenticated clients; the limiter stays just under that.
func NewDiscogsClient(cfg shared.APIConfig, cache *ResponseCache, registry *metrics.Registry) (*DiscogsClient, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: discogs token", shared.ErrMissingCredentials)
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 0.9
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTL) * time.Minute
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultMBUserAgent
	}

	return &DiscogsClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    discogsBaseURL,
		token:      cfg.Token,
		userAgent:  ua,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker:    newBreaker(SourceDiscogs, registry),
		cache:      cache,
		cacheTTL:   ttl,
	}, nil
}

// DiscogsRelease is one search result from the database.
type DiscogsRelease struct {
	ID      int      `json:"id"`
	Title   string   `json:"title"`
	Year    string   `json:"year"`
	Label   []string `json:"label"`
	Catno   string   `json:"catno"`
	Genre   []string `json:"genre"`
	Style   []string `json:"style"`
	Country string   `json:"country"`
}

// PrimaryLabel returns the first label on the release.
func (r *DiscogsRelease) PrimaryLabel() string {
	if len(r.Label) == 0 {
		return ""
	}
	return r.Label[0]
}

// PrimaryStyle returns the most specific genre descriptor Discogs has:
// styles are subgenres, genres are broad buckets.
func (r *DiscogsRelease) PrimaryStyle() string {
	if len(r.Style) > 0 {
		return r.Style[0]
	}
	if len(r.Genre) > 0 {
		return r.Genre[0]
	}
	return ""
}

type discogsSearchResponse struct {
	Results []DiscogsRelease `json:"results"`
}

// SearchRelease searches releases by track title and artist.
func (c *DiscogsClient) SearchRelease(ctx context.Context, title, artist string) ([]DiscogsRelease, error) {
	params := url.Values{}
	params.Set("type", "release")
	params.Set("track", title)
	params.Set("artist", artist)
	params.Set("per_page", "10")
	return c.search(ctx, params)
}

// SearchCatalog searches releases by label catalog number. Catalog numbers
// frequently appear in scraped parentheticals where nothing else does.
func (c *DiscogsClient) SearchCatalog(ctx context.Context, catno string) ([]DiscogsRelease, error) {
	params := url.Values{}
	params.Set("type", "release")
	params.Set("catno", catno)
	params.Set("per_page", "10")
	return c.search(ctx, params)
}

// SearchLabel searches a label's releases for a title.
func (c *DiscogsClient) SearchLabel(ctx context.Context, label, title string) ([]DiscogsRelease, error) {
	params := url.Values{}
	params.Set("type", "release")
	params.Set("label", label)
	params.Set("track", title)
	params.Set("per_page", "10")
	return c.search(ctx, params)
}

func (c *DiscogsClient) search(ctx context.Context, params url.Values) ([]DiscogsRelease, error) {
	path := "/database/search?" + params.Encode()

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp discogsSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode discogs search: %v", shared.ErrUpstreamAPI, err)
	}
	return resp.Results, nil
}

func (c *DiscogsClient) get(ctx context.Context, path string) ([]byte, error) {
	if data, ok := c.cache.Get(ctx, SourceDiscogs, path); ok {
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
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Authorization", "Discogs token="+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: discogs request: %v", shared.ErrUpstreamAPI, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read discogs response: %v", shared.ErrUpstreamAPI, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return raw, nil
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: discogs %s", shared.ErrNotFound, path)
		case http.StatusTooManyRequests:
			secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
			return nil, fmt.Errorf("%w: discogs retry after %ds", shared.ErrRateLimited, secs)
		default:
			return nil, fmt.Errorf("%w: discogs returned %d", shared.ErrUpstreamAPI, resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}

	c.cache.Set(ctx, SourceDiscogs, path, body, c.cacheTTL)
	return body, nil
}
