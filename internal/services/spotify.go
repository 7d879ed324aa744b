// Spotify Web API client using the client-credentials flow.
//
// Response types based on https://developer.spotify.com/documentation/web-api/reference/
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
	"golang.org/x/oauth2/clientcredentials"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

const (
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"
)

// SpotifyClient talks to the Spotify Web API under a circuit breaker with
// response caching.
type SpotifyClient struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	cache      *ResponseCache
	cacheTTL   time.Duration
}

// NewSpotifyClient builds the client. Credentials are required; the caller
// validates them at startup.
func NewSpotifyClient(cfg shared.SpotifyAPIConfig, cache *ResponseCache, registry *metrics.Registry) (*SpotifyClient, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: spotify client id/secret", shared.ErrMissingCredentials)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTL) * time.Minute
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyTokenURL,
	}

	client := creds.Client(context.Background())
	client.Timeout = timeout

	return &SpotifyClient{
		httpClient: client,
		baseURL:    spotifyBaseURL,
		breaker:    newBreaker(SourceSpotify, registry),
		cache:      cache,
		cacheTTL:   ttl,
	}, nil
}

type spotifyExternalIDs struct {
	ISRC string `json:"isrc"`
}

// SpotifyArtist represents a Spotify artist.
type SpotifyArtist struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Genres []string `json:"genres"`
}

// SpotifyAlbum represents a Spotify album.
type SpotifyAlbum struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ReleaseDate string `json:"release_date"`
	Label       string `json:"label"`
}

// SpotifyTrack represents a Spotify track.
type SpotifyTrack struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Artists     []SpotifyArtist    `json:"artists"`
	Album       SpotifyAlbum       `json:"album"`
	DurationMS  int                `json:"duration_ms"`
	Explicit    bool               `json:"explicit"`
	ExternalIDs spotifyExternalIDs `json:"external_ids"`
	Popularity  int                `json:"popularity"`
}

// ISRC returns the track's ISRC, empty when Spotify has none.
func (t *SpotifyTrack) ISRC() string { return t.ExternalIDs.ISRC }

type spotifySearchResponse struct {
	Tracks struct {
		Items []SpotifyTrack `json:"items"`
	} `json:"tracks"`
}

// SearchTrack searches by title and artist and returns the best match.
func (c *SpotifyClient) SearchTrack(ctx context.Context, title, artist string) (*SpotifyTrack, error) {
	q := fmt.Sprintf("track:%s artist:%s", title, artist)
	return c.search(ctx, q)
}

// SearchISRC looks a track up by its ISRC. ISRC matches are authoritative.
func (c *SpotifyClient) SearchISRC(ctx context.Context, isrc string) (*SpotifyTrack, error) {
	return c.search(ctx, "isrc:"+isrc)
}

// GetTrack fetches a track by its Spotify id.
func (c *SpotifyClient) GetTrack(ctx context.Context, id string) (*SpotifyTrack, error) {
	body, err := c.get(ctx, "/tracks/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var track SpotifyTrack
	if err := json.Unmarshal(body, &track); err != nil {
		return nil, fmt.Errorf("%w: decode spotify track: %v", shared.ErrUpstreamAPI, err)
	}
	return &track, nil
}

// GetArtist fetches an artist (including genres) by Spotify id.
func (c *SpotifyClient) GetArtist(ctx context.Context, id string) (*SpotifyArtist, error) {
	body, err := c.get(ctx, "/artists/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var artist SpotifyArtist
	if err := json.Unmarshal(body, &artist); err != nil {
		return nil, fmt.Errorf("%w: decode spotify artist: %v", shared.ErrUpstreamAPI, err)
	}
	return &artist, nil
}

func (c *SpotifyClient) search(ctx context.Context, query string) (*SpotifyTrack, error) {
	path := "/search?type=track&limit=5&q=" + url.QueryEscape(query)

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp spotifySearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode spotify search: %v", shared.ErrUpstreamAPI, err)
	}
	if len(resp.Tracks.Items) == 0 {
		return nil, fmt.Errorf("%w: no spotify match for %q", shared.ErrNotFound, query)
	}

	return &resp.Tracks.Items[0], nil
}

// get performs a cached, breaker-guarded GET against the API.
func (c *SpotifyClient) get(ctx context.Context, path string) ([]byte, error) {
	if data, ok := c.cache.Get(ctx, SourceSpotify, path); ok {
		return data, nil
	}

	body, err := execute(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", shared.ErrUpstreamAPI, err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: spotify request: %v", shared.ErrUpstreamAPI, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read spotify response: %v", shared.ErrUpstreamAPI, err)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: spotify returned %d: %s", shared.ErrUpstreamAPI, resp.StatusCode, raw)
		}

		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	c.cache.Set(ctx, SourceSpotify, path, body, c.cacheTTL)
	return body, nil
}
