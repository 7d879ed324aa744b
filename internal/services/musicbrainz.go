// MusicBrainz XML web service client (JSON variant).
//
// MusicBrainz allows one request per second for anonymous clients and
// requires a meaningful User-Agent. Requests are serialized behind a mutex
// so concurrent resolvers cannot exceed the limit.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

const (
	musicbrainzBaseURL   = "https://musicbrainz.org/ws/2"
	defaultMBUserAgent   = "setgraph/1.0 (https://github.com/desertthunder/setgraph)"
	mbMinRequestInterval = time.Second
)

// MusicBrainzClient queries the MusicBrainz recording database.
type MusicBrainzClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	breaker    *gobreaker.CircuitBreaker
	cache      *ResponseCache
	cacheTTL   time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewMusicBrainzClient builds the client. No credentials are needed.
func NewMusicBrainzClient(cfg shared.APIConfig, cache *ResponseCache, registry *metrics.Registry) *MusicBrainzClient {
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultMBUserAgent
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTL) * time.Minute
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	return &MusicBrainzClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    musicbrainzBaseURL,
		userAgent:  ua,
		breaker:    newBreaker(SourceMusicBrainz, registry),
		cache:      cache,
		cacheTTL:   ttl,
	}
}

// MBArtistCredit is one entry of a recording's artist credit.
type MBArtistCredit struct {
	Name   string `json:"name"`
	Artist struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"artist"`
}

// MBLabelInfo carries the label attached to a release.
type MBLabelInfo struct {
	CatalogNumber string `json:"catalog-number"`
	Label         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"label"`
}

// MBRelease is a release a recording appears on.
type MBRelease struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Date         string `json:"date"`
	Country      string `json:"country"`
	ReleaseGroup struct {
		PrimaryType string `json:"primary-type"`
	} `json:"release-group"`
	LabelInfo []MBLabelInfo `json:"label-info"`
}

// MBRecording is a MusicBrainz recording with the relations the resolver
// cares about.
type MBRecording struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Length       int              `json:"length"`
	Score        int              `json:"score"`
	ArtistCredit []MBArtistCredit `json:"artist-credit"`
	ISRCs        []string         `json:"isrcs"`
	Releases     []MBRelease      `json:"releases"`
	Tags         []struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	} `json:"tags"`
}

// ISRC returns the recording's first ISRC, empty when none is registered.
func (r *MBRecording) ISRC() string {
	if len(r.ISRCs) == 0 {
		return ""
	}
	return r.ISRCs[0]
}

// ArtistName returns the credited artist name.
func (r *MBRecording) ArtistName() string {
	if len(r.ArtistCredit) == 0 {
		return ""
	}
	return r.ArtistCredit[0].Name
}

// BestRelease picks the release most likely to be canonical. Official
// releases beat everything else, albums beat singles and compilations, and
// the earliest date wins ties.
func (r *MBRecording) BestRelease() *MBRelease {
	if len(r.Releases) == 0 {
		return nil
	}

	releases := make([]MBRelease, len(r.Releases))
	copy(releases, r.Releases)
	sort.SliceStable(releases, func(i, j int) bool {
		return releaseRank(releases[i]) < releaseRank(releases[j])
	})
	return &releases[0]
}

func releaseRank(rel MBRelease) string {
	status := "1"
	if rel.Status == "Official" {
		status = "0"
	}
	kind := "1"
	if rel.ReleaseGroup.PrimaryType == "Album" {
		kind = "0"
	}
	date := rel.Date
	if date == "" {
		date = "9999"
	}
	return status + kind + date
}

// Label returns the label of the best release, empty when unknown.
func (r *MBRecording) Label() string {
	rel := r.BestRelease()
	if rel == nil || len(rel.LabelInfo) == 0 {
		return ""
	}
	return rel.LabelInfo[0].Label.Name
}

// TopTag returns the most-voted tag, usable as a genre hint.
func (r *MBRecording) TopTag() string {
	best := ""
	bestCount := 0
	for _, tag := range r.Tags {
		if tag.Count > bestCount {
			best, bestCount = tag.Name, tag.Count
		}
	}
	return best
}

type mbSearchResponse struct {
	Recordings []MBRecording `json:"recordings"`
}

// SearchRecording searches recordings by title and artist, best score first.
func (c *MusicBrainzClient) SearchRecording(ctx context.Context, title, artist string) ([]MBRecording, error) {
	query := fmt.Sprintf(`recording:%s AND artist:%s`, strconv.Quote(title), strconv.Quote(artist))
	path := "/recording?fmt=json&limit=10&query=" + url.QueryEscape(query)

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp mbSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode musicbrainz search: %v", shared.ErrUpstreamAPI, err)
	}

	sort.SliceStable(resp.Recordings, func(i, j int) bool {
		return resp.Recordings[i].Score > resp.Recordings[j].Score
	})
	return resp.Recordings, nil
}

// LookupISRC returns recordings registered under the ISRC.
func (c *MusicBrainzClient) LookupISRC(ctx context.Context, isrc string) ([]MBRecording, error) {
	path := "/isrc/" + url.PathEscape(isrc) + "?fmt=json&inc=artist-credits+releases+labels+tags"

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var resp mbSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode musicbrainz isrc lookup: %v", shared.ErrUpstreamAPI, err)
	}
	return resp.Recordings, nil
}

// GetRecording fetches a single recording with its relations.
func (c *MusicBrainzClient) GetRecording(ctx context.Context, mbid string) (*MBRecording, error) {
	path := "/recording/" + url.PathEscape(mbid) + "?fmt=json&inc=artist-credits+isrcs+releases+labels+tags"

	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var rec MBRecording
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode musicbrainz recording: %v", shared.ErrUpstreamAPI, err)
	}
	return &rec, nil
}

func (c *MusicBrainzClient) get(ctx context.Context, path string) ([]byte, error) {
	if data, ok := c.cache.Get(ctx, SourceMusicBrainz, path); ok {
		return data, nil
	}

	body, err := execute(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
		return c.doRateLimited(ctx, path)
	})
	if err != nil {
		return nil, err
	}

	c.cache.Set(ctx, SourceMusicBrainz, path, body, c.cacheTTL)
	return body, nil
}

// doRateLimited serializes all requests and keeps one second between them.
// A 503 with Retry-After gets a single retry after the advertised pause.
func (c *MusicBrainzClient) doRateLimited(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if wait := mbMinRequestInterval - time.Since(c.lastCall); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", shared.ErrUpstreamAPI, err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		c.lastCall = time.Now()
		if err != nil {
			return nil, fmt.Errorf("%w: musicbrainz request: %v", shared.ErrUpstreamAPI, err)
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read musicbrainz response: %v", shared.ErrUpstreamAPI, err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return raw, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: musicbrainz %s", shared.ErrNotFound, path)
		case resp.StatusCode == http.StatusServiceUnavailable && attempt == 0:
			pause := mbMinRequestInterval
			if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
				pause = time.Duration(secs) * time.Second
			}
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, fmt.Errorf("%w: musicbrainz returned %d", shared.ErrUpstreamAPI, resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("%w: musicbrainz rate limited twice", shared.ErrRateLimited)
}
