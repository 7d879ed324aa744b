package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"

	"github.com/desertthunder/setgraph/internal/shared"
)

func testCache(t *testing.T) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewResponseCache(client, nil), mr
}

func TestResponseCache(t *testing.T) {
	ctx := context.Background()

	t.Run("MissThenHit", func(t *testing.T) {
		cache, _ := testCache(t)

		if _, ok := cache.Get(ctx, SourceSpotify, "q"); ok {
			t.Fatal("expected miss on empty cache")
		}

		cache.Set(ctx, SourceSpotify, "q", []byte("payload"), time.Minute)
		data, ok := cache.Get(ctx, SourceSpotify, "q")
		if !ok || string(data) != "payload" {
			t.Errorf("expected cached payload, got %q ok=%v", data, ok)
		}
	})

	t.Run("SourcesAreIsolated", func(t *testing.T) {
		cache, _ := testCache(t)

		cache.Set(ctx, SourceSpotify, "q", []byte("spotify"), time.Minute)
		if _, ok := cache.Get(ctx, SourceDiscogs, "q"); ok {
			t.Error("same query under a different source must miss")
		}
	})

	t.Run("EntriesExpire", func(t *testing.T) {
		cache, mr := testCache(t)

		cache.Set(ctx, SourceLastFM, "q", []byte("x"), time.Minute)
		mr.FastForward(2 * time.Minute)
		if _, ok := cache.Get(ctx, SourceLastFM, "q"); ok {
			t.Error("entry should have expired")
		}
	})

	t.Run("NilClientDisables", func(t *testing.T) {
		cache := NewResponseCache(nil, nil)
		cache.Set(ctx, SourceSpotify, "q", []byte("x"), time.Minute)
		if _, ok := cache.Get(ctx, SourceSpotify, "q"); ok {
			t.Error("nil-backed cache must always miss")
		}
	})
}

func TestBreaker(t *testing.T) {
	cb := newBreaker(SourceSpotify, nil)
	failing := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, err := execute(context.Background(), cb, func(context.Context) (int, error) {
			return 0, failing
		})
		if !errors.Is(err, failing) {
			t.Fatalf("attempt %d: expected wrapped failure, got %v", i, err)
		}
	}

	_, err := execute(context.Background(), cb, func(context.Context) (int, error) {
		t.Fatal("breaker should be open; fn must not run")
		return 0, nil
	})
	if !errors.Is(err, shared.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen after 5 consecutive failures, got %v", err)
	}
}

func TestMusicBrainz(t *testing.T) {
	t.Run("SearchOrdersByScore", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("User-Agent") == "" {
				t.Error("musicbrainz requires a user-agent")
			}
			fmt.Fprint(w, `{"recordings":[
				{"id":"low","title":"Strobe","score":40},
				{"id":"high","title":"Strobe","score":100,"isrcs":["USUS11000356"]}
			]}`)
		}))
		defer srv.Close()

		cache, _ := testCache(t)
		c := NewMusicBrainzClient(shared.APIConfig{}, cache, nil)
		c.baseURL = srv.URL

		recs, err := c.SearchRecording(context.Background(), "Strobe", "deadmau5")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(recs) != 2 || recs[0].ID != "high" {
			t.Errorf("expected score-ordered results, got %+v", recs)
		}
		if recs[0].ISRC() != "USUS11000356" {
			t.Errorf("unexpected isrc: %s", recs[0].ISRC())
		}
	})

	t.Run("BestReleasePrefersOfficialAlbum", func(t *testing.T) {
		rec := MBRecording{Releases: []MBRelease{
			{ID: "bootleg", Status: "Bootleg", Date: "2009-01-01"},
			{ID: "single", Status: "Official", Date: "2009-06-01"},
			{ID: "album-late", Status: "Official", Date: "2010-09-01"},
			{ID: "album", Status: "Official", Date: "2009-09-01"},
		}}
		rec.Releases[2].ReleaseGroup.PrimaryType = "Album"
		rec.Releases[3].ReleaseGroup.PrimaryType = "Album"

		best := rec.BestRelease()
		if best == nil || best.ID != "album" {
			t.Errorf("expected earliest official album, got %+v", best)
		}
	})

	t.Run("SecondLookupServedFromCache", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			fmt.Fprint(w, `{"recordings":[]}`)
		}))
		defer srv.Close()

		cache, _ := testCache(t)
		c := NewMusicBrainzClient(shared.APIConfig{}, cache, nil)
		c.baseURL = srv.URL

		for i := 0; i < 2; i++ {
			if _, err := c.SearchRecording(context.Background(), "a", "b"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if calls != 1 {
			t.Errorf("expected 1 upstream call, got %d", calls)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		cache, _ := testCache(t)
		c := NewMusicBrainzClient(shared.APIConfig{}, cache, nil)
		c.baseURL = srv.URL

		_, err := c.LookupISRC(context.Background(), "XXXX00000000")
		if !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDiscogs(t *testing.T) {
	t.Run("SearchCatalog", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Discogs token=tok" {
				t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
			}
			if r.URL.Query().Get("catno") != "DRUMCODE225" {
				t.Errorf("unexpected catno: %s", r.URL.Query().Get("catno"))
			}
			fmt.Fprint(w, `{"results":[{"id":1,"title":"Adam Beyer - Teach Me","label":["Drumcode"],"style":["Techno"],"genre":["Electronic"]}]}`)
		}))
		defer srv.Close()

		cache, _ := testCache(t)
		c, err := NewDiscogsClient(shared.APIConfig{Token: "tok", RateLimit: 100}, cache, nil)
		if err != nil {
			t.Fatal(err)
		}
		c.baseURL = srv.URL

		results, err := c.SearchCatalog(context.Background(), "DRUMCODE225")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != 1 || results[0].PrimaryLabel() != "Drumcode" {
			t.Errorf("unexpected results: %+v", results)
		}
		if results[0].PrimaryStyle() != "Techno" {
			t.Errorf("style should beat genre, got %s", results[0].PrimaryStyle())
		}
	})

	t.Run("MissingToken", func(t *testing.T) {
		if _, err := NewDiscogsClient(shared.APIConfig{}, nil, nil); !errors.Is(err, shared.ErrMissingCredentials) {
			t.Errorf("expected missing credentials, got %v", err)
		}
	})
}

func TestLastFM(t *testing.T) {
	t.Run("GetTrackTags", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("api_key") != "key" {
				t.Error("api key missing from request")
			}
			fmt.Fprint(w, `{"track":{"name":"Strobe","playcount":"1000","toptags":{"tag":[{"name":"progressive house"},{"name":"electronic"}]}}}`)
		}))
		defer srv.Close()

		cache, _ := testCache(t)
		c, err := NewLastFMClient(shared.APIConfig{Token: "key", RateLimit: 100}, cache, nil)
		if err != nil {
			t.Fatal(err)
		}
		c.baseURL = srv.URL

		track, err := c.GetTrack(context.Background(), "Strobe", "deadmau5")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		tags := track.Tags()
		if len(tags) != 2 || tags[0] != "progressive house" {
			t.Errorf("unexpected tags: %v", tags)
		}
	})

	t.Run("APIErrorIsNotFound", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error":6,"message":"Track not found"}`)
		}))
		defer srv.Close()

		cache, _ := testCache(t)
		c, err := NewLastFMClient(shared.APIConfig{Token: "key", RateLimit: 100}, cache, nil)
		if err != nil {
			t.Fatal(err)
		}
		c.baseURL = srv.URL

		if _, err := c.GetTrack(context.Background(), "x", "y"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSetlistFM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" {
			t.Error("api key header missing")
		}
		fmt.Fprint(w, `{"setlist":[{"id":"s1","artist":{"name":"Charlotte de Witte"},"sets":{"set":[{"song":[{"name":"Doppler"},{"name":"Sgadi Li Mi"}]}]}}]}`)
	}))
	defer srv.Close()

	cache, _ := testCache(t)
	c, err := NewSetlistFMClient(shared.APIConfig{Token: "key", RateLimit: 100}, cache, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.baseURL = srv.URL

	sets, err := c.SearchSetlists(context.Background(), "Charlotte de Witte")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 set, got %d", len(sets))
	}
	songs := sets[0].SongNames()
	if len(songs) != 2 || songs[0] != "Doppler" {
		t.Errorf("unexpected songs: %v", songs)
	}
}

type stubModel struct {
	completion string
	err        error
	calls      int
}

func (s *stubModel) Call(context.Context, string, ...llms.CallOption) (string, error) {
	s.calls++
	return s.completion, s.err
}

func TestLLMExtraction(t *testing.T) {
	t.Run("ParsesFencedCompletion", func(t *testing.T) {
		model := &stubModel{completion: "Here you go:\n```json\n[\"Adam Beyer - Your Mind\", \"ID - ID\"]\n```"}
		c := NewLLMClientWithModel(model, nil)

		citations, err := c.ExtractCitations(context.Background(), "raw page text")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(citations) != 2 || citations[0] != "Adam Beyer - Your Mind" {
			t.Errorf("unexpected citations: %v", citations)
		}
	})

	t.Run("EmptyTracklist", func(t *testing.T) {
		model := &stubModel{completion: "[]"}
		c := NewLLMClientWithModel(model, nil)

		citations, err := c.ExtractCitations(context.Background(), "no tracks here")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(citations) != 0 {
			t.Errorf("expected no citations, got %v", citations)
		}
	})

	t.Run("GarbageCompletionFails", func(t *testing.T) {
		model := &stubModel{completion: "I could not find a tracklist."}
		c := NewLLMClientWithModel(model, nil)

		if _, err := c.ExtractCitations(context.Background(), "text"); !errors.Is(err, shared.ErrExtractionFailure) {
			t.Errorf("expected extraction failure, got %v", err)
		}
	})
}
