package fetcher

import (
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertthunder/setgraph/internal/challenge"
	"github.com/desertthunder/setgraph/internal/headers"
	"github.com/desertthunder/setgraph/internal/proxy"
	"github.com/desertthunder/setgraph/internal/shared"
)

func testConfig() shared.FetcherConfig {
	return shared.FetcherConfig{
		DelaySeconds:      0.01,
		DelayJitter:       0.01,
		MaxRetries:        3,
		BackoffBase:       0.01,
		BackoffCapSeconds: 1,
		ConnectTimeout:    5,
		TotalTimeout:      5,
		RespectRobots:     false,
	}
}

func newTestFetcher(t *testing.T, cfg shared.FetcherConfig, endpoints []string, solver challenge.Solver) *Fetcher {
	t.Helper()
	pool, err := proxy.NewPool(shared.ProxyConfig{Endpoints: endpoints, CooldownMinutes: 10, MaxFailures: 3}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := New(cfg, pool, headers.NewGenerator(true, 1), challenge.NewDetector(nil), solver, nil, nil, nil)
	// Tests talk to httptest servers directly regardless of egress hints.
	f.newClient = func(*proxy.Egress) *http.Client { return &http.Client{Timeout: 5 * time.Second} }
	return f
}

func TestFetch(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("User-Agent") == "" {
				t.Error("expected a synthesized user-agent")
			}
			fmt.Fprint(w, "<html>tracklist</html>")
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), nil, nil)
		resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(resp.Body) != "<html>tracklist</html>" {
			t.Errorf("unexpected body: %s", resp.Body)
		}
		if resp.EgressKey != "direct" {
			t.Errorf("expected direct egress, got %s", resp.EgressKey)
		}
	})

	t.Run("GzippedBodyIsDecompressed", func(t *testing.T) {
		const page = "<html><body>tracklist</body></html>"
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
				t.Error("expected gzip to be advertised")
			}
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(w)
			zw.Write([]byte(page))
			zw.Close()
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), nil, nil)
		resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(resp.Body) != page {
			t.Errorf("body not decompressed: %q", resp.Body)
		}
	})

	t.Run("DeflatedBodyIsDecompressed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", "deflate")
			zw := zlib.NewWriter(w)
			zw.Write([]byte("ok"))
			zw.Close()
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), nil, nil)
		resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(resp.Body) != "ok" {
			t.Errorf("body not decompressed: %q", resp.Body)
		}
	})

	t.Run("RetriesRateLimit", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, "ok")
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), nil, nil)
		resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(resp.Body) != "ok" {
			t.Errorf("unexpected body: %s", resp.Body)
		}
		if calls.Load() != 2 {
			t.Errorf("expected 2 calls, got %d", calls.Load())
		}
	})

	t.Run("RetriesServerError", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, "recovered")
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), nil, nil)
		resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(resp.Body) != "recovered" {
			t.Errorf("unexpected body: %s", resp.Body)
		}
	})

	t.Run("NotFoundIsTerminal", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), nil, nil)
		_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if !errors.Is(err, shared.ErrUpstreamAPI) {
			t.Errorf("expected upstream error, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("404 should not be retried, got %d calls", calls.Load())
		}
	})

	t.Run("ForbiddenRotatesEgress", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), []string{"http://egress-a:1"}, nil)
		_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		// Single egress gets marked dirty on 403; the retry must fail fast.
		if !errors.Is(err, shared.ErrNoHealthyProxy) {
			t.Errorf("expected no-healthy-egress, got %v", err)
		}
	})

	t.Run("ChallengeGetsOneSolverAttempt", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				fmt.Fprint(w, `<div id="cf-browser-verification"></div>`)
				return
			}
			if r.Header.Get("Cookie") == "" {
				t.Error("resubmission should carry the solver token")
			}
			fmt.Fprint(w, "solved content")
		}))
		defer srv.Close()

		solver := &stubSolver{token: "tok-123"}
		f := newTestFetcher(t, testConfig(), []string{"http://egress-a:1", "http://egress-b:1"}, solver)
		resp, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(resp.Body) != "solved content" {
			t.Errorf("unexpected body: %s", resp.Body)
		}
		if solver.calls != 1 {
			t.Errorf("solver should be invoked exactly once, got %d", solver.calls)
		}
	})

	t.Run("UnsolvedChallengeSurfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<div id="cf-browser-verification"></div>`)
		}))
		defer srv.Close()

		f := newTestFetcher(t, testConfig(), nil, challenge.NewBudgetSolver(0.01, 1))
		_, err := f.Fetch(context.Background(), Request{URL: srv.URL})
		if !errors.Is(err, shared.ErrChallenge) {
			t.Errorf("expected ErrChallenge, got %v", err)
		}
	})
}

type stubSolver struct {
	token string
	calls int
}

func (s *stubSolver) Solve(context.Context, *challenge.Challenge, map[string]string, time.Duration) (string, error) {
	s.calls++
	return s.token, nil
}

func TestRobots(t *testing.T) {
	t.Run("AdoptsLargerCrawlDelay", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				fmt.Fprint(w, "User-agent: *\nCrawl-delay: 5\n")
				return
			}
			fmt.Fprint(w, "page")
		}))
		defer srv.Close()

		cfg := testConfig()
		cfg.RespectRobots = true
		cfg.DelaySeconds = 1
		f := newTestFetcher(t, cfg, nil, nil)

		u, _ := url.Parse(srv.URL)
		hs := f.host(context.Background(), u, 1)
		if hs.delay != 5*time.Second {
			t.Errorf("expected robots crawl-delay of 5s adopted, got %v", hs.delay)
		}
	})

	t.Run("DisallowedPathRejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
				return
			}
			fmt.Fprint(w, "page")
		}))
		defer srv.Close()

		cfg := testConfig()
		cfg.RespectRobots = true
		f := newTestFetcher(t, cfg, nil, nil)

		_, err := f.Fetch(context.Background(), Request{URL: srv.URL + "/private/setlist"})
		if !errors.Is(err, shared.ErrRobotsDisallowed) {
			t.Errorf("expected robots rejection, got %v", err)
		}
	})
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("7"); d != 7*time.Second {
		t.Errorf("expected 7s, got %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("expected 0, got %v", d)
	}
	if d := parseRetryAfter("garbage"); d != 0 {
		t.Errorf("expected 0 for garbage, got %v", d)
	}
}
