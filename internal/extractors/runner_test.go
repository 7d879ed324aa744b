package extractors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/desertthunder/setgraph/internal/challenge"
	"github.com/desertthunder/setgraph/internal/fetcher"
	"github.com/desertthunder/setgraph/internal/headers"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/proxy"
	"github.com/desertthunder/setgraph/internal/shared"
)

func newRunnerFetcher(t *testing.T) *fetcher.Fetcher {
	t.Helper()
	pool, err := proxy.NewPool(shared.ProxyConfig{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := shared.FetcherConfig{
		DelaySeconds:      0.01,
		DelayJitter:       0.01,
		MaxRetries:        1,
		BackoffBase:       0.01,
		BackoffCapSeconds: 1,
		ConnectTimeout:    5,
		TotalTimeout:      5,
	}
	return fetcher.New(cfg, pool, headers.NewGenerator(true, 1), challenge.NewDetector(nil), nil, nil, nil, nil)
}

func TestRunnerRecordsFailedPage(t *testing.T) {
	// A page every extraction layer fails on still yields a set-list row
	// carrying the failure, so it can be found and re-scraped later.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>under construction</p></body></html>")
	}))
	defer srv.Close()

	r := NewRunner(newRunnerFetcher(t), nil, false, nil)
	items, err := r.Run(context.Background(), NewTracklists1001(), srv.URL)
	if !errors.Is(err, shared.ErrExtractionFailure) {
		t.Fatalf("expected extraction failure, got %v", err)
	}

	if len(items) != 1 || items[0].Kind != models.ItemSetlist {
		t.Fatalf("expected one set-list item recording the failure, got %v", items)
	}
	sl := items[0].Setlist
	if sl.ScrapeError == nil || *sl.ScrapeError == "" {
		t.Error("failed page must carry its scrape error")
	}
	if sl.Name != srv.URL || sl.Source != "tracklists1001" {
		t.Errorf("unexpected set-list identity: %q / %q", sl.Name, sl.Source)
	}
	if sl.TracklistCount == nil || *sl.TracklistCount != 0 {
		t.Errorf("failed page asserts zero tracks, got %v", sl.TracklistCount)
	}
}

func TestRunnerRecoverableFailureYieldsNoItems(t *testing.T) {
	// Transient failures are retried on a later crawl; writing a row for
	// them would mark a healthy page as broken.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewRunner(newRunnerFetcher(t), nil, false, nil)
	items, err := r.Run(context.Background(), NewTracklists1001(), srv.URL)
	if err == nil || !IsRecoverable(err) {
		t.Fatalf("expected a recoverable error, got %v", err)
	}
	if len(items) != 0 {
		t.Errorf("recoverable failures must not emit items, got %v", items)
	}
}
