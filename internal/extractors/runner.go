package extractors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"

	"github.com/desertthunder/setgraph/internal/fetcher"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/parser"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Runner drives the layered extraction strategy for one page: static DOM,
// then a rendered copy, then a language-model pass over the page text.
type Runner struct {
	fetcher       *fetcher.Fetcher
	llm           *services.LLMClient
	logger        *log.Logger
	renderEnabled bool

	// now is swapped out by tests.
	now func() time.Time
}

// NewRunner wires the runner. A nil llm disables the last fallback layer;
// renderEnabled should mirror whether the fetcher has a render endpoint.
func NewRunner(f *fetcher.Fetcher, llm *services.LLMClient, renderEnabled bool, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		fetcher:       f,
		llm:           llm,
		logger:        logger,
		renderEnabled: renderEnabled,
		now:           time.Now,
	}
}

// Discover fetches an index page and returns the set-list URLs it links to.
func (r *Runner) Discover(ctx context.Context, ex Extractor, indexURL string) ([]string, error) {
	resp, err := r.fetcher.Fetch(ctx, fetcher.Request{URL: indexURL})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse index page: %v", shared.ErrExtractionFailure, err)
	}
	return ex.DiscoverURLs(doc), nil
}

// Run scrapes one set-list page and returns the pipeline items it yields.
// When every extraction layer fails the error comes back with a set-list
// item recording the failure, so the page still gets a row with its scrape
// error instead of vanishing.
func (r *Runner) Run(ctx context.Context, ex Extractor, pageURL string) ([]models.Item, error) {
	extraction, err := r.extract(ctx, ex, pageURL)
	if err != nil {
		if IsRecoverable(err) {
			return nil, err
		}
		return failureItems(ex.Source(), pageURL, err, r.now()), err
	}
	return BuildItems(ex.Source(), pageURL, extraction, r.now()), nil
}

// failureItems records a page that defeated every extraction layer: a
// set-list with zero tracks and the failure as its scrape error.
func failureItems(source, pageURL string, cause error, now time.Time) []models.Item {
	msg := cause.Error()
	count := 0
	return []models.Item{models.NewSetlistItem(&models.SetlistItem{
		Name:            pageURL,
		Source:          source,
		ParsingVersion:  parser.Version,
		TracklistCount:  &count,
		ScrapeError:     &msg,
		ScrapeTimestamp: now,
	})}
}

// extract walks the fallback layers until one yields citations.
func (r *Runner) extract(ctx context.Context, ex Extractor, pageURL string) (*Extraction, error) {
	resp, err := r.fetcher.Fetch(ctx, fetcher.Request{URL: pageURL})
	if err != nil {
		return nil, err
	}

	extraction, extractErr := r.extractDoc(ex, resp.Body)
	if extractErr == nil {
		return extraction, nil
	}

	if r.renderEnabled && ex.WaitSelector() != "" {
		r.logger.Debug("static extraction failed, rendering", "url", pageURL, "err", extractErr)

		rendered, renderErr := r.fetcher.Fetch(ctx, fetcher.Request{
			URL:          pageURL,
			Render:       true,
			WaitSelector: ex.WaitSelector(),
		})
		if renderErr == nil {
			if renderedExtraction, err := r.extractDoc(ex, rendered.Body); err == nil {
				return renderedExtraction, nil
			} else {
				extraction, extractErr = mergePartial(extraction, renderedExtraction), err
			}
			resp = rendered
		}
	}

	if r.llm != nil {
		r.logger.Debug("structural extraction failed, trying language model", "url", pageURL)

		text := pageText(resp.Body)
		citations, llmErr := r.llm.ExtractCitations(ctx, text)
		if llmErr == nil && len(citations) > 0 {
			out := extraction
			if out == nil {
				out = &Extraction{RawText: text}
			}
			out.Citations = out.Citations[:0]
			for _, c := range citations {
				out.Citations = append(out.Citations, Citation{Text: c})
			}
			return out, nil
		}
	}

	return nil, extractErr
}

func (r *Runner) extractDoc(ex Extractor, body []byte) (*Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse page: %v", shared.ErrExtractionFailure, err)
	}

	extraction, err := ex.Extract(doc)
	if err != nil {
		return extraction, err
	}
	if len(extraction.Citations) == 0 {
		return extraction, fmt.Errorf("%w: %s: empty tracklist", shared.ErrExtractionFailure, ex.Source())
	}
	return extraction, nil
}

// mergePartial keeps whichever partial extraction carried metadata. Failed
// layers may still have found the title and date.
func mergePartial(a, b *Extraction) *Extraction {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Name == "" {
		a.Name = b.Name
	}
	if a.EventDate == nil {
		a.EventDate = b.EventDate
	}
	if a.Venue == nil {
		a.Venue = b.Venue
	}
	if a.AssertedCount == nil {
		a.AssertedCount = b.AssertedCount
	}
	return a
}

func pageText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	doc.Find("script, style, nav, footer").Remove()
	return shared.CollapseWhitespace(doc.Find("body").Text())
}

// IsRecoverable reports whether a page failure should be retried on a later
// crawl rather than recorded as permanent.
func IsRecoverable(err error) bool {
	return errors.Is(err, shared.ErrTransientNetwork) ||
		errors.Is(err, shared.ErrRateLimited) ||
		errors.Is(err, shared.ErrNoHealthyProxy) ||
		errors.Is(err, shared.ErrChallenge)
}
