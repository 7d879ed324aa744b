// package extractors turns fetched tracklist pages into pipeline items.
//
// Each site gets one Extractor that knows its hosts, its DOM shape, and how
// to discover set-list URLs from index pages. Extraction is layered: CSS
// selectors first, a rendered copy of the page when the static DOM is empty,
// and a language-model pass over the raw text as the last resort.
package extractors

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/desertthunder/setgraph/internal/shared"
)

// Citation is one raw track entry in page order. CueOffset is the offset
// into the set when the site exposes cue times.
type Citation struct {
	Text      string
	CueOffset *time.Duration
}

// Extraction is the structural yield of one set-list page.
type Extraction struct {
	Name          string
	EventDate     *time.Time
	Venue         *string
	AssertedCount *int
	Citations     []Citation
	RawText       string
}

// Extractor is the per-site scraping contract.
type Extractor interface {
	// Source is the stable identifier recorded on persisted set-lists.
	Source() string

	// Hosts lists the hostnames the extractor may be pointed at.
	Hosts() []string

	// WaitSelector is the element render mode waits for before snapshotting
	// the DOM. Empty means the site never needs rendering.
	WaitSelector() string

	// DiscoverURLs pulls set-list links out of an index or archive page.
	DiscoverURLs(doc *goquery.Document) []string

	// Extract reads one set-list page. Returns ErrExtractionFailure when the
	// DOM shape is unrecognized.
	Extract(doc *goquery.Document) (*Extraction, error)
}

// registry of known extractors by source id.
var registry = map[string]func() Extractor{
	"tracklists1001": func() Extractor { return NewTracklists1001() },
	"livetracklist":  func() Extractor { return NewLiveTracklist() },
}

// New returns the extractor for a source id.
func New(source string) (Extractor, error) {
	builder, ok := registry[source]
	if !ok {
		return nil, fmt.Errorf("%w: unknown extractor %q", shared.ErrInvalidConfig, source)
	}
	return builder(), nil
}

// Sources lists the registered source ids.
func Sources() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// firstText returns the trimmed text of the first selector that matches
// anything. Selector candidates are ordered most-specific first so markup
// drift degrades instead of breaking.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			if text := shared.CollapseWhitespace(node.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

// firstMatch returns the nodes of the first selector with any matches.
func firstMatch(doc *goquery.Document, selectors ...string) *goquery.Selection {
	for _, sel := range selectors {
		if nodes := doc.Find(sel); nodes.Length() > 0 {
			return nodes
		}
	}
	return nil
}

// parseCueTime reads "mm:ss" or "h:mm:ss" cue markers as set offsets.
func parseCueTime(text string) *time.Duration {
	parts := strings.Split(strings.TrimSpace(text), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil
	}

	var total time.Duration
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil
		}
		total = total*60 + time.Duration(n)*time.Second
	}
	return &total
}

// parseEventDate tries the date layouts the tracklist sites use.
func parseEventDate(text string) *time.Time {
	layouts := []string{"2006-01-02", "Jan 2, 2006", "January 2, 2006", "02 Jan 2006", "2006/01/02"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, text); err == nil {
			return &t
		}
	}
	return nil
}
