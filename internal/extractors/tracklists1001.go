package extractors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/desertthunder/setgraph/internal/shared"
)

// Tracklists1001 scrapes 1001tracklists.com, the largest DJ-set database.
// The site is aggressively protected, so it is usually crawled through the
// egress pool with sticky headers.
type Tracklists1001 struct{}

// NewTracklists1001 builds the extractor.
func NewTracklists1001() *Tracklists1001 { return &Tracklists1001{} }

func (e *Tracklists1001) Source() string { return "tracklists1001" }

func (e *Tracklists1001) Hosts() []string {
	return []string{"www.1001tracklists.com", "1001tracklists.com"}
}

func (e *Tracklists1001) WaitSelector() string { return "div.tlpItem" }

// DiscoverURLs reads set-list links off index, artist, and chart pages.
func (e *Tracklists1001) DiscoverURLs(doc *goquery.Document) []string {
	var urls []string
	seen := map[string]bool{}
	doc.Find(`a[href*="/tracklist/"]`).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || seen[href] {
			return
		}
		seen[href] = true
		urls = append(urls, href)
	})
	return urls
}

func (e *Tracklists1001) Extract(doc *goquery.Document) (*Extraction, error) {
	rows := firstMatch(doc, "div.tlpItem", "div[id^='tlp_']", "table.tl tr.tlpItem")
	if rows == nil {
		return nil, fmt.Errorf("%w: 1001tracklists: no tracklist rows", shared.ErrExtractionFailure)
	}

	out := &Extraction{
		Name:    firstText(doc, "h1#pageTitle", "h1.marL10", "meta[property='og:title']", "h1"),
		RawText: shared.CollapseWhitespace(doc.Find("body").Text()),
	}

	if dateText := firstText(doc, "span.tlDate", "td.tlDate", "meta[itemprop='datePublished']"); dateText != "" {
		out.EventDate = parseEventDate(dateText)
	}
	if venue := firstText(doc, "span.tlVenue", "a[href*='/venue/']"); venue != "" {
		out.Venue = &venue
	}

	// The site asserts its own track count; a mismatch with what we extract
	// marks the set-list as partially scraped.
	if countText := firstText(doc, "span#tlTrackCount", "div.tlTotalTracks"); countText != "" {
		if n, err := strconv.Atoi(strings.Fields(countText)[0]); err == nil {
			out.AssertedCount = &n
		}
	}

	rows.Each(func(_ int, row *goquery.Selection) {
		value := row.Find("span.trackValue, div.trackValue, meta[itemprop='name']").First()
		text := shared.CollapseWhitespace(value.Text())
		if text == "" {
			if content, ok := value.Attr("content"); ok {
				text = shared.CollapseWhitespace(content)
			}
		}
		if text == "" {
			return
		}

		citation := Citation{Text: text}
		if cue := shared.CollapseWhitespace(row.Find("div.cueValueField, span.cueValueField").First().Text()); cue != "" {
			citation.CueOffset = parseCueTime(cue)
		}
		out.Citations = append(out.Citations, citation)
	})

	if len(out.Citations) == 0 {
		return out, fmt.Errorf("%w: 1001tracklists: rows present but no track values", shared.ErrExtractionFailure)
	}
	return out, nil
}
