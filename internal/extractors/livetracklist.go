package extractors

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/desertthunder/setgraph/internal/shared"
)

// LiveTracklist scrapes livetracklist.com, which publishes crowd-maintained
// tracklists for livestreamed sets. Markup is simpler than 1001tracklists
// and rarely needs rendering.
type LiveTracklist struct{}

// NewLiveTracklist builds the extractor.
func NewLiveTracklist() *LiveTracklist { return &LiveTracklist{} }

func (e *LiveTracklist) Source() string { return "livetracklist" }

func (e *LiveTracklist) Hosts() []string {
	return []string{"www.livetracklist.com", "livetracklist.com"}
}

func (e *LiveTracklist) WaitSelector() string { return "" }

func (e *LiveTracklist) DiscoverURLs(doc *goquery.Document) []string {
	var urls []string
	seen := map[string]bool{}
	doc.Find(`a[href*="/mix/"], a[href*="/tracklist/"]`).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || seen[href] {
			return
		}
		seen[href] = true
		urls = append(urls, href)
	})
	return urls
}

func (e *LiveTracklist) Extract(doc *goquery.Document) (*Extraction, error) {
	rows := firstMatch(doc, "li.track", "div.tracklist-item", "ol.tracklist li")
	if rows == nil {
		return nil, fmt.Errorf("%w: livetracklist: no tracklist rows", shared.ErrExtractionFailure)
	}

	out := &Extraction{
		Name:    firstText(doc, "h1.mix-title", "header h1", "h1"),
		RawText: shared.CollapseWhitespace(doc.Find("body").Text()),
	}

	if dateText := firstText(doc, "span.mix-date", "time[datetime]", "div.meta .date"); dateText != "" {
		out.EventDate = parseEventDate(dateText)
	}
	if venue := firstText(doc, "span.mix-venue", "div.meta .venue"); venue != "" {
		out.Venue = &venue
	}

	rows.Each(func(_ int, row *goquery.Selection) {
		// Rows carry a timestamp span before the citation text; strip it and
		// keep it as the cue offset.
		var cue *goquery.Selection
		if cue = row.Find("span.timestamp, span.time").First(); cue.Length() > 0 {
			cue.Remove()
		}

		text := shared.CollapseWhitespace(row.Text())
		if text == "" {
			return
		}

		citation := Citation{Text: text}
		if cue != nil && cue.Length() > 0 {
			citation.CueOffset = parseCueTime(cue.Text())
		}
		out.Citations = append(out.Citations, citation)
	})

	if len(out.Citations) == 0 {
		return out, fmt.Errorf("%w: livetracklist: rows present but empty", shared.ErrExtractionFailure)
	}
	return out, nil
}
