package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/adrg/strutil"
	strmetrics "github.com/adrg/strutil/metrics"
	"github.com/charmbracelet/log"

	"github.com/desertthunder/setgraph/internal/extractors"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// canonicalGenres is the controlled vocabulary scraped genre strings snap
// onto. Matching keeps the original string in original_genre.
var canonicalGenres = []string{
	"house", "deep house", "tech house", "progressive house", "electro house",
	"techno", "melodic techno", "hard techno", "minimal",
	"trance", "psytrance", "progressive trance",
	"drum and bass", "jungle", "breakbeat", "uk garage",
	"dubstep", "bass", "electro", "ambient", "downtempo",
	"hardstyle", "hardcore", "disco", "nu disco", "funk", "hip hop",
}

// Enricher derives and normalizes fields before persistence: normalized
// identity keys, fuzzy genre snapping, flag heuristics, and timestamps. It
// also runs the salvage path for set-lists whose structural extraction came
// up nearly empty.
type Enricher struct {
	llm            *services.LLMClient
	logger         *log.Logger
	genreThreshold float64
	similarity     *strmetrics.SorensenDice
	now            func() time.Time
}

// NewEnricher builds the stage. A nil llm disables salvage.
func NewEnricher(cfg shared.PipelineConfig, llm *services.LLMClient, logger *log.Logger) *Enricher {
	if logger == nil {
		logger = log.Default()
	}
	threshold := cfg.GenreThreshold
	if threshold <= 0 {
		threshold = 0.85
	}

	sd := strmetrics.NewSorensenDice()
	sd.NgramSize = 2

	return &Enricher{
		llm:            llm,
		logger:         logger,
		genreThreshold: threshold,
		similarity:     sd,
		now:            time.Now,
	}
}

func (e *Enricher) Name() string  { return "enrich" }
func (e *Enricher) Priority() int { return 200 }

func (e *Enricher) Close(ctx context.Context) ([]models.Item, error) { return nil, nil }

func (e *Enricher) Process(ctx context.Context, item models.Item) ([]models.Item, error) {
	now := e.now().UTC()

	switch item.Kind {
	case models.ItemArtist:
		a := item.Artist
		a.NormalizedName = shared.NormalizeName(a.Name)
		a.CreatedAt, a.UpdatedAt = now, now
		for i, g := range a.Genres {
			if snapped, ok := e.SnapGenre(g); ok {
				a.Genres[i] = snapped
			}
		}

	case models.ItemTrack:
		t := item.Track
		t.NormalizedTitle = shared.NormalizeName(t.Title)
		t.CreatedAt, t.UpdatedAt = now, now
		if t.DurationMS != nil {
			secs := *t.DurationMS / 1000
			t.DurationSeconds = &secs
		}
		e.snapTrackGenre(t)
		deriveFlags(t)

	case models.ItemSetlist:
		s := item.Setlist
		s.NormalizedName = shared.NormalizeName(s.Name)
		s.CreatedAt, s.UpdatedAt = now, now
		if s.RawText != "" && e.llm != nil {
			return e.salvage(ctx, s, now)
		}
	}

	return []models.Item{item}, nil
}

// SnapGenre maps a free-form genre string onto the canonical vocabulary when
// similarity clears the threshold.
func (e *Enricher) SnapGenre(raw string) (string, bool) {
	normalized := shared.NormalizeName(raw)
	if normalized == "" {
		return "", false
	}

	// Hyphenation collapses under normalization ("tech-house" becomes
	// "techhouse"), so the space-stripped forms are compared as well.
	best, bestScore := "", 0.0
	for _, canonical := range canonicalGenres {
		score := strutil.Similarity(normalized, canonical, e.similarity)
		stripped := strutil.Similarity(
			strings.ReplaceAll(normalized, " ", ""),
			strings.ReplaceAll(canonical, " ", ""),
			e.similarity)
		if stripped > score {
			score = stripped
		}
		if score > bestScore {
			best, bestScore = canonical, score
		}
	}
	if bestScore >= e.genreThreshold {
		return best, true
	}
	return "", false
}

func (e *Enricher) snapTrackGenre(t *models.TrackItem) {
	if t.Genre == nil {
		return
	}
	raw := *t.Genre
	if t.OriginalGenre == nil {
		t.OriginalGenre = &raw
	}
	if snapped, ok := e.SnapGenre(raw); ok {
		t.Genre = &snapped
	}
}

// salvage reruns extraction over the stored page text with the language
// model, replacing the sparse set-list with the rebuilt item stream.
func (e *Enricher) salvage(ctx context.Context, s *models.SetlistItem, now time.Time) ([]models.Item, error) {
	citations, err := e.llm.ExtractCitations(ctx, s.RawText)
	if err != nil || len(citations) == 0 {
		e.logger.Warn("salvage yielded nothing", "setlist", s.Name, "err", err)
		// A sparse set-list the salvage pass could not rebuild must not
		// persist as a clean row; the scrape error marks it for re-scraping.
		if s.ScrapeError == nil {
			msg := "salvage failed: no tracklist recovered from page text"
			s.ScrapeError = &msg
		}
		s.RawText = ""
		return []models.Item{models.NewSetlistItem(s)}, nil
	}

	e.logger.Info("salvaged tracklist from raw text", "setlist", s.Name, "citations", len(citations))

	extraction := &extractors.Extraction{
		Name:          s.Name,
		EventDate:     s.EventDate,
		Venue:         s.Venue,
		AssertedCount: s.TracklistCount,
	}
	for _, c := range citations {
		extraction.Citations = append(extraction.Citations, extractors.Citation{Text: c})
	}

	// Rebuilt items re-enter this stage so tracks and artists get the same
	// derivations. The rebuilt set-list carries no raw text, so salvage
	// cannot recurse.
	var out []models.Item
	for _, rebuilt := range extractors.BuildItems(s.Source, s.Name, extraction, now) {
		processed, perr := e.Process(ctx, rebuilt)
		if perr != nil {
			continue
		}
		out = append(out, processed...)
	}
	return out, nil
}

// deriveFlags sets boolean descriptors the parser could not see.
func deriveFlags(t *models.TrackItem) {
	title := strings.ToLower(t.Title)
	if strings.Contains(title, "instrumental") {
		t.Flags.IsInstrumental = true
	}
	if strings.Contains(title, "live at ") || strings.Contains(title, "live from ") {
		t.Flags.IsLive = true
	}
}
