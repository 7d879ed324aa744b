package resolver

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/repositories"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

func ptr[T any](v T) *T { return &v }

type stubSpotify struct {
	track *services.SpotifyTrack
	err   error
}

func (s *stubSpotify) SearchTrack(context.Context, string, string) (*services.SpotifyTrack, error) {
	return s.track, s.err
}
func (s *stubSpotify) SearchISRC(context.Context, string) (*services.SpotifyTrack, error) {
	return s.track, s.err
}
func (s *stubSpotify) GetTrack(context.Context, string) (*services.SpotifyTrack, error) {
	return s.track, s.err
}
func (s *stubSpotify) GetArtist(context.Context, string) (*services.SpotifyArtist, error) {
	return nil, shared.ErrNotFound
}

type stubMusicBrainz struct {
	recordings []services.MBRecording
	err        error
	searches   int
}

func (s *stubMusicBrainz) SearchRecording(context.Context, string, string) ([]services.MBRecording, error) {
	s.searches++
	return s.recordings, s.err
}
func (s *stubMusicBrainz) LookupISRC(context.Context, string) ([]services.MBRecording, error) {
	return s.recordings, s.err
}

type stubDiscogs struct {
	releases []services.DiscogsRelease
	err      error
}

func (s *stubDiscogs) SearchRelease(context.Context, string, string) ([]services.DiscogsRelease, error) {
	return s.releases, s.err
}
func (s *stubDiscogs) SearchCatalog(context.Context, string) ([]services.DiscogsRelease, error) {
	return s.releases, s.err
}

func TestLinkage(t *testing.T) {
	track := &models.Track{
		Title:      "Your Mind",
		DurationMS: ptr(372000),
		Label:      ptr("Drumcode"),
	}

	t.Run("ExactMatchClearsHighThreshold", func(t *testing.T) {
		l := NewLinkage(2)
		score := l.Score(track, "Adam Beyer", Candidate{
			Title:      "Your Mind",
			Artist:     "Adam Beyer",
			DurationMS: 371000,
			Label:      "Drumcode",
		})
		if score < 0.85 {
			t.Errorf("exact match should clear 0.85, got %f", score)
		}
	})

	t.Run("DifferentTrackStaysLow", func(t *testing.T) {
		l := NewLinkage(2)
		score := l.Score(track, "Adam Beyer", Candidate{
			Title:      "Teach Me",
			Artist:     "Someone Else",
			DurationMS: 150000,
			Label:      "Random Imprint",
		})
		if score >= 0.70 {
			t.Errorf("unrelated candidate must stay below 0.70, got %f", score)
		}
	})

	t.Run("RareLabelOutweighsCommonLabel", func(t *testing.T) {
		l := NewLinkage(2)
		// A corpus where one label dominates.
		for i := 0; i < 95; i++ {
			l.ObserveLabel("Universal")
		}
		for i := 0; i < 5; i++ {
			l.ObserveLabel("Obscure Wax")
		}

		common := l.Score(&models.Track{Title: "X", Label: ptr("Universal")}, "A",
			Candidate{Title: "X", Artist: "A", Label: "Universal"})
		rare := l.Score(&models.Track{Title: "X", Label: ptr("Obscure Wax")}, "A",
			Candidate{Title: "X", Artist: "A", Label: "Obscure Wax"})
		if rare <= common {
			t.Errorf("rare shared label must be stronger evidence: rare=%f common=%f", rare, common)
		}
	})

	t.Run("BestMatchPicksHighestScore", func(t *testing.T) {
		l := NewLinkage(2)
		best, err := l.BestMatch(context.Background(), track, "Adam Beyer", []Candidate{
			{Title: "Your Mind (Radio Edit)", Artist: "Adam Beyer"},
			{Title: "Your Mind", Artist: "Adam Beyer", DurationMS: 372000, Label: "Drumcode"},
			{Title: "Teach Me", Artist: "Adam Beyer"},
		})
		if err != nil {
			t.Fatal(err)
		}
		if best == nil || best.Candidate.Label != "Drumcode" {
			t.Errorf("expected the full match to win, got %+v", best)
		}
	})
}

func TestLabelHunter(t *testing.T) {
	ctx := context.Background()

	t.Run("ImprintNote", func(t *testing.T) {
		h := NewLabelHunter(nil, nil)
		hint := h.FromNotes([]string{"extended mix", "Anjunabeats"})
		if hint == nil || hint.Label != "Anjunabeats" {
			t.Fatalf("a note that is not a version qualifier names the label, got %+v", hint)
		}
		if hint.Confidence != 0.70 {
			t.Errorf("note evidence is 0.70, got %f", hint.Confidence)
		}
	})

	t.Run("CatalogNumberNote", func(t *testing.T) {
		h := NewLabelHunter(nil, nil)
		hint := h.FromNotes([]string{"DC225"})
		if hint == nil || hint.Confidence != 0.60 {
			t.Fatalf("catalog-looking note is a 0.60 guess, got %+v", hint)
		}
	})

	t.Run("NoEvidence", func(t *testing.T) {
		h := NewLabelHunter(nil, nil)
		if hint := h.FromNotes([]string{"extended mix", "intro edit"}); hint != nil {
			t.Errorf("expected no hint, got %+v", hint)
		}
	})

	t.Run("NotesBeatCatalogSearches", func(t *testing.T) {
		withLabel := services.MBRecording{Title: "Frozen Ground"}
		withLabel.Releases = append(withLabel.Releases, mbReleaseWithLabel("Drumcode"))
		mb := &stubMusicBrainz{recordings: []services.MBRecording{withLabel}}

		h := NewLabelHunter(mb, nil)
		hint := h.Hunt(ctx, "Frozen Ground", "Ilan Bluestone", []string{"Spencer Brown Remix", "Anjunabeats"})
		if hint == nil || hint.Label != "Anjunabeats" {
			t.Fatalf("the citation's own note is the cheapest evidence and must win: %+v", hint)
		}
		if hint.Source != services.SourceTitleParse {
			t.Errorf("unexpected source: %+v", hint)
		}
		if mb.searches != 0 {
			t.Errorf("a note hit must not spend a MusicBrainz query, saw %d", mb.searches)
		}
	})

	t.Run("MusicBrainzWhenNotesAreVariants", func(t *testing.T) {
		withLabel := services.MBRecording{Title: "Your Mind"}
		withLabel.Releases = append(withLabel.Releases, mbReleaseWithLabel("Drumcode"))
		mb := &stubMusicBrainz{recordings: []services.MBRecording{withLabel}}

		h := NewLabelHunter(mb, nil)
		hint := h.Hunt(ctx, "Your Mind", "Adam Beyer", []string{"Extended Mix"})
		if hint == nil || hint.Label != "Drumcode" || hint.Confidence != 0.90 {
			t.Errorf("catalog evidence should fill in when the notes are mute: %+v", hint)
		}
	})

	t.Run("DiscogsCatalogLookup", func(t *testing.T) {
		dg := &stubDiscogs{releases: []services.DiscogsRelease{{Label: []string{"Drumcode"}}}}
		h := NewLabelHunter(nil, dg)
		hint := h.Hunt(ctx, "Your Mind", "Adam Beyer", []string{"DC225"})
		if hint == nil || hint.Label != "Drumcode" || hint.Confidence != 0.85 {
			t.Errorf("unexpected hint: %+v", hint)
		}
	})

	t.Run("BareCatalogNumberIsLastResort", func(t *testing.T) {
		h := NewLabelHunter(nil, nil)
		hint := h.Hunt(ctx, "Your Mind", "Adam Beyer", []string{"DC225"})
		if hint == nil || hint.Label != "DC225" || hint.Confidence != 0.60 {
			t.Errorf("with no catalog client the raw number is kept: %+v", hint)
		}
	})
}

func mbReleaseWithLabel(label string) services.MBRelease {
	var rel services.MBRelease
	rel.Status = "Official"
	rel.LabelInfo = append(rel.LabelInfo, services.MBLabelInfo{})
	rel.LabelInfo[0].Label.Name = label
	return rel
}

func trackColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "title", "normalized_title", "primary_artist_id"})
}

func TestResolveTrack(t *testing.T) {
	newStore := func(t *testing.T) (*repositories.Store, sqlmock.Sqlmock) {
		t.Helper()
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		return repositories.NewStore(sqlx.NewDb(db, "pgx")), mock
	}

	t.Run("WaterfallMatchCompletes", func(t *testing.T) {
		store, mock := newStore(t)

		mock.ExpectQuery("SELECT \\* FROM tracks WHERE id").
			WillReturnRows(trackColumns().AddRow("track-1", "Your Mind", "your mind", "artist-1"))
		mock.ExpectQuery("SELECT \\* FROM artists WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "normalized_name"}).
				AddRow("artist-1", "Adam Beyer", "adam beyer"))
		mock.ExpectQuery("SELECT \\* FROM enrichment_status").
			WillReturnError(sql.ErrNoRows)

		// apply: the track has no ISRC, so identity lookup starts at the
		// freshly set spotify id and falls through to the name key.
		mock.ExpectQuery("SELECT id FROM tracks WHERE spotify_id").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT id FROM tracks WHERE normalized_title").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("track-1"))
		mock.ExpectExec("UPDATE tracks SET").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO enrichment_status").
			WillReturnResult(sqlmock.NewResult(1, 1))

		spotify := &stubSpotify{track: &services.SpotifyTrack{
			ID:         "sp-1",
			Name:       "Your Mind",
			Artists:    []services.SpotifyArtist{{Name: "Adam Beyer"}},
			DurationMS: 372000,
		}}

		r := New(shared.ResolverConfig{}, store, Clients{Spotify: spotify}, nil, nil)
		outcome, err := r.ResolveTrack(context.Background(), "track-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome.Status != models.EnrichmentCompleted {
			t.Errorf("expected completed, got %s", outcome.Status)
		}
		if outcome.Confidence < 0.85 {
			t.Errorf("expected high confidence, got %f", outcome.Confidence)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("NoMatchEntersCooldown", func(t *testing.T) {
		store, mock := newStore(t)

		mock.ExpectQuery("SELECT \\* FROM tracks WHERE id").
			WillReturnRows(trackColumns().AddRow("track-1", "Unreleased Dub", "unreleased dub", "artist-1"))
		mock.ExpectQuery("SELECT \\* FROM artists WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "normalized_name"}).
				AddRow("artist-1", "Adam Beyer", "adam beyer"))
		mock.ExpectQuery("SELECT \\* FROM enrichment_status").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO enrichment_status").
			WillReturnResult(sqlmock.NewResult(1, 1))

		spotify := &stubSpotify{err: shared.ErrNotFound}

		r := New(shared.ResolverConfig{}, store, Clients{Spotify: spotify}, nil, nil)
		outcome, err := r.ResolveTrack(context.Background(), "track-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome.Status != models.EnrichmentReEnrichment {
			t.Errorf("expected cooldown, got %s", outcome.Status)
		}
		if outcome.RetryAfter == nil {
			t.Error("cooldown outcome needs a retry time")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("CooccurrenceReattributesUnknownArtist", func(t *testing.T) {
		store, mock := newStore(t)

		mock.ExpectQuery("SELECT \\* FROM tracks WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "title", "normalized_title", "primary_artist_id", "label"}).
				AddRow("track-1", "Unreleased Dub", "unreleased dub", "artist-1", "Obscure Wax"))
		mock.ExpectQuery("SELECT \\* FROM artists WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "normalized_name"}).
				AddRow("artist-1", "White Label", "white label"))
		mock.ExpectQuery("SELECT \\* FROM enrichment_status").
			WillReturnError(sql.ErrNoRows)

		// No catalog clients are wired, so the waterfall yields nothing and
		// the set context decides the attribution.
		mock.ExpectQuery("SELECT s.name").
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Adam Beyer @ Awakenings 2024"))
		mock.ExpectQuery("SELECT a.id AS artist_id, a.name, sum").
			WillReturnRows(sqlmock.NewRows([]string{"artist_id", "name", "weight"}).
				AddRow("artist-2", "Adam Beyer", 5).
				AddRow("artist-3", "Random Guy", 1))
		mock.ExpectQuery("SELECT a.id AS artist_id, a.name, count").
			WillReturnRows(sqlmock.NewRows([]string{"artist_id", "name", "weight"}).
				AddRow("artist-2", "Adam Beyer", 3))
		mock.ExpectQuery("SELECT \\* FROM artists WHERE normalized_name").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "normalized_name"}).
				AddRow("artist-2", "Adam Beyer", "adam beyer"))
		mock.ExpectExec("UPDATE tracks SET primary_artist_id").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO enrichment_status").
			WillReturnResult(sqlmock.NewResult(1, 1))

		r := New(shared.ResolverConfig{}, store, Clients{SetlistFM: &stubSetlistFM{}}, nil, nil)
		outcome, err := r.ResolveTrack(context.Background(), "track-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome.Status != models.EnrichmentCompleted {
			t.Errorf("expected completed, got %s", outcome.Status)
		}
		if outcome.ConfidenceTag != "high" {
			t.Errorf("full context agreement should tag high, got %q (%f)", outcome.ConfidenceTag, outcome.Confidence)
		}
		found := false
		for _, s := range outcome.SourcesUsed {
			if s == string(services.SourceCooccur) {
				found = true
			}
		}
		if !found {
			t.Errorf("co-occurrence must be recorded in sources, got %v", outcome.SourcesUsed)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("CooldownScheduleIsBinding", func(t *testing.T) {
		store, mock := newStore(t)

		mock.ExpectQuery("SELECT \\* FROM tracks WHERE id").
			WillReturnRows(trackColumns().AddRow("track-1", "Unreleased Dub", "unreleased dub", "artist-1"))
		mock.ExpectQuery("SELECT \\* FROM artists WHERE id").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "normalized_name"}).
				AddRow("artist-1", "Adam Beyer", "adam beyer"))
		mock.ExpectQuery("SELECT \\* FROM enrichment_status").
			WillReturnRows(sqlmock.NewRows([]string{"track_id", "status", "retry_after", "retry_attempts"}).
				AddRow("track-1", "pending_re_enrichment", time.Now().Add(24*time.Hour), 2))

		r := New(shared.ResolverConfig{}, store, Clients{}, nil, nil)
		if _, err := r.ResolveTrack(context.Background(), "track-1"); !errors.Is(err, shared.ErrResolverNotYet) {
			t.Errorf("a future retry_after must refuse a hot retry, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("UnknownTrack", func(t *testing.T) {
		store, mock := newStore(t)
		mock.ExpectQuery("SELECT \\* FROM tracks WHERE id").
			WillReturnError(sql.ErrNoRows)

		r := New(shared.ResolverConfig{}, store, Clients{}, nil, nil)
		if _, err := r.ResolveTrack(context.Background(), "missing"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}
