package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func ptr[T any](v T) *T { return &v }

func TestArtistUpsert(t *testing.T) {
	t.Run("InsertsAndReturnsID", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectQuery("INSERT INTO artists").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("artist-1"))

		repo := &ArtistRepository{}
		id, err := repo.Upsert(context.Background(), db, &models.Artist{Name: "Adam Beyer"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "artist-1" {
			t.Errorf("unexpected id: %s", id)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("MergeLetsIncomingValuesWin", func(t *testing.T) {
		db, mock := newMockDB(t)

		// EXCLUDED comes first in the conflict clause, so a re-scraped
		// artist's fresh fields replace the stored ones.
		mock.ExpectQuery(`country_code = COALESCE\(EXCLUDED\.country_code, artists\.country_code\)`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("artist-1"))

		repo := &ArtistRepository{}
		id, err := repo.Upsert(context.Background(), db, &models.Artist{
			Name:        "Adam Beyer",
			CountryCode: ptr("SE"),
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "artist-1" {
			t.Errorf("unexpected id: %s", id)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("RejectsPlaceholder", func(t *testing.T) {
		db, _ := newMockDB(t)

		repo := &ArtistRepository{}
		_, err := repo.Upsert(context.Background(), db, &models.Artist{Name: "Unknown Artist"})
		if !errors.Is(err, shared.ErrValidationFailure) {
			t.Errorf("expected validation failure, got %v", err)
		}
	})
}

func TestTrackUpsert(t *testing.T) {
	t.Run("ISRCMatchMergesInsteadOfInserting", func(t *testing.T) {
		db, mock := newMockDB(t)

		// Identity resolution finds the existing row by ISRC.
		mock.ExpectQuery("SELECT id FROM tracks WHERE isrc").
			WithArgs("GBAAA2000001").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("track-1"))
		mock.ExpectExec("UPDATE tracks SET").
			WillReturnResult(sqlmock.NewResult(0, 1))

		repo := &TrackRepository{}
		track := &models.Track{
			Title:           "Your Mind",
			PrimaryArtistID: "artist-1",
			ISRC:            ptr("GBAAA2000001"),
			BPM:             ptr(125.0),
		}
		id, err := repo.Upsert(context.Background(), db, track)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "track-1" {
			t.Errorf("expected the existing row id, got %s", id)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("NewTrackInserts", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectQuery("SELECT id FROM tracks WHERE isrc").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT id FROM tracks WHERE normalized_title").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO tracks").
			WillReturnResult(sqlmock.NewResult(1, 1))

		repo := &TrackRepository{}
		track := &models.Track{
			Title:           "Your Mind",
			PrimaryArtistID: "artist-1",
			ISRC:            ptr("GBAAA2000001"),
		}
		id, err := repo.Upsert(context.Background(), db, track)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id == "" {
			t.Error("expected a generated id")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("PlatformIDBeatsNameLookup", func(t *testing.T) {
		db, mock := newMockDB(t)

		// No ISRC on the incoming track, so the spotify id is tried next and
		// wins; the name lookup never runs.
		mock.ExpectQuery("SELECT id FROM tracks WHERE spotify_id").
			WithArgs("sp-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("track-2"))
		mock.ExpectExec("UPDATE tracks SET").
			WillReturnResult(sqlmock.NewResult(0, 1))

		repo := &TrackRepository{}
		track := &models.Track{
			Title:           "Doppler",
			PrimaryArtistID: "artist-2",
			SpotifyID:       ptr("sp-1"),
		}
		id, err := repo.Upsert(context.Background(), db, track)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "track-2" {
			t.Errorf("unexpected id: %s", id)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("MergeLetsIncomingValuesWin", func(t *testing.T) {
		db, mock := newMockDB(t)

		// The incoming value is the first COALESCE argument, so a non-null
		// field overwrites the stored one and a null field leaves it alone.
		mock.ExpectQuery("SELECT id FROM tracks WHERE isrc").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("track-1"))
		mock.ExpectExec(`bpm = COALESCE\(\$\d+, tracks\.bpm\)`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		repo := &TrackRepository{}
		track := &models.Track{
			Title:           "Your Mind",
			PrimaryArtistID: "artist-1",
			ISRC:            ptr("GBAAA2000001"),
			BPM:             ptr(128.0),
		}
		if _, err := repo.Upsert(context.Background(), db, track); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("RepeatedUpsertConverges", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectQuery("SELECT id FROM tracks WHERE isrc").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT id FROM tracks WHERE normalized_title").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO tracks").
			WillReturnResult(sqlmock.NewResult(1, 1))

		repo := &TrackRepository{}
		track := &models.Track{
			Title:           "Your Mind",
			PrimaryArtistID: "artist-1",
			ISRC:            ptr("GBAAA2000001"),
		}
		first, err := repo.Upsert(context.Background(), db, track)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// The same track arriving again must resolve to the same row and
		// merge instead of inserting a duplicate.
		mock.ExpectQuery("SELECT id FROM tracks WHERE isrc").
			WithArgs("GBAAA2000001").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(first))
		mock.ExpectExec("UPDATE tracks SET").
			WillReturnResult(sqlmock.NewResult(0, 1))

		second, err := repo.Upsert(context.Background(), db, track)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if second != first {
			t.Errorf("repeated upsert must converge on one row: %s vs %s", first, second)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("MissingPrimaryArtist", func(t *testing.T) {
		db, _ := newMockDB(t)

		repo := &TrackRepository{}
		_, err := repo.Upsert(context.Background(), db, &models.Track{Title: "Orphan"})
		if !errors.Is(err, shared.ErrValidationFailure) {
			t.Errorf("expected validation failure, got %v", err)
		}
	})
}

func TestAdjacencyMerge(t *testing.T) {
	t.Run("CanonicalizesEndpoints", func(t *testing.T) {
		db, mock := newMockDB(t)

		// Endpoints arrive reversed; the row is written in canonical order.
		mock.ExpectExec("INSERT INTO track_adjacency").
			WithArgs("track-a", "track-b", 3, 1.0).
			WillReturnResult(sqlmock.NewResult(1, 1))

		repo := &AdjacencyRepository{}
		err := repo.Merge(context.Background(), db, &models.Adjacency{
			TrackAID:        "track-b",
			TrackBID:        "track-a",
			OccurrenceCount: 3,
			AverageDistance: 1.0,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("RejectsSelfLoop", func(t *testing.T) {
		db, _ := newMockDB(t)

		repo := &AdjacencyRepository{}
		err := repo.Merge(context.Background(), db, &models.Adjacency{
			TrackAID: "track-a", TrackBID: "track-a", OccurrenceCount: 1, AverageDistance: 1,
		})
		if !errors.Is(err, shared.ErrValidationFailure) {
			t.Errorf("expected validation failure, got %v", err)
		}
	})

	t.Run("RejectsInvalidWeights", func(t *testing.T) {
		db, _ := newMockDB(t)

		repo := &AdjacencyRepository{}
		err := repo.Merge(context.Background(), db, &models.Adjacency{
			TrackAID: "a", TrackBID: "b", OccurrenceCount: 0, AverageDistance: 1,
		})
		if !errors.Is(err, shared.ErrValidationFailure) {
			t.Errorf("expected validation failure, got %v", err)
		}
	})
}

func TestEnrichmentScheduling(t *testing.T) {
	t.Run("EnrollLeavesExistingRecordsAlone", func(t *testing.T) {
		db, mock := newMockDB(t)

		// DO NOTHING on conflict: a completed or cooling-down track keeps
		// its schedule when the same page is scraped again.
		mock.ExpectExec(`ON CONFLICT \(track_id\) DO NOTHING`).
			WithArgs("track-1", models.EnrichmentPending).
			WillReturnResult(sqlmock.NewResult(1, 0))

		repo := &EnrichmentRepository{}
		if err := repo.Enroll(context.Background(), db, "track-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("DueDrainsPendingBeforeCooldowns", func(t *testing.T) {
		db, mock := newMockDB(t)

		now := time.Now()
		mock.ExpectQuery("SELECT track_id FROM enrichment_status").
			WithArgs(models.EnrichmentPending, models.EnrichmentReEnrichment, now, 10).
			WillReturnRows(sqlmock.NewRows([]string{"track_id"}).
				AddRow("never-attempted").AddRow("cooldown-elapsed"))

		repo := &EnrichmentRepository{}
		ids, err := repo.Due(context.Background(), db, now, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(ids) != 2 || ids[0] != "never-attempted" {
			t.Errorf("fresh tracks drain first: %v", ids)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}

func TestSetlistUpsert(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO setlists").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("setlist-1"))

	repo := &SetlistRepository{}
	id, err := repo.Upsert(context.Background(), db, &models.Setlist{
		Name:           "Adam Beyer @ Awakenings 2024",
		Source:         "tracklists1001",
		ParsingVersion: "1.2.0",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "setlist-1" {
		t.Errorf("unexpected id: %s", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMembershipValidation(t *testing.T) {
	db, _ := newMockDB(t)

	repo := &SetlistRepository{}
	err := repo.UpsertMembership(context.Background(), db, &models.SetlistTrack{
		SetlistID: "s", TrackID: "t", Position: 0,
	})
	if !errors.Is(err, shared.ErrValidationFailure) {
		t.Errorf("positions are 1-based, expected validation failure, got %v", err)
	}
}

func TestRoleValidation(t *testing.T) {
	db, _ := newMockDB(t)

	repo := &TrackRepository{}
	err := repo.UpsertRole(context.Background(), db, &models.TrackArtist{
		TrackID: "t", ArtistID: "a", Role: "composer",
	})
	if !errors.Is(err, shared.ErrValidationFailure) {
		t.Errorf("expected validation failure for unknown role, got %v", err)
	}
}
