package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

// TrackRepository persists tracks. Identity is resolved in priority order:
// ISRC, then a platform id, then (normalized_title, primary_artist_id). The
// same recording scraped under different citations converges onto one row.
type TrackRepository struct{}

// findExisting returns the id of the row the track should merge into, or ""
// when it is new.
func (r *TrackRepository) findExisting(ctx context.Context, ext sqlx.ExtContext, track *models.Track) (string, error) {
	lookups := []struct {
		query string
		arg   any
	}{
		{`SELECT id FROM tracks WHERE isrc = $1`, track.ISRC},
		{`SELECT id FROM tracks WHERE spotify_id = $1`, track.SpotifyID},
		{`SELECT id FROM tracks WHERE musicbrainz_id = $1`, track.MusicBrainzID},
	}

	for _, lookup := range lookups {
		ptr, ok := lookup.arg.(*string)
		if !ok || ptr == nil || *ptr == "" {
			continue
		}
		var id string
		err := sqlx.GetContext(ctx, ext, &id, lookup.query, *ptr)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("track identity lookup: %w", err)
		}
	}

	var id string
	err := sqlx.GetContext(ctx, ext, &id,
		`SELECT id FROM tracks WHERE normalized_title = $1 AND primary_artist_id = $2`,
		track.NormalizedTitle, track.PrimaryArtistID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("track identity lookup: %w", err)
	}
	return id, nil
}

const trackInsertQuery = `
INSERT INTO tracks (
    id, title, normalized_title, primary_artist_id, bpm, key, duration_ms,
    release_date, genre, original_genre, label, popularity, parenthetical_notes,
    energy, danceability, valence, acousticness, instrumentalness, liveness, speechiness, loudness,
    is_remix, is_mashup, is_live, is_cover, is_instrumental, is_explicit,
    isrc, musicbrainz_id, spotify_id, created_at, updated_at
) VALUES (
    :id, :title, :normalized_title, :primary_artist_id, :bpm, :key, :duration_ms,
    :release_date, :genre, :original_genre, :label, :popularity, :parenthetical_notes,
    :energy, :danceability, :valence, :acousticness, :instrumentalness, :liveness, :speechiness, :loudness,
    :is_remix, :is_mashup, :is_live, :is_cover, :is_instrumental, :is_explicit,
    :isrc, :musicbrainz_id, :spotify_id, :created_at, :updated_at
)`

const trackMergeQuery = `
UPDATE tracks SET
    bpm = COALESCE(:bpm, tracks.bpm),
    key = COALESCE(:key, tracks.key),
    duration_ms = COALESCE(:duration_ms, tracks.duration_ms),
    release_date = COALESCE(:release_date, tracks.release_date),
    genre = COALESCE(:genre, tracks.genre),
    original_genre = COALESCE(:original_genre, tracks.original_genre),
    label = COALESCE(:label, tracks.label),
    popularity = COALESCE(:popularity, tracks.popularity),
    parenthetical_notes = CASE WHEN CAST(:parenthetical_notes AS jsonb) = '[]'::jsonb
        THEN tracks.parenthetical_notes ELSE CAST(:parenthetical_notes AS jsonb) END,
    energy = COALESCE(:energy, tracks.energy),
    danceability = COALESCE(:danceability, tracks.danceability),
    valence = COALESCE(:valence, tracks.valence),
    acousticness = COALESCE(:acousticness, tracks.acousticness),
    instrumentalness = COALESCE(:instrumentalness, tracks.instrumentalness),
    liveness = COALESCE(:liveness, tracks.liveness),
    speechiness = COALESCE(:speechiness, tracks.speechiness),
    loudness = COALESCE(:loudness, tracks.loudness),
    is_remix = tracks.is_remix OR :is_remix,
    is_mashup = tracks.is_mashup OR :is_mashup,
    is_live = tracks.is_live OR :is_live,
    is_cover = tracks.is_cover OR :is_cover,
    is_instrumental = tracks.is_instrumental OR :is_instrumental,
    is_explicit = tracks.is_explicit OR :is_explicit,
    isrc = COALESCE(:isrc, tracks.isrc),
    musicbrainz_id = COALESCE(:musicbrainz_id, tracks.musicbrainz_id),
    spotify_id = COALESCE(:spotify_id, tracks.spotify_id),
    updated_at = :updated_at
WHERE id = :id`

// trackRow binds the jsonb notes column alongside the model for named
// queries and row scans.
type trackRow struct {
	models.Track
	NotesJSON []byte `db:"parenthetical_notes"`
}

func (row *trackRow) decode() (*models.Track, error) {
	track := row.Track
	if len(row.NotesJSON) > 0 {
		if err := json.Unmarshal(row.NotesJSON, &track.ParentheticalNotes); err != nil {
			return nil, fmt.Errorf("decode notes: %w", err)
		}
	}
	return &track, nil
}

// Upsert inserts or merges a track and returns the canonical row id. Merge
// policy: incoming non-null values win, gaps keep the existing value, flags
// accumulate.
func (r *TrackRepository) Upsert(ctx context.Context, ext sqlx.ExtContext, track *models.Track) (string, error) {
	if track.NormalizedTitle == "" {
		track.NormalizedTitle = shared.NormalizeName(track.Title)
	}
	if track.NormalizedTitle == "" {
		return "", fmt.Errorf("%w: track title empty after normalization", shared.ErrValidationFailure)
	}
	if track.PrimaryArtistID == "" {
		return "", fmt.Errorf("%w: track %q has no primary artist", shared.ErrValidationFailure, track.Title)
	}

	existingID, err := r.findExisting(ctx, ext, track)
	if err != nil {
		return "", err
	}

	notes, err := json.Marshal(orEmpty(track.ParentheticalNotes))
	if err != nil {
		return "", fmt.Errorf("encode notes: %w", err)
	}

	now := time.Now().UTC()
	track.UpdatedAt = now

	if existingID != "" {
		track.ID = existingID
		row := trackRow{Track: *track, NotesJSON: notes}
		if _, err := sqlx.NamedExecContext(ctx, ext, trackMergeQuery, &row); err != nil {
			return "", fmt.Errorf("%w: merge track %q: %v", shared.ErrPersistenceConflict, track.Title, err)
		}
		return existingID, nil
	}

	if track.ID == "" {
		track.ID = shared.GenerateID()
	}
	track.CreatedAt = now
	row := trackRow{Track: *track, NotesJSON: notes}
	if _, err := sqlx.NamedExecContext(ctx, ext, trackInsertQuery, &row); err != nil {
		return "", fmt.Errorf("%w: insert track %q: %v", shared.ErrPersistenceConflict, track.Title, err)
	}
	return track.ID, nil
}

// Get fetches one track by id.
func (r *TrackRepository) Get(ctx context.Context, ext sqlx.ExtContext, id string) (*models.Track, error) {
	var row trackRow
	err := sqlx.GetContext(ctx, ext, &row, `SELECT * FROM tracks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: track %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get track: %w", err)
	}
	return row.decode()
}

// GetByName fetches a track by normalized title and primary artist id. The
// resolver's internal lookup tier goes through here.
func (r *TrackRepository) GetByName(ctx context.Context, ext sqlx.ExtContext, normalizedTitle, primaryArtistID string) (*models.Track, error) {
	var row trackRow
	err := sqlx.GetContext(ctx, ext, &row,
		`SELECT * FROM tracks WHERE normalized_title = $1 AND primary_artist_id = $2`,
		normalizedTitle, primaryArtistID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: track %q", shared.ErrNotFound, normalizedTitle)
	}
	if err != nil {
		return nil, fmt.Errorf("get track by name: %w", err)
	}
	return row.decode()
}

// UpsertRole records an artist's role on a track.
func (r *TrackRepository) UpsertRole(ctx context.Context, ext sqlx.ExtContext, ta *models.TrackArtist) error {
	if !models.ValidRole(ta.Role) {
		return fmt.Errorf("%w: role %q", shared.ErrValidationFailure, ta.Role)
	}

	_, err := ext.ExecContext(ctx, `
		INSERT INTO track_artists (track_id, artist_id, role, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (track_id, artist_id, role) DO UPDATE SET position = EXCLUDED.position`,
		ta.TrackID, ta.ArtistID, ta.Role, ta.Position)
	if err != nil {
		return fmt.Errorf("%w: upsert role: %v", shared.ErrPersistenceConflict, err)
	}
	return nil
}

// ReassignPrimaryArtist moves a track to a different primary artist. Only
// the resolver calls this, when co-occurrence evidence shows the scraped
// attribution was wrong.
func (r *TrackRepository) ReassignPrimaryArtist(ctx context.Context, ext sqlx.ExtContext, trackID, artistID string) error {
	if trackID == "" || artistID == "" {
		return fmt.Errorf("%w: reassign needs track and artist ids", shared.ErrValidationFailure)
	}
	_, err := ext.ExecContext(ctx,
		`UPDATE tracks SET primary_artist_id = $2, updated_at = now() WHERE id = $1`, trackID, artistID)
	if err != nil {
		return fmt.Errorf("%w: reassign primary artist: %v", shared.ErrPersistenceConflict, err)
	}
	return nil
}

// NeighborLabels returns the labels of tracks that co-occur with the given
// track, most frequent first. Feeds the co-occurrence evidence feature of
// the linkage model.
func (r *TrackRepository) NeighborLabels(ctx context.Context, ext sqlx.ExtContext, trackID string) ([]string, error) {
	var labels []string
	err := sqlx.SelectContext(ctx, ext, &labels, `
		SELECT t.label
		FROM track_adjacency a
		JOIN tracks t ON t.id = CASE WHEN a.track_a_id = $1 THEN a.track_b_id ELSE a.track_a_id END
		WHERE (a.track_a_id = $1 OR a.track_b_id = $1) AND t.label IS NOT NULL
		GROUP BY t.label
		ORDER BY sum(a.occurrence_count) DESC
		LIMIT 10`, trackID)
	if err != nil {
		return nil, fmt.Errorf("neighbor labels: %w", err)
	}
	return labels, nil
}
