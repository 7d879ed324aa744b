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

// ArtistRepository persists artists keyed by normalized name.
type ArtistRepository struct{}

const artistUpsertQuery = `
INSERT INTO artists (id, name, normalized_name, genres, country_code, spotify_id, musicbrainz_id, discogs_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (normalized_name) DO UPDATE SET
    genres = CASE WHEN EXCLUDED.genres = '[]'::jsonb THEN artists.genres ELSE EXCLUDED.genres END,
    country_code = COALESCE(EXCLUDED.country_code, artists.country_code),
    spotify_id = COALESCE(EXCLUDED.spotify_id, artists.spotify_id),
    musicbrainz_id = COALESCE(EXCLUDED.musicbrainz_id, artists.musicbrainz_id),
    discogs_id = COALESCE(EXCLUDED.discogs_id, artists.discogs_id),
    updated_at = EXCLUDED.updated_at
RETURNING id`

// Upsert inserts or merges an artist and returns the canonical row id.
// Incoming non-null values win; gaps keep the existing value.
func (r *ArtistRepository) Upsert(ctx context.Context, ext sqlx.ExtContext, artist *models.Artist) (string, error) {
	if artist.NormalizedName == "" {
		artist.NormalizedName = shared.NormalizeName(artist.Name)
	}
	if artist.NormalizedName == "" || shared.IsPlaceholder(artist.NormalizedName) {
		return "", fmt.Errorf("%w: artist %q is a placeholder", shared.ErrValidationFailure, artist.Name)
	}
	if artist.ID == "" {
		artist.ID = shared.GenerateID()
	}

	genres, err := json.Marshal(orEmpty(artist.Genres))
	if err != nil {
		return "", fmt.Errorf("encode genres: %w", err)
	}

	now := time.Now().UTC()
	var id string
	err = sqlx.GetContext(ctx, ext, &id, artistUpsertQuery,
		artist.ID, artist.Name, artist.NormalizedName, genres,
		artist.CountryCode, artist.SpotifyID, artist.MusicBrainzID, artist.DiscogsID, now)
	if err != nil {
		return "", fmt.Errorf("%w: upsert artist %q: %v", shared.ErrPersistenceConflict, artist.NormalizedName, err)
	}
	return id, nil
}

// Get fetches one artist row by id.
func (r *ArtistRepository) Get(ctx context.Context, ext sqlx.ExtContext, id string) (*models.Artist, error) {
	var row struct {
		models.Artist
		GenresJSON []byte `db:"genres"`
	}
	err := sqlx.GetContext(ctx, ext, &row, `SELECT * FROM artists WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artist %s", shared.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artist: %w", err)
	}

	artist := row.Artist
	if len(row.GenresJSON) > 0 {
		if err := json.Unmarshal(row.GenresJSON, &artist.Genres); err != nil {
			return nil, fmt.Errorf("decode genres: %w", err)
		}
	}
	return &artist, nil
}

// GetByNormalizedName fetches one artist row.
func (r *ArtistRepository) GetByNormalizedName(ctx context.Context, ext sqlx.ExtContext, name string) (*models.Artist, error) {
	var row struct {
		models.Artist
		GenresJSON []byte `db:"genres"`
	}
	err := sqlx.GetContext(ctx, ext, &row,
		`SELECT * FROM artists WHERE normalized_name = $1`, shared.NormalizeName(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artist %q", shared.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get artist: %w", err)
	}

	artist := row.Artist
	if len(row.GenresJSON) > 0 {
		if err := json.Unmarshal(row.GenresJSON, &artist.Genres); err != nil {
			return nil, fmt.Errorf("decode genres: %w", err)
		}
	}
	return &artist, nil
}

// ByLabel returns artists with catalogued releases on the given label, most
// prolific first. This is the local artist-label association the resolver
// checks before reaching for external context.
func (r *ArtistRepository) ByLabel(ctx context.Context, ext sqlx.ExtContext, label string, limit int) ([]ArtistRef, error) {
	if limit <= 0 {
		limit = 10
	}

	var refs []ArtistRef
	err := sqlx.SelectContext(ctx, ext, &refs, `
		SELECT a.id AS artist_id, a.name, count(*) AS weight
		FROM tracks t
		JOIN artists a ON a.id = t.primary_artist_id
		WHERE t.label = $1
		GROUP BY a.id, a.name
		ORDER BY weight DESC
		LIMIT $2`, label, limit)
	if err != nil {
		return nil, fmt.Errorf("artists by label: %w", err)
	}
	return refs, nil
}

// SetGenres overwrites an artist's genre list. Used by enrichment, which is
// allowed to replace scraped genres with catalog ones.
func (r *ArtistRepository) SetGenres(ctx context.Context, ext sqlx.ExtContext, artistID string, genres []string) error {
	encoded, err := json.Marshal(orEmpty(genres))
	if err != nil {
		return fmt.Errorf("encode genres: %w", err)
	}
	_, err = ext.ExecContext(ctx,
		`UPDATE artists SET genres = $2, updated_at = now() WHERE id = $1`, artistID, encoded)
	if err != nil {
		return fmt.Errorf("set genres: %w", err)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
