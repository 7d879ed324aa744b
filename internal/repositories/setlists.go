package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

// SetlistRepository persists set-lists and their ordered track memberships.
type SetlistRepository struct{}

const setlistUpsertQuery = `
INSERT INTO setlists (
    id, name, normalized_name, source, event_date, venue, parsing_version,
    tracklist_count, bpm_range, scrape_error, last_scrape_attempt, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
ON CONFLICT (normalized_name, source) DO UPDATE SET
    event_date = COALESCE(setlists.event_date, EXCLUDED.event_date),
    venue = COALESCE(setlists.venue, EXCLUDED.venue),
    parsing_version = EXCLUDED.parsing_version,
    tracklist_count = COALESCE(EXCLUDED.tracklist_count, setlists.tracklist_count),
    bpm_range = COALESCE(EXCLUDED.bpm_range, setlists.bpm_range),
    scrape_error = EXCLUDED.scrape_error,
    last_scrape_attempt = EXCLUDED.last_scrape_attempt,
    updated_at = EXCLUDED.updated_at
RETURNING id`

// Upsert inserts or refreshes a set-list and returns its row id. Re-scrapes
// overwrite scrape_error and the parsing version: a clean re-scrape clears a
// previous partial-scrape flag.
func (r *SetlistRepository) Upsert(ctx context.Context, ext sqlx.ExtContext, setlist *models.Setlist) (string, error) {
	if setlist.NormalizedName == "" {
		setlist.NormalizedName = shared.NormalizeName(setlist.Name)
	}
	if setlist.NormalizedName == "" {
		return "", fmt.Errorf("%w: setlist name empty after normalization", shared.ErrValidationFailure)
	}
	if setlist.ID == "" {
		setlist.ID = shared.GenerateID()
	}

	now := time.Now().UTC()
	if setlist.LastScrapeAttempt == nil {
		setlist.LastScrapeAttempt = &now
	}

	var id string
	err := sqlx.GetContext(ctx, ext, &id, setlistUpsertQuery,
		setlist.ID, setlist.Name, setlist.NormalizedName, setlist.Source,
		setlist.EventDate, setlist.Venue, setlist.ParsingVersion,
		setlist.TracklistCount, setlist.BPMRange, setlist.ScrapeError,
		setlist.LastScrapeAttempt, now)
	if err != nil {
		return "", fmt.Errorf("%w: upsert setlist %q: %v", shared.ErrPersistenceConflict, setlist.Name, err)
	}
	return id, nil
}

// UpsertMembership records a track at a position. Re-scrapes may replace the
// track occupying a slot.
func (r *SetlistRepository) UpsertMembership(ctx context.Context, ext sqlx.ExtContext, st *models.SetlistTrack) error {
	if st.Position <= 0 {
		return fmt.Errorf("%w: membership position %d", shared.ErrValidationFailure, st.Position)
	}

	_, err := ext.ExecContext(ctx, `
		INSERT INTO setlist_tracks (setlist_id, track_id, position, played_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (setlist_id, position) DO UPDATE SET
		    track_id = EXCLUDED.track_id,
		    played_at = COALESCE(EXCLUDED.played_at, setlist_tracks.played_at)`,
		st.SetlistID, st.TrackID, st.Position, st.PlayedAt)
	if err != nil {
		return fmt.Errorf("%w: upsert membership: %v", shared.ErrPersistenceConflict, err)
	}
	return nil
}

// Get fetches one set-list by normalized name and source.
func (r *SetlistRepository) Get(ctx context.Context, ext sqlx.ExtContext, normalizedName, source string) (*models.Setlist, error) {
	var setlist models.Setlist
	err := sqlx.GetContext(ctx, ext, &setlist,
		`SELECT * FROM setlists WHERE normalized_name = $1 AND source = $2`, normalizedName, source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: setlist %q/%s", shared.ErrNotFound, normalizedName, source)
	}
	if err != nil {
		return nil, fmt.Errorf("get setlist: %w", err)
	}
	return &setlist, nil
}

// NamesForTrack returns the names of set-lists containing the track, most
// recently scraped first.
func (r *SetlistRepository) NamesForTrack(ctx context.Context, ext sqlx.ExtContext, trackID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}

	var names []string
	err := sqlx.SelectContext(ctx, ext, &names, `
		SELECT s.name
		FROM setlists s
		JOIN setlist_tracks st ON st.setlist_id = s.id
		WHERE st.track_id = $1
		ORDER BY s.updated_at DESC
		LIMIT $2`, trackID, limit)
	if err != nil {
		return nil, fmt.Errorf("setlists for track: %w", err)
	}
	return names, nil
}

// UpdateBPMRange stores the derived BPM range after enrichment.
func (r *SetlistRepository) UpdateBPMRange(ctx context.Context, ext sqlx.ExtContext, setlistID, bpmRange string) error {
	_, err := ext.ExecContext(ctx,
		`UPDATE setlists SET bpm_range = $2, updated_at = now() WHERE id = $1`, setlistID, bpmRange)
	if err != nil {
		return fmt.Errorf("update bpm range: %w", err)
	}
	return nil
}

// DeriveBPMRange recomputes bpm_range from the member tracks that carry a
// BPM. No-op while none of them do.
func (r *SetlistRepository) DeriveBPMRange(ctx context.Context, ext sqlx.ExtContext, setlistID string) error {
	_, err := ext.ExecContext(ctx, `
		UPDATE setlists s
		SET bpm_range = sub.range, updated_at = now()
		FROM (
		    SELECT (round(min(t.bpm))::int)::text || '-' || (round(max(t.bpm))::int)::text AS range
		    FROM setlist_tracks st
		    JOIN tracks t ON t.id = st.track_id
		    WHERE st.setlist_id = $1 AND t.bpm IS NOT NULL
		) sub
		WHERE s.id = $1 AND sub.range IS NOT NULL`, setlistID)
	if err != nil {
		return fmt.Errorf("derive bpm range: %w", err)
	}
	return nil
}
