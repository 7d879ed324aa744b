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

// EnrichmentRepository owns the per-track retry records the resolver uses to
// schedule re-enrichment.
type EnrichmentRepository struct{}

const enrichmentUpsertQuery = `
INSERT INTO enrichment_status (track_id, status, retry_after, retry_attempts, cooldown_strategy, sources_used, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (track_id) DO UPDATE SET
    status = EXCLUDED.status,
    retry_after = EXCLUDED.retry_after,
    retry_attempts = EXCLUDED.retry_attempts,
    cooldown_strategy = EXCLUDED.cooldown_strategy,
    sources_used = EXCLUDED.sources_used,
    updated_at = now()`

// Upsert writes a track's enrichment record.
func (r *EnrichmentRepository) Upsert(ctx context.Context, ext sqlx.ExtContext, status *models.EnrichmentStatus) error {
	sources, err := json.Marshal(orEmpty(status.SourcesUsed))
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}

	_, err = ext.ExecContext(ctx, enrichmentUpsertQuery,
		status.TrackID, status.Status, status.RetryAfter, status.RetryAttempts,
		status.Strategy, sources)
	if err != nil {
		return fmt.Errorf("%w: upsert enrichment status: %v", shared.ErrPersistenceConflict, err)
	}
	return nil
}

// Enroll registers a freshly persisted track for resolution. A track that
// already has a status row keeps it, so completed and cooling-down tracks are
// never reset by a re-scrape.
func (r *EnrichmentRepository) Enroll(ctx context.Context, ext sqlx.ExtContext, trackID string) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO enrichment_status (track_id, status, sources_used, updated_at)
		VALUES ($1, $2, '[]', now())
		ON CONFLICT (track_id) DO NOTHING`, trackID, models.EnrichmentPending)
	if err != nil {
		return fmt.Errorf("%w: enroll track %s: %v", shared.ErrPersistenceConflict, trackID, err)
	}
	return nil
}

// Get fetches a track's enrichment record.
func (r *EnrichmentRepository) Get(ctx context.Context, ext sqlx.ExtContext, trackID string) (*models.EnrichmentStatus, error) {
	var row struct {
		models.EnrichmentStatus
		SourcesJSON []byte `db:"sources_used"`
	}
	err := sqlx.GetContext(ctx, ext, &row,
		`SELECT * FROM enrichment_status WHERE track_id = $1`, trackID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: enrichment status for %s", shared.ErrNotFound, trackID)
	}
	if err != nil {
		return nil, fmt.Errorf("get enrichment status: %w", err)
	}

	status := row.EnrichmentStatus
	if len(row.SourcesJSON) > 0 {
		if err := json.Unmarshal(row.SourcesJSON, &status.SourcesUsed); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
	}
	return &status, nil
}

// Due returns tracks ready for the resolver: never-attempted tracks first,
// then tracks whose cooldown has elapsed, oldest retry first.
func (r *EnrichmentRepository) Due(ctx context.Context, ext sqlx.ExtContext, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	var ids []string
	err := sqlx.SelectContext(ctx, ext, &ids, `
		SELECT track_id FROM enrichment_status
		WHERE status = $1
		   OR (status = $2 AND retry_after IS NOT NULL AND retry_after <= $3)
		ORDER BY retry_after ASC NULLS FIRST
		LIMIT $4`, models.EnrichmentPending, models.EnrichmentReEnrichment, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due enrichment: %w", err)
	}
	return ids, nil
}

// QueueDepth counts tracks waiting on the resolver, pending and cooling down
// alike. Exported as a gauge.
func (r *EnrichmentRepository) QueueDepth(ctx context.Context, ext sqlx.ExtContext) (int, error) {
	var depth int
	err := sqlx.GetContext(ctx, ext, &depth,
		`SELECT count(*) FROM enrichment_status WHERE status = $1 OR status = $2`,
		models.EnrichmentPending, models.EnrichmentReEnrichment)
	if err != nil {
		return 0, fmt.Errorf("cooldown depth: %w", err)
	}
	return depth, nil
}
