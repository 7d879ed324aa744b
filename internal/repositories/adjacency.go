package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

// AdjacencyRepository persists the co-occurrence graph. Edges are undirected
// and stored once in canonical (lexicographic) endpoint order, so merging is
// commutative and independent of scrape order.
type AdjacencyRepository struct{}

const adjacencyMergeQuery = `
INSERT INTO track_adjacency (track_a_id, track_b_id, occurrence_count, average_distance, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (track_a_id, track_b_id) DO UPDATE SET
    average_distance = (track_adjacency.average_distance * track_adjacency.occurrence_count
        + EXCLUDED.average_distance * EXCLUDED.occurrence_count)
        / (track_adjacency.occurrence_count + EXCLUDED.occurrence_count),
    occurrence_count = track_adjacency.occurrence_count + EXCLUDED.occurrence_count,
    updated_at = now()`

// Merge folds an edge contribution into the graph. Counts add; the average
// distance is the count-weighted mean of both sides.
func (r *AdjacencyRepository) Merge(ctx context.Context, ext sqlx.ExtContext, edge *models.Adjacency) error {
	a, b := shared.CanonicalPair(edge.TrackAID, edge.TrackBID)
	if a == b {
		return fmt.Errorf("%w: self-loop on track %s", shared.ErrValidationFailure, a)
	}
	if edge.OccurrenceCount <= 0 || edge.AverageDistance < 1 {
		return fmt.Errorf("%w: adjacency count=%d distance=%f", shared.ErrValidationFailure,
			edge.OccurrenceCount, edge.AverageDistance)
	}

	_, err := ext.ExecContext(ctx, adjacencyMergeQuery, a, b, edge.OccurrenceCount, edge.AverageDistance)
	if err != nil {
		return fmt.Errorf("%w: merge adjacency: %v", shared.ErrPersistenceConflict, err)
	}
	return nil
}

// ArtistRef is a weighted artist reference returned by co-occurrence and
// label-association queries.
type ArtistRef struct {
	ID     string `db:"artist_id"`
	Name   string `db:"name"`
	Weight int    `db:"weight"`
}

// NeighborArtists returns the artists whose tracks co-occur with the given
// track, strongest edge weight first.
func (r *AdjacencyRepository) NeighborArtists(ctx context.Context, ext sqlx.ExtContext, trackID string, limit int) ([]ArtistRef, error) {
	if limit <= 0 {
		limit = 10
	}

	var refs []ArtistRef
	err := sqlx.SelectContext(ctx, ext, &refs, `
		SELECT a.id AS artist_id, a.name, sum(adj.occurrence_count) AS weight
		FROM track_adjacency adj
		JOIN tracks t ON t.id = CASE WHEN adj.track_a_id = $1 THEN adj.track_b_id ELSE adj.track_a_id END
		JOIN artists a ON a.id = t.primary_artist_id
		WHERE adj.track_a_id = $1 OR adj.track_b_id = $1
		GROUP BY a.id, a.name
		ORDER BY weight DESC
		LIMIT $2`, trackID, limit)
	if err != nil {
		return nil, fmt.Errorf("neighbor artists: %w", err)
	}
	return refs, nil
}

// Neighbors returns a track's strongest edges, by occurrence count.
func (r *AdjacencyRepository) Neighbors(ctx context.Context, ext sqlx.ExtContext, trackID string, limit int) ([]models.Adjacency, error) {
	if limit <= 0 {
		limit = 20
	}

	var edges []models.Adjacency
	err := sqlx.SelectContext(ctx, ext, &edges, `
		SELECT track_a_id, track_b_id, occurrence_count, average_distance, updated_at
		FROM track_adjacency
		WHERE track_a_id = $1 OR track_b_id = $1
		ORDER BY occurrence_count DESC, average_distance ASC
		LIMIT $2`, trackID, limit)
	if err != nil {
		return nil, fmt.Errorf("adjacency neighbors: %w", err)
	}
	return edges, nil
}
