// package repositories is the persistence layer: embedded schema migrations
// and one repository per entity. All writes are merge-upserts so repeated
// scrapes converge instead of conflicting.
package repositories

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/desertthunder/setgraph/internal/shared"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store bundles the database handle with the entity repositories.
type Store struct {
	DB *sqlx.DB

	Artists    *ArtistRepository
	Tracks     *TrackRepository
	Setlists   *SetlistRepository
	Adjacency  *AdjacencyRepository
	Enrichment *EnrichmentRepository
}

// NewStore wires the repositories onto one handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		DB:         db,
		Artists:    &ArtistRepository{},
		Tracks:     &TrackRepository{},
		Setlists:   &SetlistRepository{},
		Adjacency:  &AdjacencyRepository{},
		Enrichment: &EnrichmentRepository{},
	}
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// WithTx runs fn inside one transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", shared.ErrPersistenceConflict, err)
	}
	return nil
}
