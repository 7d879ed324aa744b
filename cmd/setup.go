package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/setgraph/internal/parser"
	"github.com/desertthunder/setgraph/internal/repositories"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Setup initializes the database and runs migrations. A missing config file
// is created from the embedded template first.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")

	if _, err := os.Stat(configPath); err != nil {
		r.logger.Info("config file not found, creating from template", "path", configPath)
		if err := shared.CreateConfigFile(configPath); err != nil {
			return err
		}
		r.logger.Info("config file created; fill in credentials and the database DSN, then rerun", "path", configPath)
		return nil
	}

	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	r.logger.Info("connecting", "dsn", shared.MaskSecret(config.Database.DSN))
	db, err := shared.NewDatabase(config.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	store := repositories.NewStore(db)
	r.logger.Info("running database migrations")
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	r.logger.Info("setup complete")
	return nil
}

// Parse runs one citation through the track parser and prints the record.
func (r *Runner) Parse(ctx context.Context, cmd *cli.Command) error {
	citation := cmd.StringArg("citation")
	if citation == "" {
		return fmt.Errorf("%w: a citation argument is required", shared.ErrValidationFailure)
	}

	track, err := parser.Parse(citation)
	if errors.Is(err, parser.ErrDrop) {
		r.logger.Warn("citation is unidentifiable and would be dropped", "citation", citation)
		return nil
	}
	if err != nil {
		return err
	}
	return r.writeJSON(track, cmd.Bool("pretty"))
}
