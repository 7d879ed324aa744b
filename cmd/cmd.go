// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

// setupCommand initializes the database schema.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Initialize the database and run migrations",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Setup,
	}
}

// scrapeCommand runs the orchestrator and pipeline against one source.
func scrapeCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "scrape",
		Usage: "Scrape set-lists from a source into the graph",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:     "source",
				Aliases:  []string{"s"},
				Usage:    "Extractor source id (e.g. tracklists1001)",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "index",
				Aliases:  []string{"i"},
				Usage:    "Index page URL to discover set-lists from (repeatable)",
				Required: true,
			},
		},
		Action: r.Scrape,
	}
}

// resolveCommand runs one track through the enrichment resolver.
func resolveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve a track against external catalogs",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:     "track",
				Aliases:  []string{"t"},
				Usage:    "Track id to resolve",
				Required: true,
			},
		},
		Action: r.Resolve,
	}
}

// retryWorkerCommand drains the re-enrichment cooldown queue on a schedule.
func retryWorkerCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "retry-worker",
		Usage: "Periodically retry tracks whose cooldown has elapsed",
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{
				Name:  "interval",
				Usage: "Minutes between queue drains",
				Value: 60,
			},
			&cli.IntFlag{
				Name:  "batch",
				Usage: "Maximum tracks per drain",
				Value: 100,
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Drain the queue once and exit",
			},
		},
		Action: r.RetryWorker,
	}
}

// parseCommand parses a raw citation string, for debugging extractor output.
func parseCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "parse",
		Usage: "Parse a raw track citation and print the structured record",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "citation"},
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print output",
				Value: true,
			},
		},
		Action: r.Parse,
	}
}
