package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/desertthunder/setgraph/internal/challenge"
	"github.com/desertthunder/setgraph/internal/extractors"
	"github.com/desertthunder/setgraph/internal/fetcher"
	"github.com/desertthunder/setgraph/internal/headers"
	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/orchestrator"
	"github.com/desertthunder/setgraph/internal/pipeline"
	"github.com/desertthunder/setgraph/internal/proxy"
	"github.com/desertthunder/setgraph/internal/repositories"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Scrape wires the full scraping stack and runs the orchestrator and pipeline
// until every discovered target settles or the process is interrupted.
func (r *Runner) Scrape(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	source := cmd.String("source")
	seeds := map[string][]string{source: cmd.StringSlice("index")}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	r.serveMetrics(ctx, config.Metrics, registry)

	rdb, err := shared.NewRedis(ctx, config.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := shared.NewDatabase(config.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	store := repositories.NewStore(db)

	pool, err := proxy.NewPool(config.Proxy, registry, r.logger)
	if err != nil {
		return err
	}

	var solver challenge.Solver
	if config.Solver.URL != "" {
		solver = challenge.NewHTTPSolver(config.Solver)
	}

	fetch := fetcher.New(config.Fetcher, pool,
		headers.NewGenerator(config.Fetcher.StickyHeaders, 0),
		challenge.NewDetector(registry), solver, registry, rdb, r.logger)

	cache := services.NewResponseCache(rdb, registry)
	var llm *services.LLMClient
	if config.APIs.LLM.APIKey != "" {
		if llm, err = services.NewLLMClient(config.APIs.LLM, cache, registry); err != nil {
			return err
		}
	} else {
		r.logger.Warn("no language-model key configured, salvage extraction disabled")
	}

	runner := extractors.NewRunner(fetch, llm, config.Fetcher.RenderURL != "", r.logger)
	orch := orchestrator.New(config.Orchestrator, config.Extractors, runner, rdb, r.logger)

	pipe := pipeline.New(config.Pipeline, registry, r.logger,
		pipeline.NewValidator(registry, r.logger),
		pipeline.NewEnricher(config.Pipeline, llm, r.logger),
		pipeline.NewPersister(config.Pipeline, store, rdb, registry, r.logger))

	items := make(chan models.Item, 256)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx, seeds, items) })
	g.Go(func() error { return pipe.Run(gctx, items) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		r.logger.Info("scrape interrupted, pipeline flushed")
		return nil
	}
	return err
}
