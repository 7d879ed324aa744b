package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/repositories"
	"github.com/desertthunder/setgraph/internal/resolver"
	"github.com/desertthunder/setgraph/internal/services"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Resolve runs one track through the tiered resolver and prints the
// outcome.
func (r *Runner) Resolve(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	res, cleanup, err := r.buildResolver(ctx, config)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := res.ResolveTrack(ctx, cmd.String("track"))
	if err != nil {
		return err
	}
	return r.writeJSON(outcome, true)
}

// RetryWorker drains the cooldown queue on an interval until interrupted.
func (r *Runner) RetryWorker(ctx context.Context, cmd *cli.Command) error {
	config, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, cleanup, err := r.buildResolver(ctx, config)
	if err != nil {
		return err
	}
	defer cleanup()

	interval := time.Duration(cmd.Int("interval")) * time.Minute
	worker := resolver.NewRetryWorker(res, interval, int(cmd.Int("batch")), config.Resolver.Workers)

	if cmd.Bool("once") {
		return worker.Drain(ctx)
	}

	r.logger.Info("retry worker started", "interval", interval)
	if err := worker.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildResolver wires the resolver with every external client the config has
// credentials for. Sources without credentials are skipped, which shortens
// the waterfall rather than failing it.
func (r *Runner) buildResolver(ctx context.Context, config *shared.Config) (*resolver.Resolver, func(), error) {
	registry := metrics.NewRegistry()
	r.serveMetrics(ctx, config.Metrics, registry)

	db, err := shared.NewDatabase(config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := repositories.NewStore(db)

	rdb, err := shared.NewRedis(ctx, config.Redis)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	cache := services.NewResponseCache(rdb, registry)

	clients := resolver.Clients{
		MusicBrainz: services.NewMusicBrainzClient(config.APIs.MusicBrainz, cache, registry),
	}
	if config.APIs.Spotify.ClientID != "" {
		spotify, err := services.NewSpotifyClient(config.APIs.Spotify, cache, registry)
		if err != nil {
			db.Close()
			rdb.Close()
			return nil, nil, err
		}
		clients.Spotify = spotify
	}
	if config.APIs.Discogs.Token != "" {
		discogs, err := services.NewDiscogsClient(config.APIs.Discogs, cache, registry)
		if err != nil {
			db.Close()
			rdb.Close()
			return nil, nil, err
		}
		clients.Discogs = discogs
	}
	if config.APIs.LastFM.Token != "" {
		lastfm, err := services.NewLastFMClient(config.APIs.LastFM, cache, registry)
		if err != nil {
			db.Close()
			rdb.Close()
			return nil, nil, err
		}
		clients.LastFM = lastfm
	}
	if config.APIs.SetlistFM.Token != "" {
		setlistfm, err := services.NewSetlistFMClient(config.APIs.SetlistFM, cache, registry)
		if err != nil {
			db.Close()
			rdb.Close()
			return nil, nil, err
		}
		clients.SetlistFM = setlistfm
	}

	cleanup := func() {
		rdb.Close()
		db.Close()
	}
	return resolver.New(config.Resolver, store, clients, registry, r.logger), cleanup, nil
}
