package resolver

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetryWorker periodically drains the cooldown queue: tracks whose
// retry_after has elapsed get another resolution attempt.
type RetryWorker struct {
	resolver *Resolver
	interval time.Duration
	batch    int
	workers  int
}

// NewRetryWorker builds the worker.
func NewRetryWorker(resolver *Resolver, interval time.Duration, batch, workers int) *RetryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 100
	}
	if workers <= 0 {
		workers = 4
	}
	return &RetryWorker{resolver: resolver, interval: interval, batch: batch, workers: workers}
}

// Run blocks until the context is canceled, draining due tracks each tick.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Drain(ctx); err != nil {
				w.resolver.logger.Error("cooldown drain failed", "err", err)
			}
		}
	}
}

// Drain resolves every currently-due track once.
func (w *RetryWorker) Drain(ctx context.Context) error {
	r := w.resolver

	if depth, err := r.store.Enrichment.QueueDepth(ctx, r.store.DB); err == nil && r.registry != nil {
		r.registry.CooldownDepth.Set(float64(depth))
	}

	due, err := r.store.Enrichment.Due(ctx, r.store.DB, time.Now().UTC(), w.batch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	r.logger.Info("retrying cooled-down tracks", "count", len(due))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)
	for _, trackID := range due {
		g.Go(func() error {
			outcome, err := r.ResolveTrack(ctx, trackID)
			if err != nil {
				r.logger.Warn("retry resolution errored", "track_id", trackID, "err", err)
				return nil // one bad track must not stop the drain
			}
			r.logger.Debug("retry resolution finished", "track_id", trackID, "status", outcome.Status)
			return nil
		})
	}
	return g.Wait()
}
