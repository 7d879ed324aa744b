// package pipeline runs scraped items through an ordered chain of stages:
// validation, enrichment, then batched persistence. Stages are pure with
// respect to the stream: each consumes one item and may emit zero or more.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

// ErrRejectItem is the sentinel stages return to discard an item without
// aborting the run.
var ErrRejectItem = errors.New("item rejected")

// Stage transforms one item into zero or more downstream items. Close
// flushes any buffered state when the stream ends.
type Stage interface {
	Name() string
	Priority() int
	Process(ctx context.Context, item models.Item) ([]models.Item, error)
	Close(ctx context.Context) ([]models.Item, error)
}

// Pipeline drives items through stages in priority order.
type Pipeline struct {
	stages   []Stage
	logger   *log.Logger
	registry *metrics.Registry

	flusher       Flusher
	flushInterval time.Duration
}

// Flusher is implemented by stages that buffer writes and need periodic
// flushing independent of stream pressure.
type Flusher interface {
	Flush(ctx context.Context) error
}

// New assembles a pipeline. Stages are sorted by ascending priority.
func New(cfg shared.PipelineConfig, registry *metrics.Registry, logger *log.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}

	sorted := make([]Stage, len(stages))
	copy(sorted, stages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	p := &Pipeline{
		stages:        sorted,
		logger:        logger,
		registry:      registry,
		flushInterval: time.Duration(cfg.FlushIntervalSeconds) * time.Second,
	}
	if p.flushInterval <= 0 {
		p.flushInterval = 10 * time.Second
	}

	for _, s := range sorted {
		if f, ok := s.(Flusher); ok {
			p.flusher = f
		}
	}
	return p
}

// Run consumes the item channel until it closes or the context is canceled,
// then closes every stage in order. Buffered writes are flushed on the way
// out, so a graceful shutdown loses nothing.
func (p *Pipeline) Run(ctx context.Context, in <-chan models.Item) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain what the producers already queued before closing down.
			for item := range in {
				p.feed(context.WithoutCancel(ctx), item, 0)
			}
			return errors.Join(ctx.Err(), p.close(context.WithoutCancel(ctx)))

		case <-ticker.C:
			if p.flusher != nil {
				if err := p.flusher.Flush(ctx); err != nil {
					p.logger.Error("periodic flush failed", "err", err)
				}
			}

		case item, ok := <-in:
			if !ok {
				return p.close(ctx)
			}
			p.feed(ctx, item, 0)
		}
	}
}

// feed pushes one item through stages[from:].
func (p *Pipeline) feed(ctx context.Context, item models.Item, from int) {
	if from >= len(p.stages) {
		return
	}

	stage := p.stages[from]
	out, err := stage.Process(ctx, item)
	if err != nil {
		if errors.Is(err, ErrRejectItem) {
			p.count(item.Kind, "rejected")
			p.logger.Debug("item rejected", "stage", stage.Name(), "kind", item.Kind, "reason", err)
			return
		}
		p.count(item.Kind, "error")
		p.logger.Error("stage failed", "stage", stage.Name(), "kind", item.Kind, "err", err)
		return
	}

	if from == len(p.stages)-1 {
		p.count(item.Kind, "ok")
	}
	for _, next := range out {
		p.feed(ctx, next, from+1)
	}
}

// close cascades stage closure: items a stage releases on close still flow
// through the stages after it.
func (p *Pipeline) close(ctx context.Context) error {
	var errs []error
	for i, stage := range p.stages {
		out, err := stage.Close(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", stage.Name(), err))
		}
		for _, item := range out {
			p.feed(ctx, item, i+1)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) count(kind models.ItemKind, outcome string) {
	if p.registry != nil {
		p.registry.ItemsProcessed.WithLabelValues(string(kind), outcome).Inc()
	}
}
