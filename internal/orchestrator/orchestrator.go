// package orchestrator schedules scrape jobs across sources. Each target URL
// moves through a small state machine, completed targets are de-duplicated in
// Redis across runs, and per-source daily quotas are enforced before dispatch.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/desertthunder/setgraph/internal/extractors"
	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

// State is one node of the per-target job state machine.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCooldown  State = "cooldown"
)

const (
	dedupKeyPrefix = "setgraph:dedup:"
	quotaKeyPrefix = "setgraph:quota:"

	defaultGlobalConcurrency = 8
	defaultSourceConcurrency = 2
	defaultDedupTTLDays      = 30
	defaultGrace             = 30 * time.Second
)

// pageRunner is the slice of extractors.Runner the orchestrator drives.
type pageRunner interface {
	Discover(ctx context.Context, ex extractors.Extractor, indexURL string) ([]string, error)
	Run(ctx context.Context, ex extractors.Extractor, pageURL string) ([]models.Item, error)
}

// Orchestrator fans scrape work out to extractors under quota, concurrency
// and de-duplication discipline.
type Orchestrator struct {
	cfg     shared.OrchestratorConfig
	sources map[string]shared.ExtractorConfig
	runner  pageRunner
	redis   *redis.Client
	logger  *log.Logger
	now     func() time.Time

	// globalSlots caps in-flight scrapes across every source; per-source
	// caps nest inside it.
	globalSlots chan struct{}

	mu     sync.Mutex
	states map[string]State
}

// New builds the orchestrator. sources carries the per-extractor overrides
// keyed by source id; sources absent from the map run with defaults.
func New(cfg shared.OrchestratorConfig, sources map[string]shared.ExtractorConfig, runner pageRunner, rdb *redis.Client, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	global := cfg.GlobalConcurrency
	if global <= 0 {
		global = defaultGlobalConcurrency
	}

	return &Orchestrator{
		cfg:         cfg,
		sources:     sources,
		runner:      runner,
		redis:       rdb,
		logger:      logger,
		now:         time.Now,
		globalSlots: make(chan struct{}, global),
		states:      map[string]State{},
	}
}

// Run discovers targets from the seed index pages and scrapes them, emitting
// pipeline items on out. The channel is closed when every job has settled, so
// the consuming pipeline sees a clean end of stream.
func (o *Orchestrator) Run(ctx context.Context, seeds map[string][]string, out chan<- models.Item) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	for source, indexURLs := range seeds {
		if cfg, ok := o.sources[source]; ok && !cfg.Enabled {
			o.logger.Info("source disabled, skipping", "source", source)
			continue
		}
		g.Go(func() error {
			return o.runSource(gctx, source, indexURLs, out)
		})
	}
	return g.Wait()
}

// runSource discovers and scrapes every target of one source under its
// concurrency cap.
func (o *Orchestrator) runSource(ctx context.Context, source string, indexURLs []string, out chan<- models.Item) error {
	ex, err := extractors.New(source)
	if err != nil {
		return err
	}

	targets := o.discover(ctx, ex, indexURLs)
	o.logger.Info("targets discovered", "source", source, "count", len(targets))

	concurrency := defaultSourceConcurrency
	if cfg, ok := o.sources[source]; ok && cfg.Concurrency > 0 {
		concurrency = cfg.Concurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, target := range targets {
		if !o.dispatchable(gctx, source, target) {
			continue
		}
		g.Go(func() error {
			o.scrape(gctx, ex, source, target, out)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) discover(ctx context.Context, ex extractors.Extractor, indexURLs []string) []string {
	var targets []string
	for _, indexURL := range indexURLs {
		urls, err := o.runner.Discover(ctx, ex, indexURL)
		if err != nil {
			o.logger.Warn("discovery failed", "source", ex.Source(), "index", indexURL, "err", err)
			continue
		}
		targets = append(targets, urls...)
	}
	return targets
}

// dispatchable runs the pre-dispatch gates: quota, cross-run de-duplication,
// and the scheduled transition. Targets already scheduled or running are
// skipped, which keeps at most one job per (source, url).
func (o *Orchestrator) dispatchable(ctx context.Context, source, target string) bool {
	if o.seen(ctx, target) {
		o.logger.Debug("target already scraped", "source", source, "url", target)
		return false
	}
	if !o.underQuota(ctx, source) {
		o.logger.Info("daily quota reached", "source", source)
		return false
	}
	return o.transition(source, target, StateScheduled, StateIdle, StateCooldown)
}

// scrape runs one job to a terminal state. A canceled parent context still
// grants the grace window so a running job can finish its page.
func (o *Orchestrator) scrape(ctx context.Context, ex extractors.Extractor, source, target string, out chan<- models.Item) {
	if ctx.Err() != nil {
		// Scheduled but never started: dropped on shutdown.
		o.transition(source, target, StateIdle, StateScheduled)
		return
	}

	select {
	case o.globalSlots <- struct{}{}:
		defer func() { <-o.globalSlots }()
	case <-ctx.Done():
		o.transition(source, target, StateIdle, StateScheduled)
		return
	}

	o.transition(source, target, StateRunning, StateScheduled)

	jobCtx, cancel := o.graceContext(ctx)
	defer cancel()

	items, err := o.runner.Run(jobCtx, ex, target)
	switch {
	case err == nil:
		o.transition(source, target, StateSucceeded, StateRunning)
		o.markSeen(jobCtx, target)
		for _, item := range items {
			select {
			case out <- item:
			case <-jobCtx.Done():
				return
			}
		}
	case extractors.IsRecoverable(err):
		o.transition(source, target, StateCooldown, StateRunning)
		o.logger.Warn("scrape failed, will retry on a later run", "source", source, "url", target, "err", err)
	default:
		o.transition(source, target, StateFailed, StateRunning)
		o.logger.Error("scrape failed permanently", "source", source, "url", target, "err", err)
		// The runner still emits a set-list carrying the scrape error;
		// persisting it keeps the failure queryable instead of log-only.
		for _, item := range items {
			select {
			case out <- item:
			case <-jobCtx.Done():
				return
			}
		}
	}
}

// transition moves a job to a new state when its current state is one of
// from. Absent jobs count as idle.
func (o *Orchestrator) transition(source, target string, to State, from ...State) bool {
	key := source + "|" + target

	o.mu.Lock()
	defer o.mu.Unlock()

	current, ok := o.states[key]
	if !ok {
		current = StateIdle
	}
	for _, f := range from {
		if current == f {
			o.states[key] = to
			return true
		}
	}
	return false
}

// JobState reports a target's current state. Unknown targets are idle.
func (o *Orchestrator) JobState(source, target string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[source+"|"+target]; ok {
		return s
	}
	return StateIdle
}

// seen checks the cross-run de-duplication flag for a target URL.
func (o *Orchestrator) seen(ctx context.Context, target string) bool {
	if o.redis == nil {
		return false
	}
	n, err := o.redis.Exists(ctx, dedupKey(target)).Result()
	return err == nil && n > 0
}

// markSeen flags a completed target so later runs skip it until the TTL
// lapses.
func (o *Orchestrator) markSeen(ctx context.Context, target string) {
	if o.redis == nil {
		return
	}
	days := o.cfg.DedupTTLDays
	if days <= 0 {
		days = defaultDedupTTLDays
	}
	ttl := time.Duration(days) * 24 * time.Hour
	if err := o.redis.Set(ctx, dedupKey(target), "1", ttl).Err(); err != nil {
		o.logger.Warn("dedup mark failed", "url", target, "err", err)
	}
}

// underQuota counts this dispatch against the source's daily budget. The
// counter lives in Redis so every worker shares one budget.
func (o *Orchestrator) underQuota(ctx context.Context, source string) bool {
	if o.cfg.DailyQuota <= 0 || o.redis == nil {
		return true
	}

	key := quotaKeyPrefix + source + ":" + o.now().UTC().Format("2006-01-02")
	n, err := o.redis.Incr(ctx, key).Result()
	if err != nil {
		o.logger.Warn("quota counter unavailable, dispatching anyway", "source", source, "err", err)
		return true
	}
	if n == 1 {
		o.redis.Expire(ctx, key, 48*time.Hour)
	}
	return n <= int64(o.cfg.DailyQuota)
}

// graceContext derives a job context that outlives parent cancellation by the
// configured grace window, so running jobs reach a batch boundary on
// shutdown instead of being cut mid-page.
func (o *Orchestrator) graceContext(parent context.Context) (context.Context, context.CancelFunc) {
	grace := time.Duration(o.cfg.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = defaultGrace
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	go func() {
		select {
		case <-parent.Done():
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancel()
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func dedupKey(target string) string {
	sum := sha256.Sum256([]byte(target))
	return dedupKeyPrefix + hex.EncodeToString(sum[:8])
}
