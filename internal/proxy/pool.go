// package proxy manages the pool of outbound egress points with failure
// bookkeeping, cooldown, and rotation.
package proxy

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/shared"
)

// DirtyReason records why an egress point entered cooldown.
type DirtyReason string

const (
	ReasonConsecutiveFailures DirtyReason = "consecutive_failures"
	ReasonChallenge           DirtyReason = "challenge"
	ReasonForbidden           DirtyReason = "forbidden"
)

// Egress is one outbound point. A nil URL means a direct connection.
type Egress struct {
	URL *url.URL
	Key string
}

// Direct reports whether this egress bypasses the proxy layer.
func (e *Egress) Direct() bool { return e == nil || e.URL == nil }

// KeyOrDirect names the egress for logs and response metadata.
func (e *Egress) KeyOrDirect() string {
	if e.Direct() {
		return "direct"
	}
	return e.Key
}

type endpoint struct {
	egress *Egress

	consecutiveFailures int
	lastFailureReason   string
	cooldownUntil       time.Time
	successes           int64
	requests            int64
	lastUsed            time.Time
}

func (ep *endpoint) successRate() float64 {
	if ep.requests == 0 {
		return 1.0 // unproven endpoints sort ahead of known-bad ones
	}
	return float64(ep.successes) / float64(ep.requests)
}

// Pool tracks egress health and hands out the best available point.
// State is shared across workers; all mutation goes through the mutex.
// Double-reporting a failure for the same request is harmless.
type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	cooldown  time.Duration
	maxFails  int
	logger    *log.Logger
	registry  *metrics.Registry
	now       func() time.Time
}

// NewPool parses the configured endpoints and builds the pool. An empty
// endpoint list yields a pool that always hands out a direct connection.
func NewPool(cfg shared.ProxyConfig, registry *metrics.Registry, logger *log.Logger) (*Pool, error) {
	if cfg.CooldownMinutes <= 0 {
		cfg.CooldownMinutes = 10
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}

	p := &Pool{
		cooldown: time.Duration(cfg.CooldownMinutes) * time.Minute,
		maxFails: cfg.MaxFailures,
		logger:   logger,
		registry: registry,
		now:      time.Now,
	}

	for _, raw := range cfg.Endpoints {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad proxy endpoint %q: %v", shared.ErrInvalidConfig, raw, err)
		}
		p.endpoints = append(p.endpoints, &endpoint{
			egress: &Egress{URL: u, Key: u.Host},
		})
	}

	if registry != nil {
		registry.ProxyPoolSize.Set(float64(len(p.endpoints)))
	}

	return p, nil
}

// Acquire returns the healthiest egress point: highest success rate, then
// fewest consecutive failures, ties broken least-recently-used. Dirty points
// are skipped until their cooldown passes. When every point is cooling down
// the call fails fast with [shared.ErrNoHealthyProxy].
func (p *Pool) Acquire() (*Egress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil, nil // direct connection
	}

	now := p.now()
	var best *endpoint
	for _, ep := range p.endpoints {
		if now.Before(ep.cooldownUntil) {
			continue
		}
		if best == nil || better(ep, best) {
			best = ep
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: %d endpoints all cooling down", shared.ErrNoHealthyProxy, len(p.endpoints))
	}

	best.lastUsed = now
	best.requests++
	return best.egress, nil
}

func better(a, b *endpoint) bool {
	ra, rb := a.successRate(), b.successRate()
	if ra != rb {
		return ra > rb
	}
	if a.consecutiveFailures != b.consecutiveFailures {
		return a.consecutiveFailures < b.consecutiveFailures
	}
	return a.lastUsed.Before(b.lastUsed)
}

// ReportSuccess clears the failure streak for the egress point.
func (p *Pool) ReportSuccess(e *Egress) {
	if e.Direct() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ep := p.find(e.Key); ep != nil {
		ep.successes++
		ep.consecutiveFailures = 0
	}
}

// ReportFailure increments the failure streak; at the configured threshold
// the point is marked dirty.
func (p *Pool) ReportFailure(e *Egress, reason string) {
	if e.Direct() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.find(e.Key)
	if ep == nil {
		return
	}

	ep.consecutiveFailures++
	ep.lastFailureReason = reason
	if ep.consecutiveFailures >= p.maxFails {
		p.markDirtyLocked(ep, ReasonConsecutiveFailures)
	}
}

// MarkDirty puts the egress point into cooldown immediately. Used for
// challenge interstitials and forbidden responses.
func (p *Pool) MarkDirty(e *Egress, reason DirtyReason) {
	if e.Direct() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ep := p.find(e.Key); ep != nil {
		ep.lastFailureReason = string(reason)
		p.markDirtyLocked(ep, reason)
	}
}

func (p *Pool) markDirtyLocked(ep *endpoint, reason DirtyReason) {
	ep.cooldownUntil = p.now().Add(p.cooldown)
	ep.consecutiveFailures = 0
	if p.logger != nil {
		p.logger.Warn("egress point marked dirty", "endpoint", ep.egress.Key, "reason", reason)
	}
	p.updateDirtyGaugeLocked()
}

func (p *Pool) updateDirtyGaugeLocked() {
	if p.registry == nil {
		return
	}
	now := p.now()
	dirty := 0
	for _, ep := range p.endpoints {
		if now.Before(ep.cooldownUntil) {
			dirty++
		}
	}
	p.registry.ProxyPoolDirty.Set(float64(dirty))
}

func (p *Pool) find(key string) *endpoint {
	for _, ep := range p.endpoints {
		if ep.egress.Key == key {
			return ep
		}
	}
	return nil
}

// ProbeFunc checks whether an egress point has recovered.
type ProbeFunc func(ctx context.Context, egress *Egress) error

// RunProbes periodically re-probes dirty endpoints; those that answer
// re-enter the pool early. Blocks until ctx is cancelled.
func (p *Pool) RunProbes(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeDirty(ctx, probe)
		}
	}
}

func (p *Pool) probeDirty(ctx context.Context, probe ProbeFunc) {
	p.mu.Lock()
	now := p.now()
	var dirty []*endpoint
	for _, ep := range p.endpoints {
		if now.Before(ep.cooldownUntil) {
			dirty = append(dirty, ep)
		}
	}
	p.mu.Unlock()

	for _, ep := range dirty {
		if err := probe(ctx, ep.egress); err != nil {
			continue
		}

		p.mu.Lock()
		ep.cooldownUntil = time.Time{}
		ep.consecutiveFailures = 0
		p.updateDirtyGaugeLocked()
		p.mu.Unlock()

		if p.logger != nil {
			p.logger.Info("egress point recovered", "endpoint", ep.egress.Key)
		}
	}
}
