// package fetcher retrieves pages under a strict per-host rate-limit and
// anti-detection discipline: token buckets with jitter, robots crawl-delay,
// egress rotation, synthesized headers, and challenge detection.
package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/desertthunder/setgraph/internal/challenge"
	"github.com/desertthunder/setgraph/internal/headers"
	"github.com/desertthunder/setgraph/internal/metrics"
	"github.com/desertthunder/setgraph/internal/proxy"
	"github.com/desertthunder/setgraph/internal/shared"
)

// Request is a single fetch. Hints are optional; zero values let the fetcher
// choose.
type Request struct {
	URL          string
	Render       bool   // route through the headless-browser proxy
	WaitSelector string // render mode: CSS selector to wait for
	MaxWaitMS    int    // render mode: wait cap
	Concurrency  int    // per-host concurrent request override (default 1)
}

// Response carries the fetched bytes plus metadata.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	EgressKey  string
	Rendered   bool
}

// hostState tracks the per-host token bucket, in-flight cap, and robots policy.
type hostState struct {
	limiter *rate.Limiter
	sem     chan struct{}
	robots  *robotsPolicy
	delay   time.Duration
}

// Fetcher is the rate-limited HTTP client shared by every extractor.
type Fetcher struct {
	cfg      shared.FetcherConfig
	pool     *proxy.Pool
	headers  *headers.Generator
	detector *challenge.Detector
	solver   challenge.Solver
	registry *metrics.Registry
	logger   *log.Logger
	cache    *redis.Client // per-host request counters; nil disables

	mu    sync.Mutex
	hosts map[string]*hostState
	rng   *rand.Rand

	// newClient builds an HTTP client for an egress point; replaced in tests.
	newClient func(egress *proxy.Egress) *http.Client
}

// New creates a Fetcher wired to the proxy pool, header generator, challenge
// detector and solver. cache may be nil.
func New(cfg shared.FetcherConfig, pool *proxy.Pool, gen *headers.Generator, det *challenge.Detector, solver challenge.Solver, registry *metrics.Registry, cache *redis.Client, logger *log.Logger) *Fetcher {
	if cfg.DelaySeconds <= 0 {
		cfg.DelaySeconds = 1.75
	}
	if cfg.DelayJitter <= 0 {
		cfg.DelayJitter = 0.8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2.0
	}
	if cfg.BackoffCapSeconds <= 0 {
		cfg.BackoffCapSeconds = 300
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 30
	}

	f := &Fetcher{
		cfg:      cfg,
		pool:     pool,
		headers:  gen,
		detector: det,
		solver:   solver,
		registry: registry,
		cache:    cache,
		logger:   logger,
		hosts:    make(map[string]*hostState),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	f.newClient = f.buildClient
	return f
}

func (f *Fetcher) buildClient(egress *proxy.Egress) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(f.cfg.ConnectTimeout) * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: time.Duration(f.cfg.ConnectTimeout) * time.Second,
		MaxIdleConnsPerHost: 2,
	}
	if !egress.Direct() {
		transport.Proxy = http.ProxyURL(egress.URL)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(f.cfg.TotalTimeout) * time.Second,
	}
}

// host returns (creating on first use) the per-host state. The robots policy
// is fetched once; an advertised crawl-delay larger than the configured delay
// wins.
func (f *Fetcher) host(ctx context.Context, u *url.URL, concurrency int) *hostState {
	f.mu.Lock()
	hs, ok := f.hosts[u.Host]
	f.mu.Unlock()
	if ok {
		return hs
	}

	delay := time.Duration(f.cfg.DelaySeconds * float64(time.Second))

	var policy *robotsPolicy
	if f.cfg.RespectRobots {
		ua := "setgraph"
		policy = fetchRobots(ctx, &http.Client{Timeout: 10 * time.Second}, u.Scheme, u.Host, ua)
		if cd := policy.crawlDelay(); cd > delay {
			delay = cd
			if f.logger != nil {
				f.logger.Info("adopting robots crawl-delay", "host", u.Host, "delay", cd)
			}
		}
	} else {
		policy = &robotsPolicy{}
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	hs = &hostState{
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		sem:     make(chan struct{}, concurrency),
		robots:  policy,
		delay:   delay,
	}

	f.mu.Lock()
	// A concurrent caller may have built the state already; keep the first.
	if existing, ok := f.hosts[u.Host]; ok {
		hs = existing
	} else {
		f.hosts[u.Host] = hs
	}
	f.mu.Unlock()

	return hs
}

// jitteredWait blocks on the host token bucket plus randomized jitter.
func (f *Fetcher) jitteredWait(ctx context.Context, hs *hostState) error {
	if err := hs.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrRateLimited, err)
	}

	f.mu.Lock()
	jitter := (f.rng.Float64()*2 - 1) * f.cfg.DelayJitter // [-jitter, +jitter]
	f.mu.Unlock()

	extra := time.Duration(float64(hs.delay) * jitter)
	if extra <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(extra):
		return nil
	}
}

// Fetch retrieves the request under the full discipline. Transient network
// failures rotate the egress point; rate-limit responses double the backoff;
// Retry-After dominates; challenges get one solver attempt on a different
// egress point.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q: %v", shared.ErrValidationFailure, req.URL, err)
	}

	hs := f.host(ctx, u, req.Concurrency)
	if !hs.robots.allowed(u.Path) {
		return nil, fmt.Errorf("%w: %s", shared.ErrRobotsDisallowed, req.URL)
	}

	select {
	case hs.sem <- struct{}{}:
		defer func() { <-hs.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var lastErr error
	solverUsed := false
	var solverToken string

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := f.sleepBackoff(ctx, attempt, lastErr); err != nil {
				return nil, err
			}
		}

		if err := f.jitteredWait(ctx, hs); err != nil {
			return nil, err
		}

		egress, err := f.pool.Acquire()
		if err != nil {
			return nil, err // no-healthy-egress fails fast
		}

		resp, err := f.attempt(ctx, u, req, egress, solverToken)
		if err == nil {
			f.pool.ReportSuccess(egress)
			f.observe(u.Host, "ok")
			return resp, nil
		}

		lastErr = err
		switch {
		case errors.Is(err, shared.ErrTransientNetwork):
			f.pool.ReportFailure(egress, "network")
			f.observe(u.Host, "network_error")

		case errors.Is(err, shared.ErrRateLimited):
			f.observe(u.Host, "rate_limited")

		case errors.Is(err, shared.ErrForbidden):
			f.pool.MarkDirty(egress, proxy.ReasonForbidden)
			f.observe(u.Host, "forbidden")

		case errors.Is(err, shared.ErrChallenge):
			f.pool.MarkDirty(egress, proxy.ReasonChallenge)
			f.headers.Forget(u.Host)
			f.observe(u.Host, "challenge")

			if solverUsed || f.solver == nil {
				return nil, err
			}
			solverUsed = true

			var ch *challenge.Challenge
			var fe *fetchError
			if errors.As(err, &fe) {
				ch = fe.challenge
			}
			if ch == nil {
				return nil, err
			}

			token, solveErr := f.solver.Solve(ctx, ch, map[string]string{"url": req.URL}, time.Duration(f.cfg.TotalTimeout)*time.Second)
			if solveErr != nil {
				return nil, solveErr
			}
			solverToken = token
			// resubmitted once, on a different egress, next loop iteration

		default:
			// non-retriable
			f.observe(u.Host, "error")
			return nil, err
		}
	}

	return nil, fmt.Errorf("retries exhausted for %s: %w", req.URL, lastErr)
}

// fetchError carries retry metadata alongside the taxonomy sentinel.
type fetchError struct {
	err        error
	retryAfter time.Duration
	challenge  *challenge.Challenge
}

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// attempt performs one HTTP round trip and classifies the outcome.
func (f *Fetcher) attempt(ctx context.Context, u *url.URL, req Request, egress *proxy.Egress, solverToken string) (*Response, error) {
	if req.Render {
		return f.renderAttempt(ctx, req, egress)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(f.cfg.TotalTimeout)*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidationFailure, err)
	}

	httpReq.Header = f.headers.Headers(u.Host)
	if solverToken != "" {
		httpReq.Header.Set("Cookie", "challenge_token="+solverToken)
	}

	f.countHostRequest(ctx, u.Host)

	start := time.Now()
	resp, err := f.newClient(egress).Do(httpReq)
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("%w: %v", shared.ErrTransientNetwork, err)}
	}
	defer resp.Body.Close()

	if f.registry != nil {
		f.registry.HostRequestLatency.WithLabelValues(u.Host).Observe(time.Since(start).Seconds())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("%w: read body: %v", shared.ErrTransientNetwork, err)}
	}

	body, err = decodeBody(resp.Header.Get("Content-Encoding"), body)
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("%w: decode body: %v", shared.ErrTransientNetwork, err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusRequestTimeout:
		return nil, &fetchError{
			err:        fmt.Errorf("%w: upstream returned %d", shared.ErrRateLimited, resp.StatusCode),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}

	case resp.StatusCode == http.StatusForbidden:
		return nil, &fetchError{err: fmt.Errorf("%w: upstream returned 403", shared.ErrForbidden)}

	case resp.StatusCode >= 500:
		return nil, &fetchError{err: fmt.Errorf("%w: upstream returned %d", shared.ErrTransientNetwork, resp.StatusCode)}

	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: upstream returned %d for %s", shared.ErrUpstreamAPI, resp.StatusCode, req.URL)
	}

	if f.detector != nil {
		if ch := f.detector.Detect(body); ch != nil {
			return nil, &fetchError{
				err:       fmt.Errorf("%w: %s interstitial", shared.ErrChallenge, ch.Provider),
				challenge: ch,
			}
		}
	}

	return &Response{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		EgressKey:  egress.KeyOrDirect(),
	}, nil
}

// sleepBackoff applies exponential backoff base^attempt capped at the
// configured ceiling. Rate-limit failures double the delay, and an upstream
// Retry-After hint dominates everything.
func (f *Fetcher) sleepBackoff(ctx context.Context, attempt int, lastErr error) error {
	backoff := time.Duration(math.Min(
		math.Pow(f.cfg.BackoffBase, float64(attempt)),
		f.cfg.BackoffCapSeconds,
	) * float64(time.Second))

	if errors.Is(lastErr, shared.ErrRateLimited) {
		backoff *= 2
	}

	var fe *fetchError
	if errors.As(lastErr, &fe) && fe.retryAfter > 0 {
		backoff = fe.retryAfter
	}

	if backoff > time.Duration(f.cfg.BackoffCapSeconds)*time.Second {
		backoff = time.Duration(f.cfg.BackoffCapSeconds) * time.Second
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

// decodeBody reverses the Content-Encoding of a response. The header
// generator sets Accept-Encoding explicitly, which turns off the transport's
// transparent gzip handling, so decompression is the fetcher's job.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil

	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %v", err)
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, 10<<20))

	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			return io.ReadAll(io.LimitReader(zr, 10<<20))
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		return io.ReadAll(io.LimitReader(fr, 10<<20))

	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", encoding)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (f *Fetcher) observe(host, outcome string) {
	if f.registry != nil {
		f.registry.HostRequests.WithLabelValues(host, outcome).Inc()
	}
}

// countHostRequest bumps the per-host counter in the shared cache so
// operators can watch request volume across workers.
func (f *Fetcher) countHostRequest(ctx context.Context, host string) {
	if f.cache == nil {
		return
	}
	key := "setgraph:ratelimit:" + host
	pipe := f.cache.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 10*time.Minute)
	pipe.Exec(ctx) // best effort
}
