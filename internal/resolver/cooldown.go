package resolver

import (
	"math/rand"
	"time"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

const (
	cooldownCapDays   = 365
	jitterSpread      = 0.1 // retry windows get +-10% so retries never stampede
	freshTrackWindow  = 30 * 24 * time.Hour
	defaultBaseDays   = 90
	labelHintBaseDays = 60
	freshBaseDays     = 45
)

// Cooldown computes when an unresolvable track should be retried. Strategies:
//
//   - fixed: the base window every time
//   - exponential: base doubling per attempt
//   - adaptive: the base shrinks when there is evidence the track will
//     become resolvable soon (a label hint, or a very recent scrape that
//     suggests an unreleased promo), and grows with failed attempts
type Cooldown struct {
	strategy    models.CooldownStrategy
	baseDays    int
	maxAttempts int
	rng         *rand.Rand
	now         func() time.Time
}

// NewCooldown builds the scheduler from config.
func NewCooldown(cfg shared.ResolverConfig) *Cooldown {
	strategy := models.CooldownStrategy(cfg.CooldownStrategy)
	switch strategy {
	case models.CooldownFixed, models.CooldownExponential, models.CooldownAdaptive:
	default:
		strategy = models.CooldownAdaptive
	}

	base := cfg.CooldownBaseDays
	if base <= 0 {
		base = defaultBaseDays
	}
	max := cfg.MaxRetryAttempts
	if max <= 0 {
		max = 5
	}

	return &Cooldown{
		strategy:    strategy,
		baseDays:    base,
		maxAttempts: max,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
}

// Evidence carries the signals the adaptive strategy reacts to.
type Evidence struct {
	// LabelHint is true when any tier produced a plausible label, which
	// usually means an upcoming release.
	LabelHint bool
	// FirstSeen is when the track was first scraped.
	FirstSeen time.Time
}

// Next returns the retry time for the given attempt count (attempts already
// made, including the one that just failed). The second return is false when
// the attempt budget is exhausted and the track should be permanently failed.
func (c *Cooldown) Next(attempts int, ev Evidence) (time.Time, bool) {
	if attempts >= c.maxAttempts {
		return time.Time{}, false
	}

	days := c.windowDays(attempts, ev)
	if days > cooldownCapDays {
		days = cooldownCapDays
	}

	jitter := 1 + jitterSpread*(2*c.rng.Float64()-1)
	window := time.Duration(days*24*jitter) * time.Hour
	return c.now().Add(window), true
}

func (c *Cooldown) windowDays(attempts int, ev Evidence) float64 {
	switch c.strategy {
	case models.CooldownFixed:
		return float64(c.baseDays)

	case models.CooldownExponential:
		days := float64(c.baseDays)
		for i := 1; i < attempts; i++ {
			days *= 2
		}
		return days

	default: // adaptive
		// A label hint is the strongest release signal and wins over
		// recency when both are present.
		base := float64(c.baseDays)
		switch {
		case ev.LabelHint:
			base = labelHintBaseDays
		case !ev.FirstSeen.IsZero() && c.now().Sub(ev.FirstSeen) < freshTrackWindow:
			base = freshBaseDays
		}
		return base * (1 + 0.5*float64(attempts))
	}
}
