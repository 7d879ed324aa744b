package resolver

import (
	"math/rand"
	"testing"
	"time"

	"github.com/desertthunder/setgraph/internal/models"
	"github.com/desertthunder/setgraph/internal/shared"
)

func fixedClock() time.Time {
	return time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
}

func testCooldown(strategy string) *Cooldown {
	c := NewCooldown(shared.ResolverConfig{
		CooldownStrategy: strategy,
		CooldownBaseDays: 90,
		MaxRetryAttempts: 5,
	})
	c.now = fixedClock
	c.rng = rand.New(rand.NewSource(1))
	return c
}

func days(t time.Time) float64 {
	return t.Sub(fixedClock()).Hours() / 24
}

func TestCooldown(t *testing.T) {
	t.Run("FixedIgnoresAttempts", func(t *testing.T) {
		c := testCooldown("fixed")
		for _, attempts := range []int{1, 2, 4} {
			at, ok := c.Next(attempts, Evidence{})
			if !ok {
				t.Fatalf("attempt %d should be retryable", attempts)
			}
			if d := days(at); d < 81 || d > 99 {
				t.Errorf("fixed window with jitter must stay within [81,99] days, got %f", d)
			}
		}
	})

	t.Run("ExponentialDoubles", func(t *testing.T) {
		c := testCooldown("exponential")
		at1, _ := c.Next(1, Evidence{})
		at2, _ := c.Next(2, Evidence{})
		// 90 and 180 days before jitter.
		if d := days(at1); d < 81 || d > 99 {
			t.Errorf("first window out of range: %f", d)
		}
		if d := days(at2); d < 162 || d > 198 {
			t.Errorf("second window out of range: %f", d)
		}
	})

	t.Run("AdaptiveLabelHintWindow", func(t *testing.T) {
		// A label hint shrinks the base to 60 days; two attempts scale it by
		// 2x to 120, and jitter keeps it inside [108,132].
		c := testCooldown("adaptive")
		for i := 0; i < 200; i++ {
			at, ok := c.Next(2, Evidence{LabelHint: true})
			if !ok {
				t.Fatal("attempt 2 of 5 should be retryable")
			}
			if d := days(at); d < 108 || d > 132 {
				t.Fatalf("adaptive label-hint window out of [108,132]: %f", d)
			}
		}
	})

	t.Run("LabelHintWinsOverRecency", func(t *testing.T) {
		c := testCooldown("adaptive")
		both := Evidence{
			LabelHint: true,
			FirstSeen: fixedClock().Add(-10 * 24 * time.Hour),
		}
		for i := 0; i < 200; i++ {
			at, _ := c.Next(2, both)
			if d := days(at); d < 108 || d > 132 {
				t.Fatalf("label hint must set the base even for fresh tracks, got %f", d)
			}
		}
	})

	t.Run("AdaptiveFreshTrackShrinksFurther", func(t *testing.T) {
		c := testCooldown("adaptive")
		fresh := Evidence{FirstSeen: fixedClock().Add(-10 * 24 * time.Hour)}
		at, _ := c.Next(1, fresh)
		// 45 * 1.5 = 67.5 days before jitter.
		if d := days(at); d < 60 || d > 75 {
			t.Errorf("fresh-track window out of range: %f", d)
		}
	})

	t.Run("JitterActuallyVaries", func(t *testing.T) {
		c := testCooldown("fixed")
		seen := map[time.Time]bool{}
		for i := 0; i < 50; i++ {
			at, _ := c.Next(1, Evidence{})
			seen[at] = true
		}
		if len(seen) < 10 {
			t.Errorf("jitter should spread retry times, saw %d distinct values", len(seen))
		}
	})

	t.Run("JitterDistributionCentersOnBase", func(t *testing.T) {
		c := testCooldown("fixed")
		const samples = 2000
		var sum float64
		for i := 0; i < samples; i++ {
			at, ok := c.Next(1, Evidence{})
			if !ok {
				t.Fatal("attempt 1 of 5 should be retryable")
			}
			d := days(at)
			if d < 81 || d > 99 {
				t.Fatalf("sample outside the 10%% jitter band: %f", d)
			}
			sum += d
		}
		// Uniform jitter on a 90-day base: at this sample size the mean
		// stays well inside 2% of the base unless the spread is biased.
		if mean := sum / samples; mean < 88.2 || mean > 91.8 {
			t.Errorf("jitter is biased: mean %f days", mean)
		}
	})

	t.Run("AttemptBudgetExhausts", func(t *testing.T) {
		c := testCooldown("adaptive")
		if _, ok := c.Next(5, Evidence{}); ok {
			t.Error("attempt 5 of 5 must be permanent failure")
		}
	})

	t.Run("CapAt365Days", func(t *testing.T) {
		c := testCooldown("exponential")
		at, ok := c.Next(4, Evidence{})
		if !ok {
			t.Fatal("attempt 4 should be retryable")
		}
		// 90 * 2^3 = 720 days, capped at 365 before jitter.
		if d := days(at); d > 365*1.1 {
			t.Errorf("window must cap at 365 days before jitter, got %f", d)
		}
	})

	t.Run("UnknownStrategyFallsBackToAdaptive", func(t *testing.T) {
		c := NewCooldown(shared.ResolverConfig{CooldownStrategy: "lunar"})
		if c.strategy != models.CooldownAdaptive {
			t.Errorf("expected adaptive fallback, got %s", c.strategy)
		}
	})
}
