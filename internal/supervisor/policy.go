package supervisor

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// DefaultDelay is the pause between a worker exit and its relaunch.
const DefaultDelay = 5 * time.Second

// Policy decides how long to wait before each relaunch. With Multiplier 1
// (the default) every restart waits exactly Delay, forever.
type Policy struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	StableAfter time.Duration // a run at least this long resets the backoff
}

// DefaultPolicy restarts after a fixed five seconds with no cap on attempts.
func DefaultPolicy() Policy {
	return Policy{
		Delay:       DefaultDelay,
		MaxDelay:    5 * time.Minute,
		Multiplier:  1,
		StableAfter: time.Minute,
	}
}

// Next returns the delay before relaunch after the given number of
// consecutive unstable exits (1 for the first).
func (p Policy) Next(consecutive int) time.Duration {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	if p.Multiplier <= 1 || consecutive <= 1 {
		return delay
	}

	next := float64(delay) * math.Pow(p.Multiplier, float64(consecutive-1))
	if p.MaxDelay > 0 && next > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(next)
}

// Stable reports whether a run lasted long enough to reset the backoff.
func (p Policy) Stable(uptime time.Duration) bool {
	return p.StableAfter > 0 && uptime >= p.StableAfter
}

// crashLoopDetector flags when restarts exceed burst per minute. It only
// informs logging; restarts continue regardless.
type crashLoopDetector struct {
	limiter *rate.Limiter
}

func newCrashLoopDetector(burst int) *crashLoopDetector {
	if burst <= 0 {
		return nil
	}
	return &crashLoopDetector{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(burst)), burst),
	}
}

// looping records a restart and reports whether the budget is exhausted.
func (d *crashLoopDetector) looping(now time.Time) bool {
	if d == nil {
		return false
	}
	return !d.limiter.AllowN(now, 1)
}
