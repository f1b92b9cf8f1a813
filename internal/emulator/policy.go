package emulator

import (
	"math"
	"time"

	"github.com/austindbirch/fngate/internal/manifest"
)

// Queue defaults used when a RetryConfig or RateLimits field is unset or reset
const (
	DefaultMaxAttempts             = 3
	DefaultMinBackoff              = 100 * time.Millisecond
	DefaultMaxBackoff              = time.Hour
	DefaultMaxDoublings            = 16
	DefaultMaxConcurrentDispatches = 1000
	DefaultMaxDispatchesPerSecond  = 500.0
)

// RetryPolicy is a RetryConfig with defaults applied
type RetryPolicy struct {
	MaxAttempts      int           // <= 0 means unlimited
	MaxRetryDuration time.Duration // zero means unlimited
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	MaxDoublings     int
}

type Limits struct {
	MaxConcurrent int
	PerSecond     float64
}

type QueuePolicy struct {
	Retry  RetryPolicy
	Limits Limits
}

func DefaultPolicy() QueuePolicy {
	return QueuePolicy{Retry: RetryPolicyFrom(nil), Limits: LimitsFrom(nil)}
}

// PolicyFrom resolves the queue policy of a task queue trigger
func PolicyFrom(tq *manifest.TaskQueueTrigger) QueuePolicy {
	if tq == nil {
		return DefaultPolicy()
	}
	return QueuePolicy{Retry: RetryPolicyFrom(tq.RetryConfig), Limits: LimitsFrom(tq.RateLimits)}
}

func RetryPolicyFrom(rc *manifest.RetryConfig) RetryPolicy {
	if rc == nil {
		rc = &manifest.RetryConfig{}
	}
	p := RetryPolicy{
		MaxAttempts:      rc.MaxAttempts.Or(DefaultMaxAttempts),
		MaxRetryDuration: time.Duration(rc.MaxRetrySeconds.Or(0)) * time.Second,
		MinBackoff:       seconds(rc.MinBackoffSeconds, DefaultMinBackoff),
		MaxBackoff:       seconds(rc.MaxBackoffSeconds, DefaultMaxBackoff),
		MaxDoublings:     rc.MaxDoublings.Or(DefaultMaxDoublings),
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = p.MinBackoff
	}
	if p.MaxDoublings < 0 {
		p.MaxDoublings = 0
	}
	return p
}

func seconds(f manifest.Field[int], def time.Duration) time.Duration {
	if v, ok := f.Get(); ok && v >= 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

func LimitsFrom(rl *manifest.RateLimits) Limits {
	if rl == nil {
		rl = &manifest.RateLimits{}
	}
	l := Limits{
		MaxConcurrent: rl.MaxConcurrentDispatches.Or(DefaultMaxConcurrentDispatches),
		PerSecond:     rl.MaxDispatchesPerSecond.Or(DefaultMaxDispatchesPerSecond),
	}
	if l.MaxConcurrent <= 0 {
		l.MaxConcurrent = DefaultMaxConcurrentDispatches
	}
	if l.PerSecond <= 0 {
		l.PerSecond = DefaultMaxDispatchesPerSecond
	}
	return l
}

// Backoff returns the delay before retry n, counting from zero. The interval
// doubles MaxDoublings times, then grows linearly, and never exceeds MaxBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	var d float64
	if n <= p.MaxDoublings {
		d = float64(p.MinBackoff) * math.Pow(2, float64(n))
	} else {
		step := float64(p.MinBackoff) * math.Pow(2, float64(p.MaxDoublings))
		d = step * float64(n-p.MaxDoublings+1)
	}
	if d > float64(p.MaxBackoff) || math.IsInf(d, 0) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Exhausted reports whether a task that has made attempts dispatches, the
// first at first, may not be tried again at now
func (p RetryPolicy) Exhausted(attempts int, first, now time.Time) bool {
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true
	}
	return p.MaxRetryDuration > 0 && !first.IsZero() && now.Sub(first) >= p.MaxRetryDuration
}
