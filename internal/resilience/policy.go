package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/sells-group/addrfeat-cli/internal/model"
)

// Policy is the pacing schedule. Delay and Pause are pure functions of their
// inputs; randomness is supplied by the caller.
type Policy struct {
	// BaseDelay separates every pair of requests regardless of outcome.
	// Default: 2s.
	BaseDelay time.Duration

	// Multiplier scales the delay per consecutive failure of one kind.
	// Default: 2.0.
	Multiplier float64

	// RateLimitMax caps the delay after rate-limit signals. Default: 60s.
	RateLimitMax time.Duration

	// TransientMax caps the delay after transient failures. Default: 30s.
	TransientMax time.Duration

	// JitterFraction perturbs every delay by up to ±fraction. Default: 0.2.
	JitterFraction float64

	// MaxTransientRetries is the number of retries after a transient failure
	// before the item is recorded fatal. Default: 3.
	MaxTransientRetries int

	// MaxRateLimitRetries is the number of retries after rate-limit signals
	// before the item is left for a later run. Default: 6.
	MaxRateLimitRetries int

	// BatchPause is added between batches of items. Default: 60s.
	BatchPause time.Duration

	// RegionPause is added between regions. Default: 150s.
	RegionPause time.Duration
}

// DefaultPolicy returns the conservative schedule used against the Census
// archive.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:           2 * time.Second,
		Multiplier:          2.0,
		RateLimitMax:        60 * time.Second,
		TransientMax:        30 * time.Second,
		JitterFraction:      0.2,
		MaxTransientRetries: 3,
		MaxRateLimitRetries: 6,
		BatchPause:          60 * time.Second,
		RegionPause:         150 * time.Second,
	}
}

// WithDefaults fills zero or invalid fields. A negative jitter or pause
// disables it.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RateLimitMax <= 0 {
		p.RateLimitMax = def.RateLimitMax
	}
	if p.TransientMax <= 0 {
		p.TransientMax = def.TransientMax
	}
	if p.RateLimitMax < p.BaseDelay {
		p.RateLimitMax = p.BaseDelay
	}
	if p.TransientMax < p.BaseDelay {
		p.TransientMax = p.BaseDelay
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction > 1 {
		p.JitterFraction = 1
	}
	if p.MaxTransientRetries < 0 {
		p.MaxTransientRetries = def.MaxTransientRetries
	}
	if p.MaxRateLimitRetries < 0 {
		p.MaxRateLimitRetries = def.MaxRateLimitRetries
	}
	if p.BatchPause < 0 {
		p.BatchPause = 0
	}
	if p.RegionPause < 0 {
		p.RegionPause = 0
	}
	return p
}

// Delay returns the wait before the next request after an attempt that ended
// with kind. streak is the number of consecutive outcomes of that kind for the
// current item (1 for the first). u in [-1, 1] selects the jitter.
func (p Policy) Delay(kind model.Outcome, streak int, u float64) time.Duration {
	base := float64(p.BaseDelay)

	var ceiling float64
	switch kind {
	case model.OutcomeRateLimited:
		ceiling = float64(p.RateLimitMax)
	case model.OutcomeTransientFailure:
		ceiling = float64(p.TransientMax)
	default:
		return p.jitter(base, u)
	}

	if streak < 1 {
		streak = 1
	}
	delay := base * math.Pow(p.Multiplier, float64(streak))
	if delay > ceiling || math.IsInf(delay, 1) {
		delay = ceiling
	}
	return p.jitter(delay, u)
}

// Pause jitters one of the fixed batch or region pauses.
func (p Policy) Pause(d time.Duration, u float64) time.Duration {
	if d <= 0 {
		return 0
	}
	return p.jitter(float64(d), u)
}

// Cap returns the longest delay the policy allows for kind, before jitter.
func (p Policy) Cap(kind model.Outcome) time.Duration {
	switch kind {
	case model.OutcomeRateLimited:
		return p.RateLimitMax
	case model.OutcomeTransientFailure:
		return p.TransientMax
	default:
		return p.BaseDelay
	}
}

func (p Policy) jitter(delay, u float64) time.Duration {
	if u < -1 {
		u = -1
	}
	if u > 1 {
		u = 1
	}
	delay += delay * p.JitterFraction * u
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Backoff pairs a policy with a seeded random stream.
type Backoff struct {
	Policy Policy
	rng    *rand.Rand
}

// NewBackoff seeds the jitter stream. A zero seed derives one from the clock.
func NewBackoff(p Policy, seed uint64) *Backoff {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Backoff{
		Policy: p.WithDefaults(),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next returns the jittered delay after an attempt.
func (b *Backoff) Next(kind model.Outcome, streak int) time.Duration {
	return b.Policy.Delay(kind, streak, b.draw())
}

// Pause returns a jittered fixed pause.
func (b *Backoff) Pause(d time.Duration) time.Duration {
	return b.Policy.Pause(d, b.draw())
}

func (b *Backoff) draw() float64 {
	return b.rng.Float64()*2 - 1
}
