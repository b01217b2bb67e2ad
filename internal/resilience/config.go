package resilience

import (
	"time"
)

// FromPolicyConfig converts config values to a Policy. Zero values keep the
// defaults.
func FromPolicyConfig(baseDelayMs, rateLimitMaxSecs, transientMaxSecs int, multiplier, jitterFraction float64,
	maxTransientRetries, maxRateLimitRetries, batchPauseSecs, regionPauseSecs int,
) Policy {
	p := DefaultPolicy()
	if baseDelayMs > 0 {
		p.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if rateLimitMaxSecs > 0 {
		p.RateLimitMax = time.Duration(rateLimitMaxSecs) * time.Second
	}
	if transientMaxSecs > 0 {
		p.TransientMax = time.Duration(transientMaxSecs) * time.Second
	}
	if multiplier >= 1 {
		p.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		p.JitterFraction = jitterFraction
	}
	if maxTransientRetries >= 0 {
		p.MaxTransientRetries = maxTransientRetries
	}
	if maxRateLimitRetries >= 0 {
		p.MaxRateLimitRetries = maxRateLimitRetries
	}
	if batchPauseSecs >= 0 {
		p.BatchPause = time.Duration(batchPauseSecs) * time.Second
	}
	if regionPauseSecs >= 0 {
		p.RegionPause = time.Duration(regionPauseSecs) * time.Second
	}
	return p.WithDefaults()
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, cooldownSecs int, cooldownMultiplier float64, maxCooldownSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	if cooldownMultiplier > 1 {
		cfg.CooldownMultiplier = cooldownMultiplier
	}
	if maxCooldownSecs > 0 {
		cfg.MaxCooldown = time.Duration(maxCooldownSecs) * time.Second
	}
	return cfg
}
