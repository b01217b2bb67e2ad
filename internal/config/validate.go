package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode depends on. Modes: fetch,
// status, validate, regions.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "fetch", "status", "validate", "regions":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode != "regions" {
		switch c.Store.Driver {
		case "json", "sqlite":
		default:
			add("store.driver must be json or sqlite, got %q", c.Store.Driver)
		}
		if c.Store.Path == "" {
			add("store.path is required")
		}
	}

	if mode == "fetch" || mode == "validate" {
		if c.Fetch.DataDir == "" {
			add("fetch.data_dir is required")
		}
	}

	if mode == "validate" && (c.Validation.Concurrency < 1 || c.Validation.Concurrency > 64) {
		add("validate.concurrency must be between 1 and 64")
	}

	if mode == "fetch" {
		if c.Fetch.BatchSize < 1 || c.Fetch.BatchSize > 1000 {
			add("fetch.batch_size must be between 1 and 1000")
		}
		if c.Fetch.OnOpen != "wait" && c.Fetch.OnOpen != "exit" {
			add("fetch.on_open must be wait or exit, got %q", c.Fetch.OnOpen)
		}
		if c.Source.URLTemplate == "" {
			add("source.url_template is required")
		}
		if c.Source.RequestsPerSecond <= 0 {
			add("source.requests_per_second must be > 0")
		}
		if c.Source.TimeoutSecs <= 0 {
			add("source.timeout_secs must be > 0")
		}
		if c.Policy.BaseDelayMs <= 0 {
			add("policy.base_delay_ms must be > 0")
		}
		if c.Policy.Multiplier < 1 {
			add("policy.multiplier must be >= 1")
		}
		if c.Policy.JitterFraction < 0 || c.Policy.JitterFraction > 1 {
			add("policy.jitter_fraction must be between 0 and 1")
		}
		if c.Policy.MaxTransientRetries < 0 || c.Policy.MaxRateLimitRetries < 0 {
			add("policy retry limits must be >= 0")
		}
		if c.Circuit.FailureThreshold < 1 {
			add("circuit.failure_threshold must be >= 1")
		}
		if c.Circuit.CooldownMultiplier <= 1 {
			add("circuit.cooldown_multiplier must be > 1")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}
