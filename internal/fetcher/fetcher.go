// Package fetcher performs single download attempts for work items and
// classifies their outcome.
package fetcher

import (
	"context"
	"time"

	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// Fetcher makes exactly one attempt to acquire one item. It never retries;
// pacing and retries belong to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, region tiger.Region, item string) Result
}

// Result describes one attempt.
type Result struct {
	Outcome      model.Outcome
	ArtifactPath string
	Bytes        int64
	StatusCode   int
	// RetryAfter is the server's requested wait, zero when absent.
	RetryAfter time.Duration
	Info       *ArchiveInfo
	Duration   time.Duration
	// Err carries the cause for failure outcomes.
	Err error
}
