package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/resilience"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// DefaultUserAgent identifies the downloader to the remote archive.
const DefaultUserAgent = "addrfeat-cli/1.0 (research download bot)"

// sniffLen is how much of a rejected payload is inspected for rate-limit
// markers.
const sniffLen = 4096

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// Timeout bounds one attempt, including the body transfer.
	Timeout time.Duration
	// RequestsPerSecond is the hard ceiling on request rate.
	RequestsPerSecond float64
	// DataDir is the root of the per-region artifact directories.
	DataDir string
	// Extract unpacks validated archives into the region directory.
	Extract bool
	URLs    *tiger.URLBuilder
	Client  *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to the initial rate).
// On a rate-limit signal it halves the rate (down to initial/8 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate,
		minRate:     initialRate / 8,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, never above the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a throttling signal.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after throttling",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher against an HTTP(S) archive.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *AdaptiveLimiter
	log     *zap.Logger
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.DataDir == "" {
		return nil, eris.New("fetcher: data dir is required")
	}
	if opts.URLs == nil {
		b, err := tiger.NewURLBuilder("", 0)
		if err != nil {
			return nil, err
		}
		opts.URLs = b
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 2,
				MaxConnsPerHost:     2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	return &HTTPFetcher{
		client:  client,
		opts:    opts,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		log:     zap.L().With(zap.String("component", "fetcher")),
	}, nil
}

// Limiter exposes the adaptive limiter for observability.
func (f *HTTPFetcher) Limiter() *AdaptiveLimiter {
	return f.limiter
}

// RegionDir returns the directory artifacts of region are written to.
func (f *HTTPFetcher) RegionDir(region tiger.Region) string {
	return filepath.Join(f.opts.DataDir, region.Name)
}

// Fetch makes one attempt to download, validate and persist the archive for
// item within region.
func (f *HTTPFetcher) Fetch(ctx context.Context, region tiger.Region, item string) Result {
	start := time.Now()
	res := f.fetch(ctx, region, item)
	res.Duration = time.Since(start)

	switch res.Outcome {
	case model.OutcomeSuccess:
		f.limiter.OnSuccess()
	case model.OutcomeRateLimited:
		f.limiter.OnRateLimit()
	}
	return res
}

func (f *HTTPFetcher) fetch(ctx context.Context, region tiger.Region, item string) Result {
	rawURL, err := f.opts.URLs.URL(region, item)
	if err != nil {
		return Result{Outcome: model.OutcomeFatal, Err: err}
	}
	name, err := tiger.ArtifactName(rawURL)
	if err != nil {
		return Result{Outcome: model.OutcomeFatal, Err: err}
	}

	dir := f.RegionDir(region)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{Outcome: model.OutcomeFatal, Err: eris.Wrapf(err, "fetcher: create region dir %s", dir)}
	}
	removeStaleParts(dir, name)

	if err := f.limiter.Wait(ctx); err != nil {
		return transient(eris.Wrap(err, "fetcher: rate limiter wait"), 0)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{Outcome: model.OutcomeFatal, Err: eris.Wrap(err, "fetcher: create request")}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return transient(eris.Wrapf(err, "fetcher: GET %s", rawURL), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())

	switch {
	case resilience.IsNotFoundHTTPStatus(resp.StatusCode):
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, sniffLen))
		return Result{Outcome: model.OutcomeNotFound, StatusCode: resp.StatusCode}

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "":
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, sniffLen))
		return Result{
			Outcome:    model.OutcomeRateLimited,
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Err:        &resilience.RateLimitedError{StatusCode: resp.StatusCode},
		}

	case resp.StatusCode != http.StatusOK:
		head, _ := io.ReadAll(io.LimitReader(resp.Body, sniffLen))
		if resilience.HasRateLimitMarker(head) {
			return Result{
				Outcome:    model.OutcomeRateLimited,
				StatusCode: resp.StatusCode,
				RetryAfter: retryAfter,
				Err:        &resilience.RateLimitedError{StatusCode: resp.StatusCode, Reason: "throttling page"},
			}
		}
		return transient(eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
	}

	return f.persist(resp, dir, name, retryAfter)
}

// persist streams the body to a partial file, validates it and renames it
// into place.
func (f *HTTPFetcher) persist(resp *http.Response, dir, name string, retryAfter time.Duration) Result {
	status := resp.StatusCode

	tmp, err := os.CreateTemp(dir, partPrefix(name)+"*")
	if err != nil {
		return Result{Outcome: model.OutcomeFatal, StatusCode: status, Err: eris.Wrap(err, "fetcher: create partial file")}
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	head := &prefixBuffer{limit: sniffLen}
	n, copyErr := io.Copy(tmp, io.TeeReader(resp.Body, head))
	if copyErr == nil && resp.ContentLength >= 0 && n < resp.ContentLength {
		copyErr = io.ErrUnexpectedEOF
	}
	if copyErr != nil {
		_ = tmp.Close()
		cleanup()
		return transient(eris.Wrapf(copyErr, "fetcher: read body of %s after %d bytes", name, n), status)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return transient(eris.Wrap(err, "fetcher: sync partial file"), status)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return transient(eris.Wrap(err, "fetcher: close partial file"), status)
	}

	info, err := ValidateArchive(tmpPath)
	if err != nil {
		cleanup()
		if resilience.HasRateLimitMarker(head.Bytes()) {
			return Result{
				Outcome:    model.OutcomeRateLimited,
				StatusCode: status,
				Bytes:      n,
				RetryAfter: retryAfter,
				Err:        &resilience.RateLimitedError{StatusCode: status, Reason: "throttling page instead of archive"},
			}
		}
		res := transient(err, status)
		res.Bytes = n
		return res
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, final); err != nil {
		cleanup()
		return transient(eris.Wrapf(err, "fetcher: rename into %s", final), status)
	}

	if f.opts.Extract {
		if _, err := ExtractZIP(final, dir); err != nil {
			_ = os.Remove(final)
			res := transient(eris.Wrapf(err, "fetcher: extract %s", final), status)
			res.Bytes = n
			return res
		}
	}

	return Result{
		Outcome:      model.OutcomeSuccess,
		ArtifactPath: final,
		Bytes:        n,
		StatusCode:   status,
		Info:         info,
	}
}

func transient(err error, status int) Result {
	return Result{
		Outcome:    model.OutcomeTransientFailure,
		StatusCode: status,
		Err:        resilience.NewTransientError(err, status),
	}
}

// partPrefix is the name prefix of in-progress downloads of artifact name.
func partPrefix(name string) string {
	return "." + name + ".part-"
}

// removeStaleParts deletes partial files left by an earlier killed attempt.
func removeStaleParts(dir, name string) {
	matches, err := filepath.Glob(filepath.Join(dir, partPrefix(name)+"*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			zap.L().Debug("fetcher: removed stale partial file", zap.String("path", m))
		}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// prefixBuffer keeps the first limit bytes written to it.
type prefixBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (p *prefixBuffer) Write(b []byte) (int, error) {
	if room := p.limit - p.buf.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		p.buf.Write(b[:room])
	}
	return len(b), nil
}

func (p *prefixBuffer) Bytes() []byte {
	return p.buf.Bytes()
}
