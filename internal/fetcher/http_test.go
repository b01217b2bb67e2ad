package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/addrfeat-cli/internal/fetcher/fetchertest"
	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/resilience"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

var arkansas = tiger.Region{Name: "arkansas", Abbr: "AR", FIPS: "05", Counties: 75}

func newTestFetcher(t *testing.T, srvURL string, extract bool) (*HTTPFetcher, string) {
	t.Helper()
	urls, err := tiger.NewURLBuilder(srvURL+"/TIGER{{.Year}}/ADDRFEAT/tl_{{.Year}}_{{.FIPS}}{{.Item}}_addrfeat.zip", 2023)
	require.NoError(t, err)

	dataDir := t.TempDir()
	f, err := NewHTTPFetcher(HTTPOptions{
		UserAgent:         "test-agent",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		DataDir:           dataDir,
		Extract:           extract,
		URLs:              urls,
	})
	require.NoError(t, err)
	return f, dataDir
}

func isTransientErr(err error) bool {
	var te *resilience.TransientError
	return errors.As(err, &te)
}

func archiveHandler(t *testing.T, features int) http.HandlerFunc {
	payload := fetchertest.ShapefileZIP(t, "tl_2023_05001_addrfeat", features)
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "/TIGER2023/ADDRFEAT/tl_2023_05001_addrfeat.zip", r.URL.Path)
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(payload)
	}
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(archiveHandler(t, 3))
	defer srv.Close()

	f, dataDir := newTestFetcher(t, srv.URL, false)
	res := f.Fetch(context.Background(), arkansas, "001")

	require.NoError(t, res.Err)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, filepath.Join(dataDir, "arkansas", "tl_2023_05001_addrfeat.zip"), res.ArtifactPath)
	assert.Positive(t, res.Bytes)

	require.NotNil(t, res.Info)
	assert.Equal(t, 3, res.Info.Features)
	assert.Equal(t, "tl_2023_05001_addrfeat.shp", res.Info.Shapefile)
	require.NotNil(t, res.Info.Bounds)
	assert.InDelta(t, -92.5, res.Info.Bounds.Min(0), 1e-9)

	_, err := os.Stat(res.ArtifactPath)
	require.NoError(t, err)
}

func TestFetch_SuccessExtracts(t *testing.T) {
	srv := httptest.NewServer(archiveHandler(t, 1))
	defer srv.Close()

	f, dataDir := newTestFetcher(t, srv.URL, true)
	res := f.Fetch(context.Background(), arkansas, "001")
	require.Equal(t, model.OutcomeSuccess, res.Outcome, "err: %v", res.Err)

	for _, ext := range []string{".shp", ".shx", ".dbf", ".prj"} {
		_, err := os.Stat(filepath.Join(dataDir, "arkansas", "tl_2023_05001_addrfeat"+ext))
		assert.NoError(t, err, ext)
	}
}

func TestFetch_NotFound(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such county", code)
		}))

		f, dataDir := newTestFetcher(t, srv.URL, false)
		res := f.Fetch(context.Background(), arkansas, "001")
		srv.Close()

		assert.Equal(t, model.OutcomeNotFound, res.Outcome, "status %d", code)
		assert.Empty(t, res.ArtifactPath)
		assert.NoError(t, res.Err)

		entries, err := os.ReadDir(filepath.Join(dataDir, "arkansas"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	}
}

func TestFetch_TooManyRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, false)
	before := f.Limiter().Limit()
	res := f.Fetch(context.Background(), arkansas, "001")

	assert.Equal(t, model.OutcomeRateLimited, res.Outcome)
	assert.Equal(t, 17*time.Second, res.RetryAfter)
	var rl *resilience.RateLimitedError
	assert.True(t, errors.As(res.Err, &rl))
	assert.Less(t, float64(f.Limiter().Limit()), float64(before))
}

func TestFetch_ServiceUnavailable(t *testing.T) {
	t.Run("with retry-after is throttling", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		f, _ := newTestFetcher(t, srv.URL, false)
		res := f.Fetch(context.Background(), arkansas, "001")
		assert.Equal(t, model.OutcomeRateLimited, res.Outcome)
		assert.Equal(t, 5*time.Second, res.RetryAfter)
	})

	t.Run("without retry-after is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		f, _ := newTestFetcher(t, srv.URL, false)
		res := f.Fetch(context.Background(), arkansas, "001")
		assert.Equal(t, model.OutcomeTransientFailure, res.Outcome)
		assert.True(t, isTransientErr(res.Err))
		assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	})
}

func TestFetch_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, false)
	res := f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, model.OutcomeTransientFailure, res.Outcome)
	assert.Contains(t, res.Err.Error(), "unexpected status 500")
}

func TestFetch_ForbiddenThrottlePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<html>Request limit exceeded for your address</html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, false)
	res := f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, model.OutcomeRateLimited, res.Outcome)
}

func TestFetch_ThrottlePageWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><h1>Too Many Requests</h1></body></html>"))
	}))
	defer srv.Close()

	f, dataDir := newTestFetcher(t, srv.URL, false)
	res := f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, model.OutcomeRateLimited, res.Outcome)
	assert.Empty(t, res.ArtifactPath)

	entries, err := os.ReadDir(filepath.Join(dataDir, "arkansas"))
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected payload must not be left on disk")
}

func TestFetch_InvalidArchiveIsTransient(t *testing.T) {
	cases := map[string][]byte{
		"html":        []byte("<html>maintenance window</html>"),
		"no shp":      fetchertest.ZIP(t, map[string]string{"readme.txt": "hello"}),
		"empty":       {},
		"cut archive": fetchertest.ShapefileZIP(t, "tl_2023_05001_addrfeat", 2)[:200],
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write(payload)
			}))
			defer srv.Close()

			f, dataDir := newTestFetcher(t, srv.URL, false)
			res := f.Fetch(context.Background(), arkansas, "001")
			assert.Equal(t, model.OutcomeTransientFailure, res.Outcome)
			assert.Error(t, res.Err)

			entries, err := os.ReadDir(filepath.Join(dataDir, "arkansas"))
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestFetch_ExtractFailureLeavesNothingBehind(t *testing.T) {
	members := fetchertest.ShapefileMembers(t, "tl_2023_05001_addrfeat", 2)
	members = append(members, fetchertest.Member{Name: "../escape.txt", Data: []byte("nope")})
	payload := fetchertest.ZIPMembers(t, members)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	f, dataDir := newTestFetcher(t, srv.URL, true)
	res := f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, model.OutcomeTransientFailure, res.Outcome)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "extract")
	assert.Empty(t, res.ArtifactPath)

	entries, err := os.ReadDir(filepath.Join(dataDir, "arkansas"))
	require.NoError(t, err)
	assert.Empty(t, entries, "neither the archive nor its members remain")
	_, err = os.Stat(filepath.Join(dataDir, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFetch_TruncatedBody(t *testing.T) {
	payload := fetchertest.ShapefileZIP(t, "tl_2023_05001_addrfeat", 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise the full archive, then drop the connection halfway.
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(payload[:len(payload)/2])
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
		}
	}))
	defer srv.Close()

	f, dataDir := newTestFetcher(t, srv.URL, false)
	res := f.Fetch(context.Background(), arkansas, "001")

	assert.Equal(t, model.OutcomeTransientFailure, res.Outcome)
	assert.True(t, isTransientErr(res.Err))
	assert.Empty(t, res.ArtifactPath)

	entries, err := os.ReadDir(filepath.Join(dataDir, "arkansas"))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial download must not remain")
}

func TestFetch_RemovesStalePartialFiles(t *testing.T) {
	srv := httptest.NewServer(archiveHandler(t, 1))
	defer srv.Close()

	f, dataDir := newTestFetcher(t, srv.URL, false)
	regionDir := filepath.Join(dataDir, "arkansas")
	require.NoError(t, os.MkdirAll(regionDir, 0o755))
	stale := filepath.Join(regionDir, ".tl_2023_05001_addrfeat.zip.part-12345")
	require.NoError(t, os.WriteFile(stale, []byte("half an archive"), 0o644))
	other := filepath.Join(regionDir, ".tl_2023_05003_addrfeat.zip.part-1")
	require.NoError(t, os.WriteFile(other, []byte("another item"), 0o644))

	res := f.Fetch(context.Background(), arkansas, "001")
	require.Equal(t, model.OutcomeSuccess, res.Outcome, "err: %v", res.Err)

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(other)
	assert.NoError(t, err, "partial files of other items are untouched")
}

func TestFetch_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	urls, err := tiger.NewURLBuilder(srv.URL+"/{{.FIPS}}{{.Item}}.zip", 2023)
	require.NoError(t, err)
	f, err := NewHTTPFetcher(HTTPOptions{
		Timeout:           50 * time.Millisecond,
		RequestsPerSecond: 1000,
		DataDir:           t.TempDir(),
		URLs:              urls,
	})
	require.NoError(t, err)

	res := f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, model.OutcomeTransientFailure, res.Outcome)
	assert.True(t, isTransientErr(res.Err))
}

func TestFetch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	f, _ := newTestFetcher(t, addr, false)
	res := f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, model.OutcomeTransientFailure, res.Outcome)
}

func TestFetch_OneRequestPerAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, false)
	_ = f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_BadTemplateIsFatal(t *testing.T) {
	urls, err := tiger.NewURLBuilder("http://example.invalid/{{.Missing}}", 2023)
	require.NoError(t, err)
	f, err := NewHTTPFetcher(HTTPOptions{DataDir: t.TempDir(), URLs: urls})
	require.NoError(t, err)

	res := f.Fetch(context.Background(), arkansas, "001")
	assert.Equal(t, model.OutcomeFatal, res.Outcome)
	assert.Error(t, res.Err)
}

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f, err := NewHTTPFetcher(HTTPOptions{DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DefaultUserAgent, f.opts.UserAgent)
	assert.Equal(t, 60*time.Second, f.opts.Timeout)
	assert.InDelta(t, 1.0, float64(f.Limiter().Limit()), 1e-9)

	_, err = NewHTTPFetcher(HTTPOptions{})
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestPrefixBuffer(t *testing.T) {
	p := &prefixBuffer{limit: 5}
	n, err := p.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = p.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "abcde", string(p.Bytes()))
	assert.False(t, strings.Contains(string(p.Bytes()), "f"))
}

// --- AdaptiveLimiter Tests ---

func TestAdaptiveLimiter_OnSuccess_RecoversToInitial(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 1)

	lim.OnRateLimit()
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.1)

	lim.OnSuccess()
	assert.InDelta(t, 6.0, float64(lim.Limit()), 0.1) // 5 * 1.2 = 6

	for range 20 {
		lim.OnSuccess()
	}
	assert.InDelta(t, 10.0, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_OnRateLimit_DecreasesRate(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 1)

	lim.OnRateLimit()
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.1) // 10 * 0.5 = 5

	lim.OnRateLimit()
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.1) // 5 * 0.5 = 2.5
}

func TestAdaptiveLimiter_OnRateLimit_FloorAtEighth(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 1)

	for range 10 {
		lim.OnRateLimit()
	}

	assert.InDelta(t, 1.25, float64(lim.Limit()), 0.01)
}

func TestAdaptiveLimiter_Wait(t *testing.T) {
	lim := NewAdaptiveLimiter(1000, 10) // Very high rate for quick test
	err := lim.Wait(context.Background())
	assert.NoError(t, err)
}

func TestAdaptiveLimiter_Wait_ContextCancelled(t *testing.T) {
	lim := NewAdaptiveLimiter(0.001, 0) // Very low rate, 0 burst
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := lim.Wait(ctx)
	assert.Error(t, err)
}
