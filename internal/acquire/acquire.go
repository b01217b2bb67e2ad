// Package acquire drives paced, resumable acquisition of work items across
// regions, honoring the backoff policy and the circuit breaker.
package acquire

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/addrfeat-cli/internal/fetcher"
	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/progress"
	"github.com/sells-group/addrfeat-cli/internal/resilience"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// Behaviors when the circuit is open.
const (
	OnOpenWait = "wait"
	OnOpenExit = "exit"
)

// DefaultBatchSize is the number of items between batch pauses.
const DefaultBatchSize = 15

// Config controls pacing of a run.
type Config struct {
	Policy resilience.Policy
	// Seed seeds the jitter stream; 0 derives one from the clock.
	Seed uint64
	// BatchSize is used when RunOptions.BatchSize is zero.
	BatchSize int
	// OnOpen is OnOpenWait or OnOpenExit.
	OnOpen string
	// MaxTrips aborts a waiting run once it has waited out this many circuit
	// openings. Default: 5.
	MaxTrips int
}

// RunOptions selects what a run acquires.
type RunOptions struct {
	Regions      []tiger.Region
	BatchSize    int
	ForceRefresh bool
	RetryFatal   bool
}

// RegionSummary reports one region of a run.
type RegionSummary struct {
	Region     tiger.Region
	Candidates int
	Skipped    int
	Attempts   int
	// Outcomes counts the final outcome of each item attempted in this run.
	Outcomes map[model.Outcome]int
}

// Summary reports a run.
type Summary struct {
	RunID       string
	Regions     []RegionSummary
	Attempts    int
	Slept       time.Duration
	Interrupted bool
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Totals sums final outcomes across regions.
func (s *Summary) Totals() map[model.Outcome]int {
	out := make(map[model.Outcome]int, len(model.Outcomes))
	for _, r := range s.Regions {
		for o, n := range r.Outcomes {
			out[o] += n
		}
	}
	return out
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the sleep used for all delays.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces the time source used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger replaces the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// Orchestrator runs acquisition with a single logical worker.
type Orchestrator struct {
	store   progress.Store
	fetcher fetcher.Fetcher
	breaker *resilience.CircuitBreaker
	cfg     Config
	backoff *resilience.Backoff
	sleep   SleepFunc
	now     func() time.Time
	log     *zap.Logger
}

// New creates an Orchestrator.
func New(store progress.Store, f fetcher.Fetcher, breaker *resilience.CircuitBreaker, cfg Config, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.OnOpen != OnOpenExit {
		cfg.OnOpen = OnOpenWait
	}
	if cfg.MaxTrips <= 0 {
		cfg.MaxTrips = 5
	}
	cfg.Policy = cfg.Policy.WithDefaults()

	o := &Orchestrator{
		store:   store,
		fetcher: f,
		breaker: breaker,
		cfg:     cfg,
		backoff: resilience.NewBackoff(cfg.Policy, cfg.Seed),
		sleep:   sleepContext,
		now:     time.Now,
		log:     zap.L(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(zap.String("component", "acquire"), zap.String("run_id", store.RunID()))
	return o
}

// run holds the mutable state of one Run call.
type run struct {
	opts      RunOptions
	summary   *Summary
	records   map[model.WorkItem]model.ProgressRecord
	pending   time.Duration
	attempted bool
	waits     int
	lastState resilience.CircuitState
}

// Run acquires every pending item of the selected regions. A cancelled ctx
// stops the run after the in-flight attempt is recorded; the partial summary
// is returned with an error wrapping the context error.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (summary *Summary, err error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = o.cfg.BatchSize
	}

	r := &run{
		opts: opts,
		summary: &Summary{
			RunID:     o.store.RunID(),
			StartedAt: o.now(),
		},
	}
	defer func() {
		r.summary.FinishedAt = o.now()
		if saveErr := o.saveCircuit(context.WithoutCancel(ctx)); saveErr != nil && err == nil {
			err = saveErr
		}
	}()

	records, err := o.store.Load(ctx)
	if err != nil {
		return r.summary, eris.Wrap(err, "acquire: load progress")
	}
	r.records = records

	snap, err := o.store.LoadCircuit(ctx)
	if err != nil {
		return r.summary, eris.Wrap(err, "acquire: load circuit")
	}
	if snap != nil {
		o.breaker.Restore(*snap)
	}
	_, r.lastState, _ = o.breaker.Counters()

	o.log.Info("acquisition run starting",
		zap.Int("regions", len(opts.Regions)),
		zap.Int("known_records", len(records)),
		zap.Int("batch_size", opts.BatchSize),
		zap.Bool("force_refresh", opts.ForceRefresh),
		zap.Bool("retry_fatal", opts.RetryFatal),
		zap.String("circuit", r.lastState.String()),
	)

	for _, region := range opts.Regions {
		err := o.runRegion(ctx, r, region)
		if err != nil {
			if isInterruption(ctx, err) {
				r.summary.Interrupted = true
				o.log.Warn("acquisition interrupted, progress saved",
					zap.Int("attempts", r.summary.Attempts),
				)
				return r.summary, eris.Wrap(err, "acquire: run interrupted")
			}
			return r.summary, err
		}
	}

	totals := r.summary.Totals()
	o.log.Info("acquisition run complete",
		zap.Int("attempts", r.summary.Attempts),
		zap.Int("success", totals[model.OutcomeSuccess]),
		zap.Int("not_found", totals[model.OutcomeNotFound]),
		zap.Int("rate_limited", totals[model.OutcomeRateLimited]),
		zap.Int("fatal", totals[model.OutcomeFatal]),
		zap.Duration("slept", r.summary.Slept),
	)
	return r.summary, nil
}

func isInterruption(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// plan returns the candidates of region that this run attempts.
func (o *Orchestrator) plan(r *run, region tiger.Region, rs *RegionSummary) []string {
	candidates := region.Candidates()
	rs.Candidates = len(candidates)

	work := make([]string, 0, len(candidates))
	for _, code := range candidates {
		rec, ok := r.records[model.WorkItem{Region: region.FIPS, Item: code}]
		if ok && !r.opts.ForceRefresh {
			if rec.Status.IsSettled() || (rec.Status == model.OutcomeFatal && !r.opts.RetryFatal) {
				rs.Skipped++
				continue
			}
		}
		work = append(work, code)
	}
	return work
}

func (o *Orchestrator) runRegion(ctx context.Context, r *run, region tiger.Region) error {
	r.summary.Regions = append(r.summary.Regions, RegionSummary{
		Region:   region,
		Outcomes: make(map[model.Outcome]int),
	})
	rs := &r.summary.Regions[len(r.summary.Regions)-1]

	work := o.plan(r, region, rs)
	log := o.log.With(zap.String("region", region.Name), zap.String("fips", region.FIPS))
	log.Info("region planned",
		zap.Int("candidates", rs.Candidates),
		zap.Int("skipped", rs.Skipped),
		zap.Int("pending", len(work)),
	)
	if len(work) == 0 {
		return nil
	}

	if r.attempted {
		r.pending += o.backoff.Pause(o.cfg.Policy.RegionPause)
	}

	for bi, batch := range chunk(work, r.opts.BatchSize) {
		if bi > 0 {
			r.pending += o.backoff.Pause(o.cfg.Policy.BatchPause)
		}
		log.Info("batch starting",
			zap.Int("batch", bi+1),
			zap.Int("items", len(batch)),
		)
		for _, item := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := o.acquireItem(ctx, r, rs, region, item, log); err != nil {
				return err
			}
		}
	}

	log.Info("region finished",
		zap.Int("attempts", rs.Attempts),
		zap.Int("success", rs.Outcomes[model.OutcomeSuccess]),
		zap.Int("not_found", rs.Outcomes[model.OutcomeNotFound]),
		zap.Int("rate_limited", rs.Outcomes[model.OutcomeRateLimited]),
		zap.Int("fatal", rs.Outcomes[model.OutcomeFatal]),
	)
	return nil
}

// acquireItem attempts one item until it reaches a final outcome for this run.
func (o *Orchestrator) acquireItem(ctx context.Context, r *run, rs *RegionSummary, region tiger.Region, code string, log *zap.Logger) error {
	item := model.WorkItem{Region: region.FIPS, Item: code}
	persistCtx := context.WithoutCancel(ctx)

	if rec, ok := r.records[item]; ok && r.opts.ForceRefresh && rec.Status.IsSettled() {
		if err := o.store.Reset(persistCtx, item); err != nil {
			return eris.Wrapf(err, "acquire: reset %s", item)
		}
		delete(r.records, item)
	}

	var rateLimited, transient int
	var prevDelay time.Duration
	for {
		if err := o.gate(ctx, r); err != nil {
			return err
		}

		res := o.fetcher.Fetch(persistCtx, region, code)
		r.attempted = true
		r.summary.Attempts++
		rs.Attempts++

		o.breaker.Record(res.Outcome)

		recorded := res.Outcome
		final := true
		var delay time.Duration
		switch res.Outcome {
		case model.OutcomeRateLimited:
			rateLimited++
			transient = 0
			delay = o.backoff.Next(model.OutcomeRateLimited, rateLimited)
			if res.RetryAfter > delay {
				delay = min(res.RetryAfter, o.cfg.Policy.RateLimitMax)
			}
			// Jitter must not shorten the wait within a run of the same kind.
			if rateLimited > 1 {
				delay = max(delay, prevDelay)
			}
			final = rateLimited > o.cfg.Policy.MaxRateLimitRetries
		case model.OutcomeTransientFailure:
			transient++
			rateLimited = 0
			delay = o.backoff.Next(model.OutcomeTransientFailure, transient)
			if transient > 1 {
				delay = max(delay, prevDelay)
			}
			if transient > o.cfg.Policy.MaxTransientRetries {
				recorded = model.OutcomeFatal
			} else {
				final = false
			}
		default:
			delay = o.backoff.Next(res.Outcome, 1)
		}

		rec, err := o.store.Record(persistCtx, item, recorded, res.ArtifactPath)
		if err != nil {
			return eris.Wrapf(err, "acquire: record %s", item)
		}
		r.records[item] = rec
		r.pending = delay
		prevDelay = delay

		if err := o.checkTransition(persistCtx, r); err != nil {
			return err
		}

		fields := []zap.Field{
			zap.String("item", item.Key()),
			zap.String("outcome", string(recorded)),
			zap.Int("status", res.StatusCode),
			zap.Int("attempts", rec.Attempts),
			zap.Int64("bytes", res.Bytes),
			zap.Duration("took", res.Duration),
			zap.Duration("next_delay", delay),
		}
		if res.Err != nil {
			fields = append(fields, zap.Error(res.Err))
		}
		switch {
		case recorded == model.OutcomeFatal:
			fatal := &resilience.FatalItemError{Item: item, Attempts: rec.Attempts, Err: res.Err}
			log.Error("item failed permanently", append(fields, zap.NamedError("fatal", fatal))...)
		case recorded.IsFailure():
			log.Warn("attempt failed", fields...)
		default:
			log.Info("attempt finished", fields...)
		}

		if final {
			rs.Outcomes[recorded]++
			return nil
		}
		if err := ctx.Err(); err != nil {
			rs.Outcomes[recorded]++
			return err
		}
	}
}

// gate waits for the circuit to admit a request, then sleeps the pending
// delay.
func (o *Orchestrator) gate(ctx context.Context, r *run) error {
	for {
		if o.breaker.State() == resilience.CircuitOpen {
			remaining := o.breaker.Remaining()
			failures, _, trips := o.breaker.Counters()
			openErr := &resilience.CircuitOpenError{Remaining: remaining, Failures: failures, Trips: trips}

			if err := o.saveCircuit(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			if o.cfg.OnOpen == OnOpenExit {
				o.log.Warn("circuit open, exiting", zap.Duration("remaining", remaining), zap.Int("trips", trips))
				return eris.Wrap(openErr, "acquire: remote source unavailable")
			}
			if r.waits >= o.cfg.MaxTrips {
				o.log.Error("circuit keeps reopening, giving up", zap.Int("trips", trips))
				return eris.Wrap(openErr, "acquire: remote source unavailable")
			}

			o.log.Warn("circuit open, waiting for cooldown",
				zap.Duration("remaining", remaining),
				zap.Int("consecutive_failures", failures),
				zap.Int("trips", trips),
			)
			r.waits++
			if err := o.doSleep(ctx, r, remaining); err != nil {
				return err
			}
			r.pending = max(r.pending-remaining, 0)
			continue
		}

		if err := o.doSleep(ctx, r, r.pending); err != nil {
			return err
		}
		r.pending = 0

		if err := o.breaker.Allow(); err != nil {
			if !errors.Is(err, resilience.ErrCircuitOpen) {
				return err
			}
			continue
		}
		return o.checkTransition(context.WithoutCancel(ctx), r)
	}
}

func (o *Orchestrator) doSleep(ctx context.Context, r *run, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if err := o.sleep(ctx, d); err != nil {
		return err
	}
	r.summary.Slept += d
	return nil
}

// checkTransition persists the circuit when its state changed.
func (o *Orchestrator) checkTransition(ctx context.Context, r *run) error {
	_, state, trips := o.breaker.Counters()
	if state == r.lastState {
		return nil
	}
	o.log.Info("circuit state changed",
		zap.String("from", r.lastState.String()),
		zap.String("to", state.String()),
		zap.Int("trips", trips),
		zap.Duration("cooldown", o.breaker.Cooldown()),
	)
	r.lastState = state
	return o.saveCircuit(ctx)
}

func (o *Orchestrator) saveCircuit(ctx context.Context) error {
	if err := o.store.SaveCircuit(ctx, o.breaker.Snapshot()); err != nil {
		return eris.Wrap(err, "acquire: save circuit")
	}
	return nil
}

func chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
