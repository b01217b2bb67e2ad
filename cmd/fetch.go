package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/addrfeat-cli/internal/acquire"
	"github.com/sells-group/addrfeat-cli/internal/fetcher"
	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/progress"
	"github.com/sells-group/addrfeat-cli/internal/resilience"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// fetchFlags are the command-line overrides for one fetch run.
type fetchFlags struct {
	States     string
	BatchSize  int
	Force      bool
	RetryFatal bool
	OnOpen     string
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download pending ADDRFEAT county archives",
	Long: `Walks the selected states county by county and downloads every archive that is
not yet settled. Completed and known-absent counties are skipped. Interrupting
the run (Ctrl-C) finishes the in-flight request, records it and exits; the next
run resumes from the progress store.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var flags fetchFlags
		flags.States, _ = cmd.Flags().GetString("states")
		flags.BatchSize, _ = cmd.Flags().GetInt("batch-size")
		flags.Force, _ = cmd.Flags().GetBool("force")
		flags.RetryFatal, _ = cmd.Flags().GetBool("retry-fatal")
		flags.OnOpen, _ = cmd.Flags().GetString("on-open")

		return runFetch(ctx, cmd.OutOrStdout(), flags)
	},
}

func init() {
	fetchCmd.Flags().String("states", "", "comma-separated states by name, abbreviation or FIPS (default: fetch.states or the whole catalog)")
	fetchCmd.Flags().Int("batch-size", 0, "items per batch before a batch pause (default: from config)")
	fetchCmd.Flags().Bool("force", false, "re-fetch items already settled")
	fetchCmd.Flags().Bool("retry-fatal", false, "retry items previously recorded as fatal")
	fetchCmd.Flags().String("on-open", "", "behavior when the circuit opens: wait or exit (default: from config)")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(ctx context.Context, out io.Writer, flags fetchFlags) error {
	if flags.BatchSize > 0 {
		cfg.Fetch.BatchSize = flags.BatchSize
	}
	if flags.OnOpen != "" {
		cfg.Fetch.OnOpen = flags.OnOpen
	}
	if err := cfg.Validate("fetch"); err != nil {
		return err
	}

	log := zap.L().With(zap.String("command", "fetch"))

	regions, err := selectRegions(flags.States)
	if err != nil {
		return eris.Wrap(err, "fetch: select regions")
	}

	urls, err := tiger.NewURLBuilder(cfg.Source.URLTemplate, cfg.Source.Year)
	if err != nil {
		return eris.Wrap(err, "fetch")
	}
	f, err := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:         cfg.Source.UserAgent,
		Timeout:           time.Duration(cfg.Source.TimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		DataDir:           cfg.Fetch.DataDir,
		Extract:           cfg.Fetch.Extract,
		URLs:              urls,
	})
	if err != nil {
		return eris.Wrap(err, "fetch")
	}

	store, err := openStore(ctx, progress.ReadWrite)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Error("close progress store", zap.Error(cerr))
		}
	}()

	breaker := resilience.NewCircuitBreaker(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold,
		cfg.Circuit.CooldownSecs,
		cfg.Circuit.CooldownMultiplier,
		cfg.Circuit.MaxCooldownSecs,
	))
	policy := resilience.FromPolicyConfig(
		cfg.Policy.BaseDelayMs,
		cfg.Policy.RateLimitMaxSecs,
		cfg.Policy.TransientMaxSecs,
		cfg.Policy.Multiplier,
		cfg.Policy.JitterFraction,
		cfg.Policy.MaxTransientRetries,
		cfg.Policy.MaxRateLimitRetries,
		cfg.Policy.BatchPauseSecs,
		cfg.Policy.RegionPauseSecs,
	)

	orch := acquire.New(store, f, breaker, acquire.Config{
		Policy:    policy,
		Seed:      cfg.Fetch.Seed,
		BatchSize: cfg.Fetch.BatchSize,
		OnOpen:    cfg.Fetch.OnOpen,
		MaxTrips:  cfg.Fetch.MaxTrips,
	})

	log.Info("starting fetch",
		zap.Int("regions", len(regions)),
		zap.String("data_dir", cfg.Fetch.DataDir),
		zap.String("store", cfg.Store.Path),
		zap.Float64("requests_per_second", cfg.Source.RequestsPerSecond),
	)

	summary, runErr := orch.Run(ctx, acquire.RunOptions{
		Regions:      regions,
		BatchSize:    cfg.Fetch.BatchSize,
		ForceRefresh: flags.Force,
		RetryFatal:   flags.RetryFatal,
	})
	if summary != nil {
		formatRunSummary(out, summary)
	}
	if runErr != nil {
		if summary != nil && summary.Interrupted {
			_, _ = fmt.Fprintln(out, "interrupted: progress saved, rerun fetch to resume")
			return nil
		}
		return eris.Wrap(runErr, "fetch")
	}
	return nil
}

// formatRunSummary writes the per-region outcome table of a run to w.
func formatRunSummary(out io.Writer, s *acquire.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REGION\tCANDIDATES\tSKIPPED\tATTEMPTS\tSUCCESS\tNOT_FOUND\tRATE_LIMITED\tTRANSIENT\tFATAL")
	_, _ = fmt.Fprintln(w, "------\t----------\t-------\t--------\t-------\t---------\t------------\t---------\t-----")

	for _, r := range s.Regions {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Region.Name,
			r.Candidates,
			r.Skipped,
			r.Attempts,
			r.Outcomes[model.OutcomeSuccess],
			r.Outcomes[model.OutcomeNotFound],
			r.Outcomes[model.OutcomeRateLimited],
			r.Outcomes[model.OutcomeTransientFailure],
			r.Outcomes[model.OutcomeFatal],
		)
	}
	_ = w.Flush()

	elapsed := "-"
	if !s.FinishedAt.IsZero() {
		elapsed = s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()
	}
	_, _ = fmt.Fprintf(out, "run %s: %d attempts, slept %s, elapsed %s\n",
		truncate(s.RunID, 36), s.Attempts, s.Slept.Round(time.Second), elapsed)
}
