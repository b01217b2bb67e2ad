package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/addrfeat-cli/internal/coverage"
	"github.com/sells-group/addrfeat-cli/internal/progress"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-check downloaded archives against the progress store",
	Long: `Re-opens every archive recorded as a success and classifies it as ok, missing
or corrupt, and lists archives on disk that no success record references.
With --demote, missing and corrupt items are reset so the next fetch downloads
them again. Without --demote the command exits non-zero when problems are found.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		states, _ := cmd.Flags().GetString("states")
		demote, _ := cmd.Flags().GetBool("demote")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		return runValidate(cmd.Context(), cmd.OutOrStdout(), states, demote, concurrency)
	},
}

func init() {
	validateCmd.Flags().String("states", "", "comma-separated states (default: fetch.states or the whole catalog)")
	validateCmd.Flags().Bool("demote", false, "reset missing and corrupt items so they are fetched again")
	validateCmd.Flags().Int("concurrency", 0, "states checked in parallel (default: from config)")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(ctx context.Context, out io.Writer, states string, demote bool, concurrency int) error {
	if concurrency > 0 {
		cfg.Validation.Concurrency = concurrency
	}
	if err := cfg.Validate("validate"); err != nil {
		return err
	}

	regions, err := selectRegions(states)
	if err != nil {
		return eris.Wrap(err, "validate: select regions")
	}

	mode := progress.ReadOnly
	if demote {
		mode = progress.ReadWrite
	}
	store, err := openStore(ctx, mode)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	records, err := store.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "validate: load progress")
	}

	v := &coverage.Validator{DataDir: cfg.Fetch.DataDir, Concurrency: cfg.Validation.Concurrency}
	report, err := v.Validate(ctx, records, regions)
	if err != nil {
		return eris.Wrap(err, "validate")
	}
	if err := coverage.RenderValidation(out, report); err != nil {
		return eris.Wrap(err, "validate: render")
	}

	findings := len(report.Findings())
	if findings == 0 {
		return nil
	}
	if !demote {
		return eris.Errorf("validate: %d artifact(s) missing or corrupt; rerun with --demote to refetch", findings)
	}

	n, err := coverage.Demote(ctx, store, report)
	if err != nil {
		return eris.Wrap(err, "validate")
	}
	zap.L().Info("demoted drifted items", zap.String("command", "validate"), zap.Int("items", n))
	_, _ = fmt.Fprintf(out, "demoted %d item(s); the next fetch downloads them again\n", n)
	return nil
}
