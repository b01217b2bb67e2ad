package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/addrfeat-cli/internal/coverage"
	"github.com/sells-group/addrfeat-cli/internal/progress"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show acquisition coverage per state",
	Long: `Reports candidates, recorded outcomes, completion and drift (success records
whose archive is missing on disk) for the selected states. Reads the progress
store only; safe to run while a fetch is in progress.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		states, _ := cmd.Flags().GetString("states")
		xlsxPath, _ := cmd.Flags().GetString("xlsx")
		skipArtifacts, _ := cmd.Flags().GetBool("no-artifacts")
		return runStatus(cmd.Context(), cmd.OutOrStdout(), states, xlsxPath, skipArtifacts)
	},
}

func init() {
	statusCmd.Flags().String("states", "", "comma-separated states (default: fetch.states or the whole catalog)")
	statusCmd.Flags().String("xlsx", "", "also export the report to this .xlsx file")
	statusCmd.Flags().Bool("no-artifacts", false, "skip the on-disk drift check")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, out io.Writer, states, xlsxPath string, skipArtifacts bool) error {
	if err := cfg.Validate("status"); err != nil {
		return err
	}

	regions, err := selectRegions(states)
	if err != nil {
		return eris.Wrap(err, "status: select regions")
	}

	store, err := openStore(ctx, progress.ReadOnly)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	records, err := store.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "status: load progress")
	}

	report := coverage.Build(records, regions, store.RunID(), coverage.Options{SkipArtifacts: skipArtifacts})
	if err := coverage.RenderStatus(out, report); err != nil {
		return eris.Wrap(err, "status: render")
	}

	if xlsxPath != "" {
		if err := coverage.WriteXLSX(xlsxPath, report); err != nil {
			return eris.Wrap(err, "status")
		}
		_, _ = fmt.Fprintf(out, "wrote %s\n", xlsxPath)
	}
	return nil
}
