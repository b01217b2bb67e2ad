package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List the state catalog",
	Long:  "Lists every state in the catalog with its FIPS code, candidate county count and the URL of its first candidate.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("regions"); err != nil {
			return err
		}
		catalog, err := tiger.LoadCatalog(cfg.Fetch.CatalogPath)
		if err != nil {
			return err
		}
		urls, err := tiger.NewURLBuilder(cfg.Source.URLTemplate, cfg.Source.Year)
		if err != nil {
			return eris.Wrap(err, "regions")
		}
		return formatRegions(cmd.OutOrStdout(), catalog, urls)
	},
}

func init() {
	rootCmd.AddCommand(regionsCmd)
}

// formatRegions writes a tabular representation of the catalog to w.
func formatRegions(out io.Writer, catalog tiger.Catalog, urls *tiger.URLBuilder) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tABBR\tFIPS\tCOUNTIES\tCANDIDATES\tFIRST URL")
	_, _ = fmt.Fprintln(w, "----\t----\t----\t--------\t----------\t---------")

	for _, r := range catalog.Regions {
		candidates := r.Candidates()
		first := "-"
		if len(candidates) > 0 {
			u, err := urls.URL(r, candidates[0])
			if err != nil {
				return eris.Wrapf(err, "regions: %s", r.Name)
			}
			first = u
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.Name, r.Abbr, r.FIPS, r.Counties, len(candidates), first)
	}
	return w.Flush()
}
