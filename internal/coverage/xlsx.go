package coverage

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/addrfeat-cli/internal/model"
)

// Sheet names written by WriteXLSX.
const (
	SheetSummary = "Coverage"
	SheetItems   = "Items"
)

var summaryHeader = []string{
	"Region", "FIPS", "Candidates", "Observed",
	"Success", "Not Found", "Rate Limited", "Transient", "Fatal",
	"Pending", "Completion %", "Drift",
}

var itemsHeader = []string{"GEOID", "Region", "Item", "Status", "Attempts", "Last Attempt", "Artifact"}

// WriteXLSX exports the report as a workbook with a per-region summary
// sheet and a per-item sheet.
func WriteXLSX(path string, report *Report) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SheetSummary)
	if err != nil {
		return eris.Wrap(err, "xlsx: add summary sheet")
	}
	addStrings(summary.AddRow(), summaryHeader)
	for _, rr := range report.Regions {
		addRegionRow(summary.AddRow(), rr)
	}
	addRegionRow(summary.AddRow(), report.Totals())

	items, err := f.AddSheet(SheetItems)
	if err != nil {
		return eris.Wrap(err, "xlsx: add items sheet")
	}
	addStrings(items.AddRow(), itemsHeader)
	for _, rec := range report.Items {
		row := items.AddRow()
		addStrings(row, []string{rec.Item.GEOID(), rec.Item.Region, rec.Item.Item, string(rec.Status)})
		row.AddCell().SetInt(rec.Attempts)
		row.AddCell().SetString(rec.LastAttemptAt.UTC().Format(time.RFC3339))
		row.AddCell().SetString(rec.ArtifactPath)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}

func addRegionRow(row *xlsx.Row, rr RegionReport) {
	addStrings(row, []string{rr.Region.Name, rr.Region.FIPS})
	for _, n := range []int{
		rr.Candidates, rr.Observed,
		rr.Counts[model.OutcomeSuccess], rr.Counts[model.OutcomeNotFound],
		rr.Counts[model.OutcomeRateLimited], rr.Counts[model.OutcomeTransientFailure],
		rr.Counts[model.OutcomeFatal], rr.Pending(),
	} {
		row.AddCell().SetInt(n)
	}
	row.AddCell().SetFloatWithFormat(rr.Completion(), "0.0")
	row.AddCell().SetInt(rr.Drift)
}

func addStrings(row *xlsx.Row, values []string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
