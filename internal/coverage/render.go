package coverage

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/sells-group/addrfeat-cli/internal/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

// Table renders rows as aligned columns. The first row is the header.
func Table(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var b strings.Builder
	for ri, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			pad := 0
			if i < len(widths) {
				pad = widths[i] - lipgloss.Width(cell)
			}
			cells[i] = cell + strings.Repeat(" ", max(pad, 0))
		}
		line := strings.TrimRight(strings.Join(cells, "  "), " ")
		if ri == 0 {
			line = titleStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderStatus writes the coverage report as a table.
func RenderStatus(w io.Writer, report *Report) error {
	rows := [][]string{{"REGION", "FIPS", "CANDIDATES", "OBSERVED", "SUCCESS", "NOT_FOUND", "RATE_LIMITED", "TRANSIENT", "FATAL", "PENDING", "DONE", "DRIFT"}}
	for _, rr := range report.Regions {
		rows = append(rows, statusRow(rr))
	}
	total := report.Totals()
	rows = append(rows, statusRow(total))

	out := Table(rows)
	switch {
	case total.Drift > 0:
		out += warnStyle.Render(fmt.Sprintf("%d success record(s) have no artifact on disk; run validate --demote to refetch", total.Drift)) + "\n"
	case total.Pending() == 0 && total.Candidates > 0:
		out += okStyle.Render("all candidates settled") + "\n"
	}
	if total.Unknown > 0 {
		out += mutedStyle.Render(fmt.Sprintf("%d record(s) outside the candidate universe", total.Unknown)) + "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}

func statusRow(rr RegionReport) []string {
	return []string{
		rr.Region.Name,
		rr.Region.FIPS,
		fmt.Sprint(rr.Candidates),
		fmt.Sprint(rr.Observed),
		fmt.Sprint(rr.Counts[model.OutcomeSuccess]),
		fmt.Sprint(rr.Counts[model.OutcomeNotFound]),
		fmt.Sprint(rr.Counts[model.OutcomeRateLimited]),
		fmt.Sprint(rr.Counts[model.OutcomeTransientFailure]),
		fmt.Sprint(rr.Counts[model.OutcomeFatal]),
		fmt.Sprint(rr.Pending()),
		fmt.Sprintf("%.1f%%", rr.Completion()),
		fmt.Sprint(rr.Drift),
	}
}

// RenderValidation writes the validation report.
func RenderValidation(w io.Writer, report *ValidationReport) error {
	rows := [][]string{{"REGION", "CHECKED", "OK", "MISSING", "CORRUPT", "ORPHANS"}}
	for _, r := range report.Regions {
		rows = append(rows, []string{
			r.Region.Name,
			fmt.Sprint(r.Checked),
			fmt.Sprint(r.OK),
			fmt.Sprint(r.Count(ArtifactMissing)),
			fmt.Sprint(r.Count(ArtifactCorrupt)),
			fmt.Sprint(len(r.Orphans)),
		})
	}

	var b strings.Builder
	b.WriteString(Table(rows))
	for _, r := range report.Regions {
		for _, f := range r.Findings {
			line := fmt.Sprintf("%s %s %s", f.State, f.Item.Key(), f.Path)
			if f.Detail != "" {
				line += ": " + f.Detail
			}
			b.WriteString(warnStyle.Render(line) + "\n")
		}
		for _, o := range r.Orphans {
			b.WriteString(mutedStyle.Render("orphan "+o) + "\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
