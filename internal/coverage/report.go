// Package coverage summarizes acquisition progress and checks recorded
// artifacts against the filesystem. It never touches the network.
package coverage

import (
	"os"
	"sort"
	"time"

	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// RegionReport is the coverage of one region.
type RegionReport struct {
	Region     tiger.Region
	Candidates int
	// Observed is the number of candidates with a progress record.
	Observed int
	Counts   map[model.Outcome]int
	// Drift counts success records whose artifact is missing from disk.
	Drift int
	// Unknown counts records outside the region's candidate universe.
	Unknown int
}

// Settled returns the number of candidates that will not be fetched again.
func (r RegionReport) Settled() int {
	return r.Counts[model.OutcomeSuccess] + r.Counts[model.OutcomeNotFound]
}

// Pending returns the number of candidates a plain run would attempt.
func (r RegionReport) Pending() int {
	return r.Candidates - r.Settled() - r.Counts[model.OutcomeFatal]
}

// Completion is the settled share of candidates, in percent.
func (r RegionReport) Completion() float64 {
	if r.Candidates == 0 {
		return 100
	}
	return float64(r.Settled()) * 100 / float64(r.Candidates)
}

// Report is a point-in-time coverage report.
type Report struct {
	GeneratedAt time.Time
	RunID       string
	Regions     []RegionReport
	// Items holds the records of the selected regions, ordered by key.
	Items []model.ProgressRecord
}

// Totals aggregates all regions into one row.
func (r *Report) Totals() RegionReport {
	total := RegionReport{
		Region: tiger.Region{Name: "total"},
		Counts: make(map[model.Outcome]int, len(model.Outcomes)),
	}
	for _, rr := range r.Regions {
		total.Candidates += rr.Candidates
		total.Observed += rr.Observed
		total.Drift += rr.Drift
		total.Unknown += rr.Unknown
		for o, n := range rr.Counts {
			total.Counts[o] += n
		}
	}
	return total
}

// Options controls Build.
type Options struct {
	// SkipArtifacts disables the on-disk drift check.
	SkipArtifacts bool
	// Exists reports whether an artifact is present. Defaults to os.Stat.
	Exists func(path string) bool
	Now    func() time.Time
}

// Build derives a report from store records for the given regions.
func Build(records map[model.WorkItem]model.ProgressRecord, regions []tiger.Region, runID string, opts Options) *Report {
	if opts.Exists == nil {
		opts.Exists = fileExists
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	byRegion := make(map[string][]model.ProgressRecord)
	for _, rec := range records {
		byRegion[rec.Item.Region] = append(byRegion[rec.Item.Region], rec)
	}

	report := &Report{GeneratedAt: opts.Now(), RunID: runID}
	for _, region := range regions {
		candidates := region.Candidates()
		universe := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			universe[c] = true
		}

		rr := RegionReport{
			Region:     region,
			Candidates: len(candidates),
			Counts:     make(map[model.Outcome]int, len(model.Outcomes)),
		}
		for _, rec := range byRegion[region.FIPS] {
			report.Items = append(report.Items, rec)
			if !universe[rec.Item.Item] {
				rr.Unknown++
				continue
			}
			rr.Observed++
			rr.Counts[rec.Status]++
			if rec.Status == model.OutcomeSuccess && !opts.SkipArtifacts {
				if rec.ArtifactPath == "" || !opts.Exists(rec.ArtifactPath) {
					rr.Drift++
				}
			}
		}
		report.Regions = append(report.Regions, rr)
	}

	sort.Slice(report.Items, func(i, j int) bool {
		return report.Items[i].Item.Key() < report.Items[j].Item.Key()
	})
	return report
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
