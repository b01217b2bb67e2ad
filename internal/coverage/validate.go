package coverage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/addrfeat-cli/internal/fetcher"
	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/progress"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// ArtifactState classifies a recorded artifact.
type ArtifactState string

const (
	ArtifactOK      ArtifactState = "ok"
	ArtifactMissing ArtifactState = "missing"
	ArtifactCorrupt ArtifactState = "corrupt"
)

// Finding is one artifact that failed validation.
type Finding struct {
	Item   model.WorkItem
	Path   string
	State  ArtifactState
	Detail string
}

// RegionValidation is the validation result for one region.
type RegionValidation struct {
	Region  tiger.Region
	Checked int
	OK      int
	// Findings lists missing and corrupt artifacts, ordered by item.
	Findings []Finding
	// Orphans are archives on disk that no success record references.
	Orphans []string
}

// Count returns the number of findings in state s.
func (r RegionValidation) Count(s ArtifactState) int {
	n := 0
	for _, f := range r.Findings {
		if f.State == s {
			n++
		}
	}
	return n
}

// ValidationReport is the result of Validate.
type ValidationReport struct {
	Regions []RegionValidation
}

// Findings returns every finding across regions.
func (v *ValidationReport) Findings() []Finding {
	var out []Finding
	for _, r := range v.Regions {
		out = append(out, r.Findings...)
	}
	return out
}

// Validator re-checks recorded artifacts on local disk.
type Validator struct {
	// DataDir is the artifact root; orphans are searched under
	// DataDir/<region name>.
	DataDir string
	// Concurrency bounds how many regions are checked at once. Default: 4.
	Concurrency int
	// Check validates one archive. Defaults to fetcher.ValidateArchive.
	Check func(path string) error
}

// Validate checks the success records of regions. Only ctx cancellation and
// unreadable region directories produce an error.
func (v *Validator) Validate(ctx context.Context, records map[model.WorkItem]model.ProgressRecord, regions []tiger.Region) (*ValidationReport, error) {
	check := v.Check
	if check == nil {
		check = func(path string) error {
			_, err := fetcher.ValidateArchive(path)
			return err
		}
	}
	concurrency := v.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	byRegion := make(map[string][]model.ProgressRecord)
	for _, rec := range records {
		if rec.Status == model.OutcomeSuccess {
			byRegion[rec.Item.Region] = append(byRegion[rec.Item.Region], rec)
		}
	}

	results := make([]RegionValidation, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, region := range regions {
		g.Go(func() error {
			res, err := v.validateRegion(gctx, region, byRegion[region.FIPS], check)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &ValidationReport{Regions: results}, nil
}

func (v *Validator) validateRegion(ctx context.Context, region tiger.Region, recs []model.ProgressRecord, check func(string) error) (RegionValidation, error) {
	log := zap.L().With(zap.String("component", "coverage"), zap.String("region", region.Name))
	sort.Slice(recs, func(i, j int) bool { return recs[i].Item.Item < recs[j].Item.Item })

	res := RegionValidation{Region: region}
	referenced := make(map[string]bool, len(recs))

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "coverage: validation cancelled")
		}
		res.Checked++

		if rec.ArtifactPath == "" {
			res.Findings = append(res.Findings, Finding{Item: rec.Item, State: ArtifactMissing, Detail: "no artifact path recorded"})
			continue
		}
		referenced[filepath.Clean(rec.ArtifactPath)] = true

		if !fileExists(rec.ArtifactPath) {
			res.Findings = append(res.Findings, Finding{Item: rec.Item, Path: rec.ArtifactPath, State: ArtifactMissing})
			continue
		}
		if err := check(rec.ArtifactPath); err != nil {
			log.Warn("artifact failed validation", zap.String("item", rec.Item.Key()), zap.Error(err))
			res.Findings = append(res.Findings, Finding{Item: rec.Item, Path: rec.ArtifactPath, State: ArtifactCorrupt, Detail: err.Error()})
			continue
		}
		res.OK++
	}

	if v.DataDir != "" {
		orphans, err := findOrphans(filepath.Join(v.DataDir, region.Name), referenced)
		if err != nil {
			return res, err
		}
		res.Orphans = orphans
	}

	log.Debug("region validated",
		zap.Int("checked", res.Checked),
		zap.Int("ok", res.OK),
		zap.Int("findings", len(res.Findings)),
		zap.Int("orphans", len(res.Orphans)),
	)
	return res, nil
}

// findOrphans lists archives in dir not present in referenced. Partial
// downloads are ignored.
func findOrphans(dir string, referenced map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "coverage: read %s", dir)
	}

	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".zip") {
			continue
		}
		path := filepath.Join(dir, name)
		if !referenced[filepath.Clean(path)] {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}

// Demote resets every item with a missing or corrupt artifact so the next
// run fetches it again. It returns the number of items reset.
func Demote(ctx context.Context, store progress.Store, report *ValidationReport) (int, error) {
	log := zap.L().With(zap.String("component", "coverage"))
	n := 0
	for _, f := range report.Findings() {
		if err := store.Reset(ctx, f.Item); err != nil {
			return n, eris.Wrapf(err, "coverage: demote %s", f.Item)
		}
		log.Info("demoted drifted item", zap.String("item", f.Item.Key()), zap.String("state", string(f.State)))
		n++
	}
	return n, nil
}
