package coverage

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/addrfeat-cli/internal/model"
	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegion(name, fips string, counties int) tiger.Region {
	return tiger.Region{Name: name, FIPS: fips, Counties: counties, MaxCode: 2*counties - 1, OddOnly: true}
}

func record(key string, status model.Outcome, path string) model.ProgressRecord {
	item, err := model.ParseWorkItemKey(key)
	if err != nil {
		panic(err)
	}
	return model.ProgressRecord{Item: item, Status: status, Attempts: 1, LastAttemptAt: testNow, ArtifactPath: path}
}

func recordMap(recs ...model.ProgressRecord) map[model.WorkItem]model.ProgressRecord {
	out := make(map[model.WorkItem]model.ProgressRecord, len(recs))
	for _, r := range recs {
		out[r.Item] = r
	}
	return out
}

func sampleRecords() map[model.WorkItem]model.ProgressRecord {
	return recordMap(
		record("05/001", model.OutcomeSuccess, "/data/arkansas/a.zip"),
		record("05/003", model.OutcomeSuccess, "/data/arkansas/gone.zip"),
		record("05/005", model.OutcomeNotFound, ""),
		record("05/007", model.OutcomeRateLimited, ""),
		record("05/009", model.OutcomeFatal, ""),
		record("05/002", model.OutcomeNotFound, ""),
		record("47/001", model.OutcomeSuccess, "/data/tennessee/b.zip"),
	)
}

func existsExcept(missing ...string) func(string) bool {
	return func(path string) bool {
		for _, m := range missing {
			if path == m {
				return false
			}
		}
		return true
	}
}

func TestBuild(t *testing.T) {
	regions := []tiger.Region{testRegion("arkansas", "05", 10), testRegion("tennessee", "47", 2)}
	report := Build(sampleRecords(), regions, "run-1", Options{
		Exists: existsExcept("/data/arkansas/gone.zip"),
		Now:    func() time.Time { return testNow },
	})

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, testNow, report.GeneratedAt)
	require.Len(t, report.Regions, 2)

	ar := report.Regions[0]
	assert.Equal(t, 10, ar.Candidates)
	assert.Equal(t, 5, ar.Observed)
	assert.Equal(t, 2, ar.Counts[model.OutcomeSuccess])
	assert.Equal(t, 1, ar.Counts[model.OutcomeNotFound])
	assert.Equal(t, 1, ar.Counts[model.OutcomeRateLimited])
	assert.Equal(t, 1, ar.Counts[model.OutcomeFatal])
	assert.Equal(t, 1, ar.Drift)
	assert.Equal(t, 1, ar.Unknown, "even county code is outside the odd universe")
	assert.Equal(t, 3, ar.Settled())
	assert.Equal(t, 6, ar.Pending())
	assert.InDelta(t, 30.0, ar.Completion(), 1e-9)

	tn := report.Regions[1]
	assert.Equal(t, 2, tn.Candidates)
	assert.Equal(t, 1, tn.Observed)
	assert.Zero(t, tn.Drift)
	assert.InDelta(t, 50.0, tn.Completion(), 1e-9)

	total := report.Totals()
	assert.Equal(t, 12, total.Candidates)
	assert.Equal(t, 6, total.Observed)
	assert.Equal(t, 3, total.Counts[model.OutcomeSuccess])
	assert.Equal(t, 1, total.Drift)

	require.Len(t, report.Items, 7)
	assert.Equal(t, "05/001", report.Items[0].Item.Key())
	assert.Equal(t, "47/001", report.Items[6].Item.Key())
}

func TestBuild_SkipArtifacts(t *testing.T) {
	report := Build(sampleRecords(), []tiger.Region{testRegion("arkansas", "05", 10)}, "", Options{
		SkipArtifacts: true,
		Exists:        existsExcept("/data/arkansas/a.zip", "/data/arkansas/gone.zip"),
	})
	assert.Zero(t, report.Regions[0].Drift)
}

func TestBuild_RecordedSuccessWithoutPathIsDrift(t *testing.T) {
	recs := recordMap(record("05/001", model.OutcomeSuccess, ""))
	report := Build(recs, []tiger.Region{testRegion("arkansas", "05", 1)}, "", Options{Exists: existsExcept()})
	assert.Equal(t, 1, report.Regions[0].Drift)
}

func TestBuild_EmptyStore(t *testing.T) {
	report := Build(nil, []tiger.Region{testRegion("arkansas", "05", 3)}, "", Options{})
	rr := report.Regions[0]
	assert.Equal(t, 3, rr.Candidates)
	assert.Zero(t, rr.Observed)
	assert.Equal(t, 3, rr.Pending())
	assert.Zero(t, rr.Completion())
	assert.Empty(t, report.Items)
}

func TestCompletion_NoCandidates(t *testing.T) {
	assert.InDelta(t, 100.0, RegionReport{}.Completion(), 1e-9)
}

func TestRenderStatus(t *testing.T) {
	regions := []tiger.Region{testRegion("arkansas", "05", 10), testRegion("tennessee", "47", 2)}
	report := Build(sampleRecords(), regions, "", Options{Exists: existsExcept("/data/arkansas/gone.zip")})

	var buf bytes.Buffer
	require.NoError(t, RenderStatus(&buf, report))
	out := buf.String()

	assert.Contains(t, out, "REGION")
	assert.Contains(t, out, "arkansas")
	assert.Contains(t, out, "tennessee")
	assert.Contains(t, out, "total")
	assert.Contains(t, out, "30.0%")
	assert.Contains(t, out, "1 success record(s) have no artifact on disk")
	assert.Contains(t, out, "1 record(s) outside the candidate universe")
}

func TestRenderStatus_AllSettled(t *testing.T) {
	recs := recordMap(
		record("05/001", model.OutcomeSuccess, "/a.zip"),
		record("05/003", model.OutcomeNotFound, ""),
	)
	report := Build(recs, []tiger.Region{testRegion("arkansas", "05", 2)}, "", Options{Exists: existsExcept()})

	var buf bytes.Buffer
	require.NoError(t, RenderStatus(&buf, report))
	assert.Contains(t, buf.String(), "all candidates settled")
	assert.Contains(t, buf.String(), "100.0%")
}

func TestTable_AlignsColumns(t *testing.T) {
	out := Table([][]string{{"A", "B"}, {"long-value", "x"}, {"s", "yy"}})
	lines := bytes.Split(bytes.TrimRight([]byte(out), "\n"), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "long-value  x", string(lines[1]))
	assert.Equal(t, "s           yy", string(lines[2]))
	assert.Empty(t, Table(nil))
}

func TestWriteXLSX(t *testing.T) {
	regions := []tiger.Region{testRegion("arkansas", "05", 10), testRegion("tennessee", "47", 2)}
	report := Build(sampleRecords(), regions, "", Options{Exists: existsExcept("/data/arkansas/gone.zip")})

	path := filepath.Join(t.TempDir(), "coverage.xlsx")
	require.NoError(t, WriteXLSX(path, report))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)

	summary, ok := f.Sheet[SheetSummary]
	require.True(t, ok)
	require.Len(t, summary.Rows, 4, "header, two regions, total")
	assert.Equal(t, "Region", summary.Rows[0].Cells[0].String())
	assert.Equal(t, "arkansas", summary.Rows[1].Cells[0].String())
	assert.Equal(t, "05", summary.Rows[1].Cells[1].String())
	assert.Equal(t, "10", summary.Rows[1].Cells[2].String())
	assert.Equal(t, "2", summary.Rows[1].Cells[4].String())
	assert.Equal(t, "1", summary.Rows[1].Cells[11].String())
	assert.Equal(t, "total", summary.Rows[3].Cells[0].String())
	assert.Equal(t, "12", summary.Rows[3].Cells[2].String())

	items, ok := f.Sheet[SheetItems]
	require.True(t, ok)
	require.Len(t, items.Rows, 8)
	assert.Equal(t, "GEOID", items.Rows[0].Cells[0].String())
	assert.Equal(t, "05001", items.Rows[1].Cells[0].String())
	assert.Equal(t, "success", items.Rows[1].Cells[3].String())
	assert.Equal(t, "/data/arkansas/a.zip", items.Rows[1].Cells[6].String())
}
