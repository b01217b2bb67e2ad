package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/addrfeat-cli/internal/tiger"
)

// ArchiveInfo summarizes a validated archive.
type ArchiveInfo struct {
	Entries   int
	Shapefile string
	Features  int
	// Bounds is the extent of all features, nil when the layer is empty.
	Bounds *geom.Bounds
}

// shapefileSidecars are the members read together with the .shp.
var shapefileSidecars = []string{".shp", ".shx", ".dbf"}

// ValidateArchive checks that path is a complete ZIP holding a readable
// shapefile. Every entry is decompressed so CRC mismatches surface.
func ValidateArchive(path string) (*ArchiveInfo, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, eris.Wrap(err, "archive: open")
	}
	defer r.Close() //nolint:errcheck

	info := &ArchiveInfo{}
	members := make(map[string]*zip.File)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		info.Entries++
		if err := verifyEntry(f); err != nil {
			return nil, err
		}
		members[strings.ToLower(filepath.Base(f.Name))] = f
		if info.Shapefile == "" && strings.EqualFold(filepath.Ext(f.Name), ".shp") {
			info.Shapefile = filepath.Base(f.Name)
		}
	}
	if info.Entries == 0 {
		return nil, eris.New("archive: no entries")
	}
	if info.Shapefile == "" {
		return nil, eris.New("archive: no .shp member")
	}

	features, bounds, err := readShapefile(members, info.Shapefile)
	if err != nil {
		return nil, err
	}
	info.Features = features
	info.Bounds = bounds
	return info, nil
}

func verifyEntry(f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "archive: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return eris.Wrapf(err, "archive: read entry %s", f.Name)
	}
	return nil
}

// readShapefile copies the shapefile members to a scratch directory and
// iterates every record.
func readShapefile(members map[string]*zip.File, shpName string) (int, *geom.Bounds, error) {
	scratch, err := os.MkdirTemp("", "addrfeat-validate-*")
	if err != nil {
		return 0, nil, eris.Wrap(err, "archive: create scratch dir")
	}
	defer os.RemoveAll(scratch) //nolint:errcheck

	stem := strings.TrimSuffix(strings.ToLower(shpName), strings.ToLower(filepath.Ext(shpName)))
	for _, ext := range shapefileSidecars {
		f, ok := members[stem+ext]
		if !ok {
			if ext == ".shp" {
				return 0, nil, eris.Errorf("archive: missing %s", stem+ext)
			}
			continue
		}
		if err := copyEntry(f, filepath.Join(scratch, stem+ext)); err != nil {
			return 0, nil, err
		}
	}

	reader, err := shp.Open(filepath.Join(scratch, stem+".shp"))
	if err != nil {
		return 0, nil, eris.Wrapf(err, "archive: open shapefile %s", shpName)
	}
	defer func() { _ = reader.Close() }()

	bounds := geom.NewBounds(geom.XY)
	var features int
	for reader.Next() {
		_, shape := reader.Shape()
		features++
		if g := tiger.Geometry(shape); g != nil {
			bounds.Extend(g)
		}
	}
	if err := reader.Err(); err != nil {
		return 0, nil, eris.Wrapf(err, "archive: read shapefile %s", shpName)
	}
	if features == 0 || bounds.IsEmpty() {
		return features, nil, nil
	}
	return features, bounds, nil
}

func copyEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return eris.Wrapf(err, "archive: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "archive: create scratch file")
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return eris.Wrapf(err, "archive: copy entry %s", f.Name)
	}
	return eris.Wrap(out.Close(), "archive: close scratch file")
}
