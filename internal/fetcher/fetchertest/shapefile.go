// Package fetchertest builds ADDRFEAT-like archives for tests.
package fetchertest

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
)

// Member is one named entry of a test archive.
type Member struct {
	Name string
	Data []byte
}

// ShapefileZIP returns the bytes of a ZIP holding a polyline shapefile with
// the given number of address-range features. stem names the members, e.g.
// "tl_2023_05001_addrfeat".
func ShapefileZIP(t testing.TB, stem string, features int) []byte {
	t.Helper()
	return ZIPMembers(t, ShapefileMembers(t, stem, features))
}

// ShapefileMembers writes the shapefile ShapefileZIP packs and returns its
// .shp, .shx, .dbf and .prj members in that order.
func ShapefileMembers(t testing.TB, stem string, features int) []Member {
	t.Helper()

	dir := t.TempDir()
	shpPath := filepath.Join(dir, stem+".shp")
	w, err := shp.Create(shpPath, shp.POLYLINE)
	if err != nil {
		t.Fatalf("create shapefile: %v", err)
	}
	if err := w.SetFields([]shp.Field{
		shp.StringField("TLID", 10),
		shp.StringField("FULLNAME", 40),
		shp.StringField("ZIPL", 5),
	}); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	for i := 0; i < features; i++ {
		x := -92.5 + float64(i)*0.01
		line := shp.NewPolyLine([][]shp.Point{{
			{X: x, Y: 34.70},
			{X: x + 0.005, Y: 34.71},
		}})
		row := int(w.Write(line))
		_ = w.WriteAttribute(row, 0, 100000+i)
		_ = w.WriteAttribute(row, 1, "Main St")
		_ = w.WriteAttribute(row, 2, "72201")
	}
	w.Close()

	// go-shp names the attribute table "<stem>dbf", without the dot.
	written := []struct{ ext, path string }{
		{".shp", filepath.Join(dir, stem+".shp")},
		{".shx", filepath.Join(dir, stem+".shx")},
		{".dbf", filepath.Join(dir, stem) + "dbf"},
	}
	members := make([]Member, 0, len(written)+1)
	for _, f := range written {
		data, err := os.ReadFile(f.path)
		if err != nil {
			t.Fatalf("read %s: %v", f.ext, err)
		}
		members = append(members, Member{Name: stem + f.ext, Data: data})
	}
	members = append(members, Member{Name: stem + ".prj", Data: []byte(`GEOGCS["GCS_North_American_1983"]`)})
	return members
}

// ZIPMembers returns a ZIP holding members in the given order.
func ZIPMembers(t testing.TB, members []Member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		addMember(t, zw, m.Name, m.Data)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// WriteShapefileZIP writes ShapefileZIP output to path.
func WriteShapefileZIP(t testing.TB, path string, features int) {
	t.Helper()
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, ShapefileZIP(t, stem, features), 0o644); err != nil {
		t.Fatalf("write zip: %v", err)
	}
}

// ZIP returns a ZIP holding the given members and no shapefile.
func ZIP(t testing.TB, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		addMember(t, zw, name, []byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func addMember(t testing.TB, zw *zip.Writer, name string, data []byte) {
	t.Helper()
	fw, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create member %s: %v", name, err)
	}
	if _, err := io.Copy(fw, bytes.NewReader(data)); err != nil {
		t.Fatalf("write member %s: %v", name, err)
	}
}
