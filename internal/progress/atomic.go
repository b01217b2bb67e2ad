package progress

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// writeFileAtomic replaces path with data so readers see either the old or
// the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "progress: create parent for %s", path)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "progress: create temp file for %s", path)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrapf(err, "progress: write temp file for %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrapf(err, "progress: sync temp file for %s", path)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return eris.Wrapf(err, "progress: chmod temp file for %s", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return eris.Wrapf(err, "progress: close temp file for %s", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return eris.Wrapf(err, "progress: atomic rename for %s", path)
	}
	return nil
}
