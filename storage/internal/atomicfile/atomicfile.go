// Package atomicfile stages a full file replacement in a temp file and renames it over the target only once the
// staged content is complete, so a crash or error mid-write never leaves the target truncated or corrupted.
package atomicfile

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Write calls fn with a writer to a temp file created alongside path, then renames the temp file over path. If fn
// returns an error, or the temp file cannot be synced, closed, or renamed, path is left untouched and the temp
// file is removed.
func Write(path string, fn func(*os.File) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err = fn(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return err
	}
	return nil
}
