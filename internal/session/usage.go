package session

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// sessionBytes sums the regular files under a session directory. Staged and retired
// index directories are transient and not counted. A missing directory holds 0 bytes.
func sessionBytes(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != dir && isTransient(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || isTransient(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, persistenceError("measure session", err)
	}
	return total, nil
}

func isTransient(name string) bool {
	return strings.HasPrefix(name, ".index-") || strings.HasPrefix(name, ".trash-") || strings.HasPrefix(name, ".tmp-")
}
