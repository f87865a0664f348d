package fileutil

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

// EnsureDir creates dir and its parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sonicerr.Wrap(sonicerr.DirectoryCreateFailed, "mkdir", dir, err)
	}
	return nil
}

// WriteFile writes data to a temporary sibling of path and renames it into
// place, so readers see either the old or the new content.
func WriteFile(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return sonicerr.Wrap(sonicerr.WriteFileFailed, "write", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return sonicerr.Wrap(sonicerr.WriteFileFailed, "rename", path, err)
	}
	return nil
}

// ReadFile reads a file. A missing file returns nil data and no error.
func ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Size returns the total size of all regular files under root.
// A missing root has size 0.
func Size(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
