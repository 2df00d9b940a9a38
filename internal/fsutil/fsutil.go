package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var frameExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".xisf": {},
	".tif":  {},
	".tiff": {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
}

// IsFrameFile checks if a file is an image format the plate solvers accept.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
