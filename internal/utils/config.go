package utils

import (
	"os"
	"path/filepath"
)

// GetProjectRoot returns the nearest directory above the working directory
// holding a go.mod, or "." when there is none.
func GetProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "." // fallback
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		dir = parent
	}
	return "." // fallback
}

// GetDataDir returns the default data directory under the project root.
func GetDataDir() string {
	return filepath.Join(GetProjectRoot(), "data")
}

// ResolvePath anchors a relative path under base.
func ResolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
