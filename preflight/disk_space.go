package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"flux_backend/core"
)

// DiskSpaceInfo describes the filesystem holding a path.
type DiskSpaceInfo struct {
	Path          string
	Total         int64
	Free          int64
	FreeFormatted string
	// UsedPercent is 0-100
	UsedPercent float64
}

// DiskSpaceError reports a filesystem without room for a download.
type DiskSpaceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %s, have %s free",
		e.Path, core.FormatBytes(e.Required), core.FormatBytes(e.Available))
}

// GetDiskSpace reports the filesystem containing path. Paths that do not
// exist yet are resolved through their nearest existing parent.
func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	path = filepath.Clean(path)
	for {
		info, err := os.Stat(path)
		if err == nil {
			if !info.IsDir() {
				path = filepath.Dir(path)
			}
			break
		}
		if !os.IsNotExist(err) {
			return DiskSpaceInfo{}, fmt.Errorf("cannot access path %s: %w", path, err)
		}
		parent := filepath.Dir(path)
		if parent == path {
			return DiskSpaceInfo{}, fmt.Errorf("cannot access path %s: %w", path, err)
		}
		path = parent
	}

	total, free, err := getDiskSpace(path)
	if err != nil {
		return DiskSpaceInfo{}, fmt.Errorf("failed to get disk space for %s: %w", path, err)
	}

	var usedPercent float64
	if total > 0 {
		usedPercent = float64(total-free) / float64(total) * 100
	}
	return DiskSpaceInfo{
		Path:          path,
		Total:         total,
		Free:          free,
		FreeFormatted: core.FormatBytes(free),
		UsedPercent:   usedPercent,
	}, nil
}
