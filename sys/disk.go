package sys

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/INLOpen/sessionvault/core"
)

// MinFreeSpace is the floor of free space left untouched for the OS and
// other applications.
const MinFreeSpace uint64 = 100 * 1024 * 1024 // 100 MB

// DiskSpaceInfo reports usage of the filesystem backing a path.
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
	Used      uint64 `json:"used"`
	Path      string `json:"path"`
}

// GetDiskSpace returns usage information for the filesystem backing path.
func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskSpaceInfo{}, fmt.Errorf("failed to stat filesystem for %s: %w", path, err)
	}
	return DiskSpaceInfo{
		Total:     usage.Total,
		Available: usage.Free,
		Used:      usage.Used,
		Path:      path,
	}, nil
}

// CheckDiskSpace verifies that the filesystem backing path has at least
// requiredBytes available. Callers include their free-space floor in
// requiredBytes. Returns *core.InsufficientSpaceError on failure so callers
// can reject the write before any bytes hit disk.
func CheckDiskSpace(path string, requiredBytes uint64) error {
	info, err := GetDiskSpace(path)
	if err != nil {
		return err
	}
	if info.Available < requiredBytes {
		return &core.InsufficientSpaceError{
			Path:      path,
			Available: info.Available,
			Required:  requiredBytes,
		}
	}
	return nil
}
