// Package sys provides the low-level file helpers shared by the storage
// packages: atomic write-and-rename with optional backup rotation, and a
// disk free-space preflight.
package sys

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteOptions controls AtomicWriteFile behavior.
type AtomicWriteOptions struct {
	// KeepBackup rotates an existing destination file to <name>.bak before
	// the rename, so the prior version survives a crash mid-write.
	KeepBackup bool
	// BackupSuffix overrides the default ".bak" suffix.
	BackupSuffix string
	// Perm is the file mode for the new file. Zero means 0644.
	Perm os.FileMode
}

// AtomicWriteFile writes data to path using the write-to-temp-then-rename
// strategy. The temp file is fsynced and closed before the rename, which is
// required for the rename to be atomic on all supported platforms.
func AtomicWriteFile(path string, data []byte, opts AtomicWriteOptions) error {
	perm := opts.Perm
	if perm == 0 {
		perm = 0644
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	// On any failure below, don't leave the temp file behind.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file for %s: %w", path, err)
	}

	if opts.KeepBackup {
		suffix := opts.BackupSuffix
		if suffix == "" {
			suffix = ".bak"
		}
		if _, err := os.Stat(path); err == nil {
			if err := os.Rename(path, path+suffix); err != nil {
				return fmt.Errorf("failed to rotate backup for %s: %w", path, err)
			}
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}

// RemoveAllQuiet removes path and everything below it, ignoring not-exist.
func RemoveAllQuiet(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
