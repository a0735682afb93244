// Package fsutil provides crash-safe file publication primitives.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// TempPrefix marks in-flight temp files. Listings must skip names with it.
const TempPrefix = ".pkgaudit-tmp-"

// AtomicWrite writes data to a temp file in the target's directory, fsyncs it,
// renames it over path and fsyncs the directory. Readers see either the old
// content or the new content, never a prefix of it.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := WriteTemp(filepath.Dir(path), data, perm)
	if err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("atomic write rename: %w", err)
	}
	if err := FsyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("atomic write fsync dir: %w", err)
	}
	return nil
}

// PublishExclusive writes data under path only if path does not exist yet.
// The content is staged in a synced temp file and hard-linked into place, so
// the create is atomic and the file is complete the moment it appears.
// It returns os.ErrExist (wrapped) when another writer got there first.
func PublishExclusive(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := WriteTemp(filepath.Dir(path), data, perm)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, path); err != nil {
		return fmt.Errorf("publish link: %w", err)
	}
	if err := FsyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("publish fsync dir: %w", err)
	}
	return nil
}

// WriteTemp creates a synced, closed temp file in dir holding data and
// returns its path. The caller owns the file.
func WriteTemp(dir string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create tmp: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("write tmp: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil && runtime.GOOS != "windows" {
		return "", fmt.Errorf("chmod tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("fsync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close tmp: %w", err)
	}

	success = true
	return tmpPath, nil
}

// FsyncDir fsyncs a directory so a rename or link inside it is durable.
// Windows cannot sync directory handles; there it is a no-op.
func FsyncDir(dirPath string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}
	defer d.Close()
	return d.Sync()
}

// IsTempFile reports whether name is an in-flight temp file.
func IsTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// OrphanTempFiles lists temp files in dir last modified before cutoff.
// They are left behind only when a writer crashed mid-write.
func OrphanTempFiles(dir string, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var orphans []string
	for _, e := range entries {
		if e.IsDir() || !IsTempFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			orphans = append(orphans, filepath.Join(dir, e.Name()))
		}
	}
	return orphans, nil
}
