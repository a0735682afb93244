// Package storage persists JSON documents under a fixed base directory with
// atomic replace semantics and path containment.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/fsutil"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
)

// ErrCorrupt marks a document that exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt document")

// JSONStore reads and writes JSON documents confined to its base directory.
type JSONStore struct {
	root pathutil.Root
}

// NewJSONStore creates the base directory if needed.
func NewJSONStore(baseDir string) (*JSONStore, error) {
	root, err := pathutil.NewRoot(baseDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &JSONStore{root: root}, nil
}

// BaseDir returns the canonical base directory.
func (s *JSONStore) BaseDir() string {
	return s.root.Dir()
}

// Write stores value at relPath and returns the absolute stored path.
func (s *JSONStore) Write(relPath string, value any) (string, error) {
	path, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	if path == s.root.Dir() {
		return "", errclass.ErrPathEscape.WithMessage("cannot write to the store root")
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", relPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("write %s: create dir: %w", relPath, unwrapPath(err))
	}
	if err := fsutil.AtomicWrite(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", relPath, unwrapPath(err))
	}
	return path, nil
}

// Read decodes the document at relPath into v.
// A missing document yields E_NOT_FOUND, an undecodable one ErrCorrupt.
func (s *JSONStore) Read(relPath string, v any) error {
	path, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errclass.ErrNotFound.WithMessagef("document not found: %s", pathutil.SafeDisplay(relPath))
		}
		return fmt.Errorf("read %s: %w", relPath, unwrapPath(err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, relPath, err)
	}
	return nil
}

// Exists reports whether a document is stored at relPath.
func (s *JSONStore) Exists(relPath string) (bool, error) {
	path, err := s.resolve(relPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", relPath, unwrapPath(err))
	}
	return true, nil
}

// Delete removes the document at relPath. It returns false when it was absent.
func (s *JSONStore) Delete(relPath string) (bool, error) {
	path, err := s.resolve(relPath)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", relPath, unwrapPath(err))
	}
	return true, nil
}

// Move renames the document at from to to, creating to's directory. Both
// paths must stay inside the store.
func (s *JSONStore) Move(from, to string) error {
	src, err := s.resolve(from)
	if err != nil {
		return err
	}
	dst, err := s.resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("move %s: create dir: %w", to, unwrapPath(err))
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return errclass.ErrNotFound.WithMessagef("document not found: %s", pathutil.SafeDisplay(from))
		}
		return fmt.Errorf("move %s: %w", from, unwrapPath(err))
	}
	return fsutil.FsyncDir(filepath.Dir(dst))
}

// List returns the sorted base names of regular files in relDir ending in
// suffix. In-flight temp files are never listed.
func (s *JSONStore) List(relDir, suffix string) ([]string, error) {
	dir, err := s.resolve(relDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", relDir, unwrapPath(err))
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || fsutil.IsTempFile(e.Name()) {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *JSONStore) resolve(relPath string) (string, error) {
	if filepath.IsAbs(relPath) || strings.HasPrefix(relPath, "/") || strings.HasPrefix(relPath, `\`) {
		return "", errclass.ErrPathEscape.WithMessage("absolute paths are not allowed")
	}
	return s.root.ValidatePath(relPath)
}

// unwrapPath drops the absolute path carried by *os.PathError so error
// messages only ever name the store-relative path.
func unwrapPath(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %w", pe.Op, pe.Err)
	}
	return err
}
