// Package pathutil is the validation boundary for every string that reaches a
// subprocess argument list or a filesystem path.
package pathutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/package-audit/pkgaudit/pkg/errclass"
)

const (
	// MaxPackageNameLength matches the npm registry limit.
	MaxPackageNameLength = 214
	// MaxManagerIDLength bounds manager identifiers.
	MaxManagerIDLength = 50

	displayLimit = 64
)

var (
	packageNameRegex = regexp.MustCompile(`^[a-zA-Z0-9@/_.-]+$`)
	managerIDRegex   = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// SanitizePackageName rejects names that could alter command-line semantics.
// Valid names are returned unchanged.
func SanitizePackageName(name string) (string, error) {
	if name == "" {
		return "", errclass.ErrNameInvalid.WithMessage("package name must not be empty")
	}
	if len(name) > MaxPackageNameLength {
		return "", errclass.ErrNameInvalid.WithMessagef("package name longer than %d characters", MaxPackageNameLength)
	}
	if !packageNameRegex.MatchString(name) {
		return "", errclass.ErrNameInvalid.WithMessagef("package name must match [A-Za-z0-9@/_.-]+: %s", SafeDisplay(name))
	}
	if strings.Contains(name, "..") {
		return "", errclass.ErrNameInvalid.WithMessage("package name must not contain '..'")
	}
	if strings.HasPrefix(name, "-") {
		return "", errclass.ErrNameInvalid.WithMessage("package name must not start with '-'")
	}
	return name, nil
}

// SanitizeManagerID validates a package-manager identifier such as "npm" or "pipx".
func SanitizeManagerID(id string) (string, error) {
	if len(id) > MaxManagerIDLength {
		return "", errclass.ErrNameInvalid.WithMessagef("manager id longer than %d characters", MaxManagerIDLength)
	}
	if !managerIDRegex.MatchString(id) {
		return "", errclass.ErrNameInvalid.WithMessagef("manager id must match ^[a-z][a-z0-9_-]*$: %s", SafeDisplay(id))
	}
	return id, nil
}

// BuildSafeCommand returns base followed by args after every arg passed
// SanitizePackageName. It fails on the first invalid argument.
func BuildSafeCommand(base []string, args []string) ([]string, error) {
	cmd := make([]string, 0, len(base)+len(args))
	cmd = append(cmd, base...)
	for i, arg := range args {
		clean, err := SanitizePackageName(arg)
		if err != nil {
			return nil, errclass.ErrNameInvalid.WithMessagef("argument %d: %v", i, err)
		}
		cmd = append(cmd, clean)
	}
	return cmd, nil
}

// SafeDisplay renders untrusted input for messages and logs: quoted, with
// control characters escaped, truncated to a fixed width.
func SafeDisplay(s string) string {
	if len(s) > displayLimit {
		s = s[:displayLimit] + "..."
	}
	return strconv.QuoteToASCII(s)
}

// Root is a canonical directory that validated paths must stay within.
type Root struct {
	dir string
}

// NewRoot creates dir if needed and returns it as a symlink-resolved boundary.
func NewRoot(dir string) (Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, errclass.ErrPathEscape.WithMessagef("cannot resolve root: %v", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Root{}, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return Root{}, errclass.ErrPathEscape.WithMessagef("cannot resolve root: %v", err)
	}
	return Root{dir: resolved}, nil
}

// Dir returns the canonical root directory.
func (r Root) Dir() string {
	return r.dir
}

// ValidatePath resolves path (relative paths against the root), canonicalizes
// it and fails with E_PATH_ESCAPE unless the result is the root or inside it.
func (r Root) ValidatePath(path string) (string, error) {
	if r.dir == "" {
		return "", errclass.ErrPathEscape.WithMessage("root not initialized")
	}
	path = norm.NFC.String(path)
	if strings.ContainsRune(path, 0) {
		return "", errclass.ErrPathEscape.WithMessage("path contains NUL byte")
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.dir, target)
	}
	target = filepath.Clean(target)

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", errclass.ErrPathEscape.WithMessagef("cannot resolve path: %s", SafeDisplay(path))
		}
		resolved = resolveClosestAncestor(target)
	}

	if !Within(r.dir, resolved) {
		return "", errclass.ErrPathEscape.WithMessagef("path outside allowed directory: %s", SafeDisplay(path))
	}
	return resolved, nil
}

// Within reports whether target equals root or is a descendant of it.
// Both arguments must already be canonical.
func Within(root, target string) bool {
	if target == root {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// resolveClosestAncestor walks up from path to the closest existing
// ancestor, resolves it, then appends the remaining components.
func resolveClosestAncestor(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if dir == path {
		return path
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = resolveClosestAncestor(dir)
		} else {
			return filepath.Clean(path)
		}
	}
	return filepath.Join(resolved, base)
}
