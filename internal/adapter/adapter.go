// Package adapter drives the supported package-manager backends through a
// single interface. The set of backends is closed and registered statically.
package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
)

// Adapter is implemented by every backend.
type Adapter interface {
	ID() string
	DisplayName() string
	// Detect reports whether the backend's executable is available.
	Detect() bool
	Version(ctx context.Context) (string, error)
	ListPackages(ctx context.Context) ([]model.PackageEntry, error)
	// Uninstall removes one package. A failing backend command is reported
	// through UninstallResult.Success, not as an error.
	Uninstall(ctx context.Context, name string, force bool) (*model.UninstallResult, error)
	ExportManifest(ctx context.Context) (*model.Manifest, error)
}

// DependencyTreeProvider is implemented by backends that can report a
// dependency tree. An empty pkg asks for every package.
type DependencyTreeProvider interface {
	DependencyTree(ctx context.Context, pkg string) (any, error)
}

// VulnerabilityScanner is implemented by backends with a vulnerability audit.
type VulnerabilityScanner interface {
	ScanVulnerabilities(ctx context.Context) (any, error)
}

// LockfileExporter is implemented by backends that can export a lockfile.
type LockfileExporter interface {
	ExportLockfile(ctx context.Context) (data any, format string, err error)
}

// Capability names reported by Capabilities.
const (
	CapabilityDependencyTree  = "dependency-tree"
	CapabilityVulnerabilities = "vulnerabilities"
	CapabilityLockfile        = "lockfile"
)

// Capabilities lists the optional capabilities a implements.
func Capabilities(a Adapter) []string {
	caps := []string{}
	if _, ok := a.(DependencyTreeProvider); ok {
		caps = append(caps, CapabilityDependencyTree)
	}
	if _, ok := a.(VulnerabilityScanner); ok {
		caps = append(caps, CapabilityVulnerabilities)
	}
	if _, ok := a.(LockfileExporter); ok {
		caps = append(caps, CapabilityLockfile)
	}
	return caps
}

// DependencyTree asks a for a dependency tree, or reports it unsupported.
func DependencyTree(ctx context.Context, a Adapter, pkg string) (*model.CapabilityResult, error) {
	if pkg != "" {
		if _, err := pathutil.SanitizePackageName(pkg); err != nil {
			return nil, err
		}
	}
	p, ok := a.(DependencyTreeProvider)
	if !ok {
		return unsupported(a, pkg, "Dependency tree not implemented for this manager"), nil
	}
	tree, err := p.DependencyTree(ctx, pkg)
	if err != nil {
		return nil, err
	}
	return &model.CapabilityResult{Manager: a.ID(), Package: pkg, Supported: true, Data: tree}, nil
}

// ScanVulnerabilities asks a for a vulnerability report, or reports it unsupported.
func ScanVulnerabilities(ctx context.Context, a Adapter) (*model.CapabilityResult, error) {
	s, ok := a.(VulnerabilityScanner)
	if !ok {
		return unsupported(a, "", "Vulnerability scanning not implemented for this manager"), nil
	}
	report, err := s.ScanVulnerabilities(ctx)
	if err != nil {
		return nil, err
	}
	return &model.CapabilityResult{Manager: a.ID(), Supported: true, Data: report}, nil
}

// ExportLockfile asks a for a lockfile, or reports it unsupported.
func ExportLockfile(ctx context.Context, a Adapter) (*model.CapabilityResult, error) {
	e, ok := a.(LockfileExporter)
	if !ok {
		return unsupported(a, "", "Lockfile export not implemented for this manager"), nil
	}
	data, format, err := e.ExportLockfile(ctx)
	if err != nil {
		return nil, err
	}
	return &model.CapabilityResult{Manager: a.ID(), Supported: true, Data: data, Format: format}, nil
}

func unsupported(a Adapter, pkg, msg string) *model.CapabilityResult {
	return &model.CapabilityResult{Manager: a.ID(), Package: pkg, Supported: false, Message: msg}
}

// backend holds what every concrete adapter shares: identity, the executable
// and the runner used to invoke it.
type backend struct {
	id          string
	name        string
	executable  string
	versionArgs []string
	runner      Runner
	log         *logging.Logger
	now         func() time.Time
}

func newBackend(id, name, executable string, runner Runner, log *logging.Logger) backend {
	if log == nil {
		log = logging.Nop()
	}
	return backend{
		id:          id,
		name:        name,
		executable:  executable,
		versionArgs: []string{"--version"},
		runner:      runner,
		log:         log.WithFields(map[string]any{"component": "adapter", "manager": id}),
		now:         time.Now,
	}
}

func (b *backend) ID() string          { return b.id }
func (b *backend) DisplayName() string { return b.name }

func (b *backend) Detect() bool {
	_, err := b.runner.LookPath(b.executable)
	return err == nil
}

// Version returns the first non-empty output of the version command.
func (b *backend) Version(ctx context.Context) (string, error) {
	if !b.Detect() {
		return "", errclass.ErrManagerUnavailable.WithMessagef("%s is not installed", b.executable)
	}
	res, err := b.run(ctx, b.versionArgs...)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		out = strings.TrimSpace(res.Stderr)
	}
	if line, _, ok := strings.Cut(out, "\n"); ok {
		out = strings.TrimSpace(line)
	}
	return out, nil
}

func (b *backend) run(ctx context.Context, args ...string) (*Result, error) {
	argv := make([]string, 0, len(args)+1)
	argv = append(argv, b.executable)
	argv = append(argv, args...)
	return b.runner.Run(ctx, argv)
}

// listJSON runs a listing command and decodes its stdout into v. Some
// backends exit non-zero with a usable listing (npm on peer dependency
// problems), so the exit code only matters when stdout is empty. It reports
// false when the command printed nothing.
func (b *backend) listJSON(ctx context.Context, v any, args ...string) (bool, error) {
	res, err := b.run(ctx, args...)
	if err != nil {
		return false, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		if res.ReturnCode != 0 {
			return false, errclass.ErrCommandFailed.WithMessagef("%s list exited %d: %s",
				b.id, res.ReturnCode, pathutil.SafeDisplay(strings.TrimSpace(res.Stderr)))
		}
		return false, nil
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		b.log.Warn("list returned invalid JSON", map[string]any{"error": err.Error()})
		return false, errclass.ErrCommandFailed.WithMessagef("%s list returned invalid JSON", b.id)
	}
	return true, nil
}

// uninstall sanitizes name, builds argv as base ++ name ++ tail and runs it.
// name is placed through pathutil.BuildSafeCommand so it can never become a flag
// with a different meaning.
func (b *backend) uninstall(ctx context.Context, name string, force bool, base []string, tail ...string) (*model.UninstallResult, error) {
	argv, err := pathutil.BuildSafeCommand(append([]string{b.executable}, base...), []string{name})
	if err != nil {
		return nil, err
	}
	argv = append(argv, tail...)

	res, err := b.runner.Run(ctx, argv)
	if err != nil {
		return nil, err
	}
	result := &model.UninstallResult{
		Success:    res.ReturnCode == 0,
		Package:    name,
		Force:      force,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ReturnCode: res.ReturnCode,
	}
	if !result.Success {
		b.log.Error("uninstall failed", map[string]any{"package": name, "returncode": res.ReturnCode})
	}
	return result, nil
}

func (b *backend) entry(name, version string) model.PackageEntry {
	return model.PackageEntry{Name: name, Version: version, Status: model.PackageStatusUnknown, Manager: b.id}
}

func (b *backend) manifest(pkgs []model.PackageEntry) *model.Manifest {
	return &model.Manifest{
		Manager:     b.id,
		GeneratedAt: b.now().UTC().Format(time.RFC3339),
		Packages:    pkgs,
	}
}
