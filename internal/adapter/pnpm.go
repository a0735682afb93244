package adapter

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
)

// Pnpm manages globally installed pnpm packages.
type Pnpm struct {
	backend
}

// NewPnpm returns the pnpm adapter.
func NewPnpm(runner Runner, log *logging.Logger) *Pnpm {
	return &Pnpm{backend: newBackend("pnpm", "pnpm", "pnpm", runner, log)}
}

type pnpmVersion struct {
	Version string `json:"version"`
}

// pnpmProject is one element of `pnpm ls --json`. The global listing is a
// single project whose dependencies are the installed packages.
type pnpmProject struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Dependencies map[string]pnpmVersion `json:"dependencies"`
}

// ListPackages runs `pnpm ls -g --depth 1 --json`.
func (a *Pnpm) ListPackages(ctx context.Context) ([]model.PackageEntry, error) {
	var projects []pnpmProject
	if _, err := a.listJSON(ctx, &projects, "ls", "-g", "--depth", "1", "--json"); err != nil {
		return nil, err
	}
	var pkgs []model.PackageEntry
	for _, p := range projects {
		if len(p.Dependencies) == 0 {
			if p.Name != "" {
				pkgs = append(pkgs, a.entry(p.Name, p.Version))
			}
			continue
		}
		for name, dep := range p.Dependencies {
			pkgs = append(pkgs, a.entry(name, dep.Version))
		}
	}
	if pkgs == nil {
		pkgs = []model.PackageEntry{}
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// Uninstall runs `pnpm remove -g <name> [--force]`.
func (a *Pnpm) Uninstall(ctx context.Context, name string, force bool) (*model.UninstallResult, error) {
	var tail []string
	if force {
		tail = append(tail, "--force")
	}
	return a.uninstall(ctx, name, force, []string{"remove", "-g"}, tail...)
}

// ExportManifest wraps the package list.
func (a *Pnpm) ExportManifest(ctx context.Context) (*model.Manifest, error) {
	pkgs, err := a.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	return a.manifest(pkgs), nil
}

// DependencyTree returns the raw `pnpm ls -g --json` tree, filtered to pkg
// when given.
func (a *Pnpm) DependencyTree(ctx context.Context, pkg string) (any, error) {
	args := []string{"ls", "-g", "--json"}
	if pkg != "" {
		clean, err := pathutil.SanitizePackageName(pkg)
		if err != nil {
			return nil, err
		}
		args = append(args, clean)
	}
	var tree json.RawMessage
	ok, err := a.listJSON(ctx, &tree, args...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{}, nil
	}
	return tree, nil
}

// ExportLockfile exports the manifest: pnpm keeps no global lockfile.
func (a *Pnpm) ExportLockfile(ctx context.Context) (any, string, error) {
	m, err := a.ExportManifest(ctx)
	if err != nil {
		return nil, "", err
	}
	return m, "pnpm-list.json", nil
}
