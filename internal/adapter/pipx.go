package adapter

import (
	"context"
	"sort"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// Pipx manages applications installed in pipx virtualenvs.
type Pipx struct {
	backend
}

// NewPipx returns the pipx adapter.
func NewPipx(runner Runner, log *logging.Logger) *Pipx {
	return &Pipx{backend: newBackend("pipx", "pipx", "pipx", runner, log)}
}

type pipxListing struct {
	Venvs map[string]struct {
		Metadata struct {
			MainPackage struct {
				Package        string `json:"package"`
				PackageVersion string `json:"package_version"`
			} `json:"main_package"`
		} `json:"metadata"`
	} `json:"venvs"`
}

// ListPackages runs `pipx list --json` and reports each venv's main package.
func (a *Pipx) ListPackages(ctx context.Context) ([]model.PackageEntry, error) {
	var listing pipxListing
	if _, err := a.listJSON(ctx, &listing, "list", "--json"); err != nil {
		return nil, err
	}
	pkgs := make([]model.PackageEntry, 0, len(listing.Venvs))
	for _, venv := range listing.Venvs {
		main := venv.Metadata.MainPackage
		if main.Package == "" {
			continue
		}
		pkgs = append(pkgs, a.entry(main.Package, main.PackageVersion))
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// Uninstall runs `pipx uninstall <name> [--force]`.
func (a *Pipx) Uninstall(ctx context.Context, name string, force bool) (*model.UninstallResult, error) {
	var tail []string
	if force {
		tail = append(tail, "--force")
	}
	return a.uninstall(ctx, name, force, []string{"uninstall"}, tail...)
}

// ExportManifest wraps the package list.
func (a *Pipx) ExportManifest(ctx context.Context) (*model.Manifest, error) {
	pkgs, err := a.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	return a.manifest(pkgs), nil
}

// ExportLockfile exports the manifest as a pseudo lockfile.
func (a *Pipx) ExportLockfile(ctx context.Context) (any, string, error) {
	m, err := a.ExportManifest(ctx)
	if err != nil {
		return nil, "", err
	}
	return m, "pipx-list.json", nil
}
