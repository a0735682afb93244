package adapter

import (
	"context"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// Pip manages packages of the default Python environment.
type Pip struct {
	backend
}

// NewPip returns the pip adapter.
func NewPip(runner Runner, log *logging.Logger) *Pip {
	return &Pip{backend: newBackend("pip", "pip", "pip", runner, log)}
}

// ListPackages runs `pip list --format=json`.
func (a *Pip) ListPackages(ctx context.Context) ([]model.PackageEntry, error) {
	var listing []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if _, err := a.listJSON(ctx, &listing, "list", "--format=json"); err != nil {
		return nil, err
	}
	pkgs := make([]model.PackageEntry, 0, len(listing))
	for _, p := range listing {
		pkgs = append(pkgs, a.entry(p.Name, p.Version))
	}
	return pkgs, nil
}

// Uninstall runs `pip uninstall -y <name>`. pip has no force flag; force is
// only echoed in the result.
func (a *Pip) Uninstall(ctx context.Context, name string, force bool) (*model.UninstallResult, error) {
	return a.uninstall(ctx, name, force, []string{"uninstall", "-y"})
}

// ExportManifest wraps the package list.
func (a *Pip) ExportManifest(ctx context.Context) (*model.Manifest, error) {
	pkgs, err := a.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	return a.manifest(pkgs), nil
}
