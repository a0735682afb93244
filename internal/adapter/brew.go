package adapter

import (
	"context"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// Brew manages Homebrew formulae.
type Brew struct {
	backend
}

// NewBrew returns the Homebrew adapter.
func NewBrew(runner Runner, log *logging.Logger) *Brew {
	return &Brew{backend: newBackend("brew", "Homebrew", "brew", runner, log)}
}

type brewListing struct {
	Formulae []struct {
		Name      string `json:"name"`
		Installed []struct {
			Version string `json:"version"`
		} `json:"installed"`
	} `json:"formulae"`
}

// ListPackages runs `brew info --json=v2 --installed --formula`.
func (a *Brew) ListPackages(ctx context.Context) ([]model.PackageEntry, error) {
	var listing brewListing
	if _, err := a.listJSON(ctx, &listing, "info", "--json=v2", "--installed", "--formula"); err != nil {
		return nil, err
	}
	pkgs := make([]model.PackageEntry, 0, len(listing.Formulae))
	for _, f := range listing.Formulae {
		version := ""
		if len(f.Installed) > 0 {
			version = f.Installed[0].Version
		}
		pkgs = append(pkgs, a.entry(f.Name, version))
	}
	return pkgs, nil
}

// Uninstall runs `brew uninstall [--force] <name>`.
func (a *Brew) Uninstall(ctx context.Context, name string, force bool) (*model.UninstallResult, error) {
	base := []string{"uninstall"}
	if force {
		base = append(base, "--force")
	}
	return a.uninstall(ctx, name, force, base)
}

// ExportManifest wraps the package list.
func (a *Brew) ExportManifest(ctx context.Context) (*model.Manifest, error) {
	pkgs, err := a.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	return a.manifest(pkgs), nil
}
