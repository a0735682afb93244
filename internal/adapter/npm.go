package adapter

import (
	"context"
	"sort"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// Npm manages globally installed npm packages.
type Npm struct {
	backend
}

// NewNpm returns the npm adapter.
func NewNpm(runner Runner, log *logging.Logger) *Npm {
	return &Npm{backend: newBackend("npm", "npm", "npm", runner, log)}
}

type npmListing struct {
	Dependencies map[string]struct {
		Version string `json:"version"`
	} `json:"dependencies"`
}

// ListPackages runs `npm list -g --depth=0 --json`.
func (a *Npm) ListPackages(ctx context.Context) ([]model.PackageEntry, error) {
	var listing npmListing
	if _, err := a.listJSON(ctx, &listing, "list", "-g", "--depth=0", "--json"); err != nil {
		return nil, err
	}
	pkgs := make([]model.PackageEntry, 0, len(listing.Dependencies))
	for name, meta := range listing.Dependencies {
		pkgs = append(pkgs, a.entry(name, meta.Version))
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// Uninstall runs `npm uninstall -g [--force] <name>`.
func (a *Npm) Uninstall(ctx context.Context, name string, force bool) (*model.UninstallResult, error) {
	base := []string{"uninstall", "-g"}
	if force {
		base = append(base, "--force")
	}
	return a.uninstall(ctx, name, force, base)
}

// ExportManifest wraps the package list.
func (a *Npm) ExportManifest(ctx context.Context) (*model.Manifest, error) {
	pkgs, err := a.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	return a.manifest(pkgs), nil
}
