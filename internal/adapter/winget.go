package adapter

import (
	"context"

	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// Winget manages packages installed through the Windows Package Manager.
type Winget struct {
	backend
}

// NewWinget returns the WinGet adapter.
func NewWinget(runner Runner, log *logging.Logger) *Winget {
	return &Winget{backend: newBackend("winget", "WinGet", "winget", runner, log)}
}

var wingetAgreements = []string{"--accept-source-agreements", "--accept-package-agreements"}

// ListPackages runs `winget list ... --output json`. Entries keep the winget
// package id, which is what Uninstall expects.
func (a *Winget) ListPackages(ctx context.Context) ([]model.PackageEntry, error) {
	var listing []struct {
		Name    string `json:"Name"`
		ID      string `json:"Id"`
		Version string `json:"Version"`
	}
	args := append(append([]string{"list"}, wingetAgreements...), "--output", "json")
	if _, err := a.listJSON(ctx, &listing, args...); err != nil {
		return nil, err
	}
	pkgs := make([]model.PackageEntry, 0, len(listing))
	for _, p := range listing {
		e := a.entry(p.Name, p.Version)
		e.ID = p.ID
		pkgs = append(pkgs, e)
	}
	return pkgs, nil
}

// Uninstall runs `winget uninstall ... --id <name> [--force]`.
func (a *Winget) Uninstall(ctx context.Context, name string, force bool) (*model.UninstallResult, error) {
	base := append(append([]string{"uninstall"}, wingetAgreements...), "--id")
	var tail []string
	if force {
		tail = append(tail, "--force")
	}
	return a.uninstall(ctx, name, force, base, tail...)
}

// ExportManifest wraps the package list.
func (a *Winget) ExportManifest(ctx context.Context) (*model.Manifest, error) {
	pkgs, err := a.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	return a.manifest(pkgs), nil
}
