package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/internal/adapter"
	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/model"
)

var managersCmd = &cobra.Command{
	Use:   "managers",
	Short: "List detected package managers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		infos, err := r.Managers(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, infos)
		}

		if len(infos) == 0 {
			fmt.Fprintf(out(cmd), "No package managers detected (supported: %s).\n", strings.Join(adapter.BuiltinIDs(), ", "))
			return nil
		}
		for _, info := range infos {
			caps := ""
			if len(info.Capabilities) > 0 {
				caps = "  " + color.Dim("["+strings.Join(info.Capabilities, ",")+"]")
			}
			fmt.Fprintf(out(cmd), "%-8s %-12s %s%s\n", color.Package(info.ID), info.Name, info.Version, caps)
		}
		return nil
	},
}

var packagesCmd = &cobra.Command{
	Use:   "packages <manager>",
	Short: "List installed packages of a manager",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		pkgs, err := r.ListPackages(cmd.Context(), args[0])
		if err != nil {
			return withHint(err, managerHint(args[0], err))
		}
		if jsonOutput {
			return outputJSON(cmd, map[string]any{"manager": args[0], "packages": pkgs})
		}

		if len(pkgs) == 0 {
			fmt.Fprintln(out(cmd), "No packages installed.")
			return nil
		}
		for _, p := range pkgs {
			fmt.Fprintf(out(cmd), "%s  %s\n", color.Package(p.Name), color.Dim(p.Version))
		}
		fmt.Fprintf(out(cmd), "%d packages\n", len(pkgs))
		return nil
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest <manager>",
	Short: "Export a manager's installed packages as a JSON manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		a, err := r.Adapter(args[0])
		if err != nil {
			return withHint(err, managerHint(args[0], err))
		}
		m, err := a.ExportManifest(cmd.Context())
		if err != nil {
			return err
		}
		return outputJSON(cmd, m)
	},
}

var depsCmd = &cobra.Command{
	Use:   "deps <manager> [package]",
	Short: "Show the dependency tree, if the manager supports it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg := ""
		if len(args) == 2 {
			pkg = args[1]
		}
		return runCapability(cmd, args[0], func(ctx context.Context, a adapter.Adapter) (*model.CapabilityResult, error) {
			return adapter.DependencyTree(ctx, a, pkg)
		})
	},
}

var vulnsCmd = &cobra.Command{
	Use:   "vulns <manager>",
	Short: "Run the manager's vulnerability audit, if it has one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCapability(cmd, args[0], adapter.ScanVulnerabilities)
	},
}

var lockfileCmd = &cobra.Command{
	Use:   "lockfile <manager>",
	Short: "Export the manager's lockfile, if it can produce one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCapability(cmd, args[0], adapter.ExportLockfile)
	},
}

// runCapability prints an optional backend capability. Unsupported
// capabilities are not errors; they are reported as such.
func runCapability(cmd *cobra.Command, managerID string, fn func(context.Context, adapter.Adapter) (*model.CapabilityResult, error)) error {
	r, err := requireRuntime()
	if err != nil {
		return err
	}
	a, err := r.Adapter(managerID)
	if err != nil {
		return withHint(err, managerHint(managerID, err))
	}
	res, err := fn(cmd.Context(), a)
	if err != nil {
		return err
	}
	if !jsonOutput && !res.Supported {
		fmt.Fprintln(out(cmd), color.Warning(res.Message))
		return nil
	}
	return outputJSON(cmd, res)
}

// managerHint suggests known managers when id was not recognized.
func managerHint(id string, err error) string {
	if !errors.Is(err, errclass.ErrManagerUnknown) {
		return ""
	}
	return suggestManagers(id)
}

func init() {
	rootCmd.AddCommand(managersCmd)
	rootCmd.AddCommand(packagesCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(vulnsCmd)
	rootCmd.AddCommand(lockfileCmd)
}
