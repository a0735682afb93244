package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the state directory and a default config",
	Long: `Create the state directory and a default config.

This creates:
  - config.yaml with default settings (kept if it already exists)
  - snapshots/ for package snapshots
  - audit/ for the audit journal

Every other command creates what it needs on first use; init is only
needed to get a config file to edit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := resolveHome()
		if err != nil {
			return err
		}
		for _, dir := range []string{home, filepath.Join(home, snapshot.Dir), filepath.Join(home, filepath.Dir(app.AuditFile))} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}

		created := false
		if _, err := os.Stat(config.Path(home)); os.IsNotExist(err) {
			if err := config.Save(home, config.Default()); err != nil {
				return err
			}
			created = true
		} else if err != nil {
			return fmt.Errorf("stat config: %w", err)
		}

		if jsonOutput {
			return outputJSON(cmd, map[string]any{
				"home":           home,
				"config":         config.Path(home),
				"config_created": created,
			})
		}
		fmt.Fprintf(out(cmd), "Initialized pkgaudit home in %s\n", color.Success(home))
		if created {
			fmt.Fprintf(out(cmd), "  Config: %s\n", config.Path(home))
		} else {
			fmt.Fprintf(out(cmd), "  Config: %s %s\n", config.Path(home), color.Dim("(kept)"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
