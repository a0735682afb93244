package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/internal/doctor"
	"github.com/package-audit/pkgaudit/pkg/color"
)

var (
	doctorStrict bool
	doctorRepair bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the state directory's health",
	Long: `Check the state directory's health.

Reports stale or corrupt locks, corrupt snapshots, snapshots beyond the
retention limit and leftover temporary files. Use --strict to also verify
the audit journal's hash chain, and --repair to fix what can be fixed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		doc := doctor.NewDoctor(r)

		var actions []doctor.RepairAction
		if doctorRepair {
			actions, err = doc.Repair(cmd.Context())
			if err != nil {
				return err
			}
		}
		result, err := doc.Check(doctorStrict)
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := outputJSON(cmd, map[string]any{"result": result, "repairs": actions}); err != nil {
				return err
			}
		} else {
			printDoctor(cmd, result, actions)
		}
		if !result.Healthy {
			return errUnhealthy
		}
		return nil
	},
}

func printDoctor(cmd *cobra.Command, result *doctor.Result, actions []doctor.RepairAction) {
	w := out(cmd)
	if len(actions) > 0 {
		fmt.Fprintf(w, "Repairs (%d):\n", len(actions))
		for _, a := range actions {
			target := ""
			if a.Target != "" {
				target = " " + color.Dim(a.Target)
			}
			fmt.Fprintf(w, "  [%s] %s%s\n", a.Category, a.Action, target)
		}
	}

	if len(result.Findings) == 0 {
		fmt.Fprintln(w, color.Success("State directory is healthy."))
		return
	}
	fmt.Fprintf(w, "Findings (%d):\n", len(result.Findings))
	for _, f := range result.Findings {
		fmt.Fprintf(w, "  [%s] %s: %s\n", severityLabel(f.Severity), f.Category, f.Description)
	}
	if !doctorRepair {
		fmt.Fprintln(w, color.Dim(fmt.Sprintf("Run %s to fix what can be fixed.", color.Code("pkgaudit doctor --repair"))))
	}
}

func severityLabel(s string) string {
	switch s {
	case doctor.SeverityInfo:
		return color.Info(s)
	case doctor.SeverityWarning:
		return color.Warning(s)
	default:
		return color.Error(s)
	}
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "also verify the audit journal")
	doctorCmd.Flags().BoolVar(&doctorRepair, "repair", false, "reclaim locks, quarantine corrupt snapshots and prune")
	rootCmd.AddCommand(doctorCmd)
}
