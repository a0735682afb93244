package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/pkg/color"
)

var diffStat bool

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Compare a snapshot with the currently installed packages",
	Long: `Compare a snapshot with the currently installed packages.

Missing packages are those a rollback would have to reinstall. Only the
managers recorded in the snapshot are compared.

Examples:
  pkgaudit snapshot diff 20250101T120000-a1b2c3
  pkgaudit snapshot diff 20250101 --stat`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		d, err := r.DiffSnapshot(cmd.Context(), args[0])
		if err != nil {
			return snapshotLookupError(args[0], r.Snapshots, err)
		}
		if jsonOutput {
			return outputJSON(cmd, d)
		}
		printDiff(out(cmd), d, diffStat)
		return nil
	},
}

func printDiff(w io.Writer, d *snapshot.Diff, statOnly bool) {
	fmt.Fprintf(w, "Changes since %s:\n", color.SnapshotID(d.SnapshotID.String()))
	if d.Empty() {
		fmt.Fprintln(w, "  No changes.")
		return
	}

	for _, md := range d.Managers {
		if md.Empty() {
			if !statOnly {
				fmt.Fprintf(w, "\n%s: no changes\n", color.Header(md.Manager))
			}
			continue
		}
		if statOnly {
			fmt.Fprintf(w, "  %-8s %s %s %s\n", md.Manager,
				color.Error(fmt.Sprintf("-%d", len(md.Missing))),
				color.Success(fmt.Sprintf("+%d", len(md.Added))),
				color.Warning(fmt.Sprintf("~%d", len(md.Changed))))
			continue
		}

		fmt.Fprintf(w, "\n%s:\n", color.Header(md.Manager))
		for _, p := range md.Missing {
			fmt.Fprintf(w, "  %s %s %s\n", color.Error("-"), p.Name, color.Dim(p.Version))
		}
		for _, p := range md.Added {
			fmt.Fprintf(w, "  %s %s %s\n", color.Success("+"), p.Name, color.Dim(p.Version))
		}
		for _, c := range md.Changed {
			fmt.Fprintf(w, "  %s %s %s -> %s\n", color.Warning("~"), c.Name, c.Before, c.After)
		}
	}
}

func init() {
	snapshotDiffCmd.Flags().BoolVar(&diffStat, "stat", false, "show only per-manager counts")
	snapshotCmd.AddCommand(snapshotDiffCmd)
}
