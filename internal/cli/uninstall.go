package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/progress"
)

var (
	uninstallForce       bool
	uninstallWait        bool
	uninstallWaitTimeout time.Duration
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <manager> <package>...",
	Short: "Remove packages after snapshotting the manager's state",
	Long: `Remove one or more packages of a manager.

Before anything is removed the manager's installed packages are recorded in a
snapshot, so the removal can be inspected and reverted by hand later. Only one
mutation runs at a time on this host; if another one holds the lock the
command fails naming it, unless --wait is given.

Several packages are removed under a single lock and a single snapshot;
a failure of one package does not stop the others.

Examples:
  pkgaudit uninstall npm left-pad
  pkgaudit uninstall npm @types/node --force
  pkgaudit uninstall pip requests urllib3 --wait --wait-timeout 2m`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		managerID, pkgs := args[0], args[1:]
		wait := time.Duration(0)
		if uninstallWait {
			wait = uninstallWaitTimeout
			if wait <= 0 {
				wait = r.Config.Lock.WaitTimeout
			}
		}

		if len(pkgs) > 1 {
			return runBatchUninstall(cmd, r, managerID, pkgs, wait)
		}

		report, err := r.Uninstall(cmd.Context(), managerID, pkgs[0], app.UninstallOptions{
			Force: uninstallForce,
			Wait:  wait,
		})
		if err != nil {
			return withHint(err, managerHint(managerID, err))
		}
		if jsonOutput {
			if err := outputJSON(cmd, report); err != nil {
				return err
			}
		} else {
			printUninstallReport(cmd, report)
		}
		if !report.Success {
			return errUnhealthy
		}
		return nil
	},
}

func runBatchUninstall(cmd *cobra.Command, r *app.Runtime, managerID string, pkgs []string, wait time.Duration) error {
	if wait > 0 {
		// Best effort: another process may still take the lock first, in
		// which case the batch reports it as blocked.
		ok, err := r.WaitLock(cmd.Context(), "batch-wait:"+managerID, wait)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("lock still held after %s", wait)
		}
	}

	bar := progress.NewTerminal(cmd.ErrOrStderr(), !jsonOutput && stderrIsTerminal())
	report, err := r.BatchUninstall(cmd.Context(), managerID, pkgs, app.BatchOptions{
		Force:    uninstallForce,
		Progress: bar.Callback(),
	})
	bar.Done()
	if err != nil {
		return withHint(err, managerHint(managerID, err))
	}
	if jsonOutput {
		if err := outputJSON(cmd, report); err != nil {
			return err
		}
	} else {
		w := out(cmd)
		fmt.Fprintf(w, "Snapshot %s taken before removal\n", color.SnapshotID(report.SnapshotID.String()))
		for _, name := range report.Succeeded {
			fmt.Fprintf(w, "  %s %s\n", color.Success("removed"), color.Package(name))
		}
		for _, f := range report.Failed {
			fmt.Fprintf(w, "  %s %s: %s\n", color.Error("failed "), color.Package(f.Package), f.Error)
		}
		fmt.Fprintf(w, "%d of %d packages removed from %s\n", len(report.Succeeded), report.Total, report.Manager)
	}
	if len(report.Failed) > 0 {
		return errUnhealthy
	}
	return nil
}

func stderrIsTerminal() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func printUninstallReport(cmd *cobra.Command, report *app.UninstallReport) {
	w := out(cmd)
	if report.Success {
		fmt.Fprintf(w, "Removed %s from %s\n", color.Package(report.Package), report.Manager)
	} else {
		fmt.Fprintf(w, "%s to remove %s from %s (exit code %d)\n",
			color.Error("Failed"), color.Package(report.Package), report.Manager, report.Command.ReturnCode)
		if stderr := strings.TrimSpace(report.Command.Stderr); stderr != "" {
			fmt.Fprintln(w, color.Dim(indent(stderr, "  ")))
		}
	}
	fmt.Fprintf(w, "  Snapshot: %s (%s)\n",
		color.SnapshotID(report.SnapshotID.String()),
		color.Dim(report.SnapshotCreatedAt.Local().Format("2006-01-02 15:04:05")))
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

func init() {
	uninstallCmd.Flags().BoolVarP(&uninstallForce, "force", "f", false, "pass the manager's force flag")
	uninstallCmd.Flags().BoolVar(&uninstallWait, "wait", false, "wait for a running mutation instead of failing")
	uninstallCmd.Flags().DurationVar(&uninstallWaitTimeout, "wait-timeout", 0, "how long --wait waits (default lock.wait_timeout)")
	rootCmd.AddCommand(uninstallCmd)
}
