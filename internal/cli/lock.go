package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/model"
)

var (
	lockReleaseForce bool
	lockWaitTimeout  time.Duration
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and manage the mutation lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the mutation lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		state, rec, err := r.LockStatus()
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, map[string]any{
				"state":  state,
				"record": rec,
				"path":   r.Lock.Path(),
			})
		}

		w := out(cmd)
		fmt.Fprintf(w, "Lock state: %s\n", lockStateLabel(state))
		if rec != nil {
			fmt.Fprintf(w, "  Operation: %s\n", rec.OperationID)
			fmt.Fprintf(w, "  Owner PID: %d\n", rec.OwnerPID)
			fmt.Fprintf(w, "  Hostname: %s\n", rec.Hostname)
			fmt.Fprintf(w, "  Acquired: %s (%s ago)\n",
				rec.AcquiredAt.Local().Format(time.RFC3339),
				time.Since(rec.AcquiredAt).Truncate(time.Second))
		}
		if state == model.LockStateStale || state == model.LockStateCorrupt {
			fmt.Fprintln(w, color.Dim(fmt.Sprintf("  The next mutation reclaims it; %s removes it now.",
				color.Code("pkgaudit lock release --force"))))
		}
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release the mutation lock",
	Long: `Release the mutation lock.

Without --force only a lock owned by this process is removed, which makes the
command a no-op from a fresh shell. --force removes any lock; use it only when
the holder is known to be gone. Forced releases are recorded in the audit
journal.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		released, err := r.ReleaseLock(lockReleaseForce)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, map[string]any{"released": released})
		}
		if released {
			fmt.Fprintln(out(cmd), color.Success("Lock released."))
		} else {
			fmt.Fprintln(out(cmd), "Nothing released.")
		}
		return nil
	},
}

var lockWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until the mutation lock is free",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		ok, err := r.WaitLock(cmd.Context(), "lock-wait", lockWaitTimeout)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := outputJSON(cmd, map[string]any{"free": ok}); err != nil {
				return err
			}
		} else if ok {
			fmt.Fprintln(out(cmd), "Lock is free.")
		} else {
			fmt.Fprintln(out(cmd), color.Warning("Lock still held."))
		}
		if !ok {
			return errUnhealthy
		}
		return nil
	},
}

func lockStateLabel(state model.LockState) string {
	switch state {
	case model.LockStateFree:
		return color.Success(string(state))
	case model.LockStateHeld:
		return color.Warning(string(state))
	default:
		return color.Error(string(state))
	}
}

func init() {
	lockReleaseCmd.Flags().BoolVar(&lockReleaseForce, "force", false, "remove the lock whoever holds it")
	lockWaitCmd.Flags().DurationVar(&lockWaitTimeout, "timeout", 0, "give up after this long (default lock.wait_timeout)")
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockCmd.AddCommand(lockWaitCmd)
	rootCmd.AddCommand(lockCmd)
}
