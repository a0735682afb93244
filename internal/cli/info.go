package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/pkg/config"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show state directory information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		state, _, err := r.LockStatus()
		if err != nil {
			return err
		}
		ids, err := r.Snapshots.IDs()
		if err != nil {
			return err
		}
		records, err := r.Audit.Records()
		if err != nil {
			return err
		}
		detected := make([]string, 0)
		for _, a := range r.Registry.Detected() {
			detected = append(detected, a.ID())
		}

		info := map[string]any{
			"home":            r.Home,
			"config":          config.Path(r.Home),
			"lock_state":      state,
			"snapshot_count":  len(ids),
			"retention_limit": r.Snapshots.RetentionLimit(),
			"audit_records":   len(records),
			"managers":        detected,
		}
		if jsonOutput {
			return outputJSON(cmd, info)
		}

		w := out(cmd)
		fmt.Fprintf(w, "Home: %s\n", r.Home)
		fmt.Fprintf(w, "  Config: %s\n", config.Path(r.Home))
		fmt.Fprintf(w, "  Lock: %s\n", lockStateLabel(state))
		fmt.Fprintf(w, "  Snapshots: %d (keeping %d)\n", len(ids), r.Snapshots.RetentionLimit())
		fmt.Fprintf(w, "  Audit records: %d\n", len(records))
		fmt.Fprintf(w, "  Managers: %v\n", detected)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
