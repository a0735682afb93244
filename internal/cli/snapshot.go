package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/model"
)

var (
	snapshotManagers []string
	snapshotReason   string

	listManager string
	listReason  string
	listPackage string
	listSince   string
	listUntil   string
	listLimit   int
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, inspect and delete package snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record the installed packages of one or more managers",
	Long: `Record the installed packages of one or more managers.

Without --manager every detected manager is recorded. Only the newest
snapshots are kept (snapshots.retention_limit).

Examples:
  pkgaudit snapshot create
  pkgaudit snapshot create --manager npm --manager pip --reason before-cleanup`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		summary, err := r.CreateSnapshot(cmd.Context(), snapshotManagers, snapshotReason)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, summary)
		}
		fmt.Fprintf(out(cmd), "Created snapshot %s\n", color.SnapshotID(summary.ID.String()))
		fmt.Fprintf(out(cmd), "  Managers: %s\n", strings.Join(summary.Managers, ", "))
		fmt.Fprintf(out(cmd), "  Packages: %d\n", summary.PackageCount)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		opts := snapshot.FilterOptions{
			Manager: listManager,
			Reason:  listReason,
			Package: listPackage,
		}
		if opts.Since, err = parseTimeFlag("since", listSince); err != nil {
			return err
		}
		if opts.Until, err = parseTimeFlag("until", listUntil); err != nil {
			return err
		}
		records, err := r.Snapshots.Find(opts)
		if err != nil {
			return err
		}
		if listLimit > 0 && len(records) > listLimit {
			records = records[:listLimit]
		}

		if jsonOutput {
			summaries := make([]*model.SnapshotSummary, len(records))
			for i, rec := range records {
				summaries[i] = rec.Summary()
			}
			return outputJSON(cmd, summaries)
		}

		if len(records) == 0 {
			fmt.Fprintln(out(cmd), "No snapshots found.")
			return nil
		}
		for _, rec := range records {
			reason := rec.Metadata[model.MetaReason]
			if pkg := rec.Metadata[model.MetaPackage]; pkg != "" {
				reason += " " + color.Package(pkg)
			}
			fmt.Fprintf(out(cmd), "%s  %s  %-24s %s\n",
				color.SnapshotID(rec.ID.String()),
				color.Dim(rec.CreatedAt.Local().Format("2006-01-02 15:04")),
				strings.Join(rec.Summary().Managers, ","),
				reason,
			)
		}
		return nil
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a snapshot's metadata and packages",
	Long: `Show a snapshot's metadata and packages.

<id> may be a unique prefix of a snapshot id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		rec, err := r.Snapshots.Resolve(args[0])
		if err != nil {
			return snapshotLookupError(args[0], r.Snapshots, err)
		}
		if jsonOutput {
			return outputJSON(cmd, rec)
		}

		w := out(cmd)
		fmt.Fprintf(w, "Snapshot %s\n", color.SnapshotID(rec.ID.String()))
		fmt.Fprintf(w, "  Created: %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
		keys := make([]string, 0, len(rec.Metadata))
		for k := range rec.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, rec.Metadata[k])
		}
		for _, manager := range rec.Summary().Managers {
			pkgs := rec.Managers[manager]
			fmt.Fprintf(w, "\n%s (%d)\n", color.Header(manager), len(pkgs))
			for _, p := range pkgs {
				fmt.Fprintf(w, "  %s  %s\n", color.Package(p.Name), color.Dim(p.Version))
			}
		}
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		id := model.SnapshotID(args[0])
		if err := r.DeleteSnapshot(cmd.Context(), id); err != nil {
			return snapshotLookupError(args[0], r.Snapshots, err)
		}
		if jsonOutput {
			return outputJSON(cmd, map[string]any{"deleted": id})
		}
		fmt.Fprintf(out(cmd), "Deleted snapshot %s\n", color.SnapshotID(id.String()))
		return nil
	},
}

func parseTimeFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		return time.Time{}, errclass.ErrNameInvalid.WithMessagef("--%s must be RFC 3339 or YYYY-MM-DD", name)
	}
	return t, nil
}

// snapshotLookupError adds close-match suggestions to a not-found error.
func snapshotLookupError(query string, store *snapshot.Store, err error) error {
	if !errors.Is(err, errclass.ErrNotFound) {
		return err
	}
	return withHint(err, suggestSnapshots(query, store))
}

func init() {
	snapshotCreateCmd.Flags().StringArrayVarP(&snapshotManagers, "manager", "m", nil, "manager to record (repeatable; default all detected)")
	snapshotCreateCmd.Flags().StringVar(&snapshotReason, "reason", "", "reason stored in the snapshot metadata (default manual)")

	snapshotListCmd.Flags().StringVar(&listManager, "manager", "", "only snapshots recording this manager")
	snapshotListCmd.Flags().StringVar(&listReason, "reason", "", "only snapshots with this reason")
	snapshotListCmd.Flags().StringVar(&listPackage, "package", "", "only snapshots containing this package")
	snapshotListCmd.Flags().StringVar(&listSince, "since", "", "only snapshots created at or after this time")
	snapshotListCmd.Flags().StringVar(&listUntil, "until", "", "only snapshots created at or before this time")
	snapshotListCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "limit number of entries (0 = all)")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}
