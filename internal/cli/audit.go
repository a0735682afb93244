package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/model"
)

var (
	auditLimit int
	auditType  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read and verify the audit journal",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the journal's hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		report, err := r.Audit.Verify()
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, report)
		}
		fmt.Fprintf(out(cmd), "%s %d records verified\n", color.Success("OK"), report.Records)
		if report.Records > 0 {
			fmt.Fprintf(out(cmd), "  Last hash: %s\n", color.Dim(string(report.LastHash)))
		}
		return nil
	},
}

var auditLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show journal records, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		records, err := r.Audit.Records()
		if err != nil {
			return err
		}

		shown := make([]model.AuditRecord, 0, len(records))
		for i := len(records) - 1; i >= 0; i-- {
			if auditType != "" && string(records[i].EventType) != auditType {
				continue
			}
			shown = append(shown, records[i])
			if auditLimit > 0 && len(shown) == auditLimit {
				break
			}
		}

		if jsonOutput {
			return outputJSON(cmd, shown)
		}
		if len(shown) == 0 {
			fmt.Fprintln(out(cmd), "No audit records.")
			return nil
		}
		for _, rec := range shown {
			subject := rec.Manager
			if rec.Package != "" {
				subject += " " + color.Package(rec.Package)
			}
			if rec.SnapshotID != "" {
				subject += " " + color.SnapshotID(rec.SnapshotID.String())
			}
			fmt.Fprintf(out(cmd), "%s  %-18s %s\n",
				color.Dim(rec.Timestamp.Local().Format("2006-01-02 15:04:05")),
				rec.EventType,
				subject)
		}
		return nil
	},
}

func init() {
	auditLogCmd.Flags().IntVarP(&auditLimit, "limit", "n", 0, "limit number of entries (0 = all)")
	auditLogCmd.Flags().StringVar(&auditType, "type", "", "only records of this event type")
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditLogCmd)
	rootCmd.AddCommand(auditCmd)
}
