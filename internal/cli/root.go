package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/pkg/color"
)

var (
	jsonOutput bool
	homeDir    string
	logLevel   string
	noColor    bool
	rootCmd    = &cobra.Command{
		Use:   "pkgaudit",
		Short: "pkgaudit - safe package removal across package managers",
		Long: `pkgaudit lists and removes packages across npm, pnpm, pip, pipx, brew
and winget. Every removal is serialized behind a host-wide lock and preceded
by a snapshot of the installed packages, and every mutation is recorded in a
hash-chained audit journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	bindGlobalFlags(rootCmd)
}

func bindGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().StringVar(&homeDir, "home", "", "state directory (default $PKGAUDIT_HOME or ~/.package-audit)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// exitError carries a non-default exit status. Silent errors have already
// been reported by the command.
type exitError struct {
	code   int
	silent bool
	err    error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// errUnhealthy makes a command exit 1 after it printed its own report.
var errUnhealthy = &exitError{code: 1, silent: true}

// Execute runs the root command with ctx and returns the process exit code.
// The runtime is closed on every path, releasing a lock this process still
// holds.
func Execute(ctx context.Context) int {
	defer closeRuntime()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.silent {
			reportError(os.Stderr, err)
		}
		return ee.code
	}
	reportError(os.Stderr, err)
	return 1
}

// outputJSON prints v as indented JSON to the command's stdout.
func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
