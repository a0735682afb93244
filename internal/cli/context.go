package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/config"
	"github.com/package-audit/pkgaudit/pkg/errclass"
)

var (
	rt *app.Runtime
	// runtimeOptions seeds every Runtime built by requireRuntime. Home and
	// Config are filled from flags and the config file.
	runtimeOptions app.Options
)

// resolveHome returns --home, or the environment/default home.
func resolveHome() (string, error) {
	if homeDir != "" {
		return homeDir, nil
	}
	return config.HomeDir()
}

// loadConfig reads the home's config and applies --log-level.
func loadConfig(home string) (*config.Config, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// requireRuntime builds the process Runtime once per invocation.
func requireRuntime() (*app.Runtime, error) {
	if rt != nil {
		return rt, nil
	}
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(home)
	if err != nil {
		return nil, err
	}
	opts := runtimeOptions
	opts.Home = home
	opts.Config = cfg
	r, err := app.New(opts)
	if err != nil {
		return nil, err
	}
	rt = r
	return rt, nil
}

func closeRuntime() {
	if rt == nil {
		return
	}
	if err := rt.Close(); err != nil {
		fmtErr("%v", err)
	}
	rt = nil
}

// hintError attaches a follow-up suggestion to err.
type hintError struct {
	err  error
	hint string
}

func (e *hintError) Error() string { return e.err.Error() }
func (e *hintError) Unwrap() error { return e.err }

func withHint(err error, hint string) error {
	if err == nil || hint == "" {
		return err
	}
	return &hintError{err: err, hint: hint}
}

// reportError prints err with the pkgaudit prefix, naming the lock holder
// when a mutation was blocked.
func reportError(w io.Writer, err error) {
	fprintErr(w, "%v", err)

	var ce *errclass.Error
	if errors.As(err, &ce) && ce.Holder != "" {
		fmt.Fprintln(w, color.Dim(fmt.Sprintf("  Retry with %s, or inspect the holder with %s.",
			color.Code("--wait"), color.Code("pkgaudit lock status"))))
	}
	var he *hintError
	if errors.As(err, &he) {
		fmt.Fprintln(w, color.Dim("  "+he.hint))
	}
}

func fmtErr(format string, args ...any) {
	fprintErr(os.Stderr, format, args...)
}

func fprintErr(w io.Writer, format string, args ...any) {
	prefix := "pkgaudit: "
	if color.Enabled() {
		prefix = color.Error("pkgaudit:") + " "
	}
	fmt.Fprintf(w, prefix+format+"\n", args...)
}
