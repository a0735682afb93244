package adapter

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/logging"
)

// DefaultCommandTimeout bounds every backend invocation.
const DefaultCommandTimeout = 30 * time.Second

// Result is the captured output of one backend command.
type Result struct {
	Stdout     string
	Stderr     string
	ReturnCode int
}

// Runner spawns backend commands. Implementations never go through a shell.
type Runner interface {
	// Run executes argv and returns its output. A non-zero exit is reported
	// in Result.ReturnCode, not as an error.
	Run(ctx context.Context, argv []string) (*Result, error)
	// LookPath resolves an executable name.
	LookPath(name string) (string, error)
}

// ExecRunner runs commands with os/exec under a per-command timeout.
type ExecRunner struct {
	timeout time.Duration
	log     *logging.Logger
}

// NewExecRunner returns a runner; timeout <= 0 uses DefaultCommandTimeout.
func NewExecRunner(timeout time.Duration, log *logging.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &ExecRunner{timeout: timeout, log: log.WithFields(map[string]any{"component": "executor"})}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errclass.ErrCommandFailed.WithMessage("empty command")
	}
	path, err := r.LookPath(argv[0])
	if err != nil {
		return nil, errclass.ErrManagerUnavailable.WithMessagef("%s not found on PATH", argv[0])
	}

	cmdCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, path, argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Info("executing command", map[string]any{"argv": strings.Join(argv, " ")})
	start := time.Now()
	err = cmd.Run()

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		r.log.Error("command timed out", map[string]any{"command": argv[0], "timeout": r.timeout.String()})
		return nil, errclass.ErrCommandTimeout.WithMessagef("%s timed out after %s", argv[0], r.timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errclass.ErrCommandFailed.WithMessagef("%s: %v", argv[0], err)
		}
		res.ReturnCode = exitErr.ExitCode()
	}
	r.log.Info("command finished", map[string]any{
		"command":     argv[0],
		"returncode":  res.ReturnCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

// LookPath implements Runner. On Windows it also checks the default Node.js
// install locations, which are often missing from PATH for services.
func (r *ExecRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err == nil {
		return path, nil
	}
	if runtime.GOOS != "windows" {
		return "", err
	}
	switch name {
	case "npm", "npx", "node":
	default:
		return "", err
	}
	ext := ".cmd"
	if name == "node" {
		ext = ".exe"
	}
	for _, dir := range []string{
		`C:\Program Files\nodejs`,
		filepath.Join(os.Getenv("LOCALAPPDATA"), "Programs", "nodejs"),
	} {
		candidate := filepath.Join(dir, name+ext)
		if _, serr := os.Stat(candidate); serr == nil {
			return candidate, nil
		}
	}
	return "", err
}
