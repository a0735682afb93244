//go:build !windows

package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/package-audit/pkgaudit/internal/adapter"
	"github.com/package-audit/pkgaudit/pkg/errclass"
)

func TestExecRunner_CapturesOutputAndExitCode(t *testing.T) {
	r := adapter.NewExecRunner(5*time.Second, nil)
	res, err := r.Run(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ReturnCode)
}

func TestExecRunner_NoShellInterpretation(t *testing.T) {
	r := adapter.NewExecRunner(5*time.Second, nil)
	res, err := r.Run(context.Background(), []string{"echo", "a; echo injected"})
	require.NoError(t, err)
	assert.Equal(t, "a; echo injected\n", res.Stdout)
}

func TestExecRunner_Timeout(t *testing.T) {
	r := adapter.NewExecRunner(100*time.Millisecond, nil)
	_, err := r.Run(context.Background(), []string{"sleep", "5"})
	assert.ErrorIs(t, err, errclass.ErrCommandTimeout)
}

func TestExecRunner_MissingExecutable(t *testing.T) {
	r := adapter.NewExecRunner(time.Second, nil)
	_, err := r.Run(context.Background(), []string{"pkgaudit-definitely-missing"})
	assert.ErrorIs(t, err, errclass.ErrManagerUnavailable)

	_, err = r.Run(context.Background(), nil)
	assert.ErrorIs(t, err, errclass.ErrCommandFailed)
}

func TestExecRunner_ContextCancelled(t *testing.T) {
	r := adapter.NewExecRunner(5*time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, []string{"sleep", "5"})
	assert.ErrorIs(t, err, context.Canceled)
}
