package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/package-audit/pkgaudit/internal/lock"
	"github.com/package-audit/pkgaudit/internal/queue"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/package-audit/pkgaudit/pkg/model"
)

func setup(t *testing.T, pid int) (*queue.Queue, *lock.Manager) {
	t.Helper()
	mgr, err := lock.NewManager(t.TempDir(), lock.Options{PID: pid})
	require.NoError(t, err)
	return queue.New(mgr, nil, nil), mgr
}

func TestExecute_MutationCompletesAndReleases(t *testing.T) {
	q, mgr := setup(t, 1001)

	out, err := queue.Execute(context.Background(), q, "op-1", model.OperationMutation, func(context.Context) (int, error) {
		locked, err := mgr.IsLocked()
		require.NoError(t, err)
		assert.True(t, locked, "lock must be held while the body runs")
		return 42, nil
	})
	require.NoError(t, err)
	assert.False(t, out.Blocked)
	assert.Equal(t, 42, out.Value)
	assert.NoError(t, out.Err())

	locked, err := mgr.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecute_MutationBlockedByOtherProcess(t *testing.T) {
	home := t.TempDir()
	holder, err := lock.NewManager(home, lock.Options{PID: 1001})
	require.NoError(t, err)
	mine, err := lock.NewManager(home, lock.Options{PID: 1002})
	require.NoError(t, err)
	q := queue.New(mine, nil, nil)

	ok, err := holder.Acquire("uninstall:npm:react")
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	out, err := queue.Execute(context.Background(), q, "uninstall:pip:requests", model.OperationMutation, func(context.Context) (string, error) {
		called = true
		return "ran", nil
	})
	require.NoError(t, err)
	assert.False(t, called, "blocked mutation must not run")
	assert.True(t, out.Blocked)
	assert.Equal(t, "uninstall:npm:react", out.Holder)

	blockedErr := out.Err()
	require.ErrorIs(t, blockedErr, errclass.ErrOperationInProgress)
	assert.Contains(t, blockedErr.Error(), "uninstall:npm:react")

	var ec *errclass.Error
	require.True(t, errors.As(blockedErr, &ec))
	assert.Equal(t, "uninstall:npm:react", ec.Holder)

	rec, err := holder.Info()
	require.NoError(t, err)
	assert.Equal(t, "uninstall:npm:react", rec.OperationID, "holder's lock untouched")
}

func TestExecute_ReadRunsWhileLocked(t *testing.T) {
	q, mgr := setup(t, 1001)
	ok, err := mgr.Acquire("someone-else")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := queue.Execute(context.Background(), q, "list", model.OperationRead, func(context.Context) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Value)

	rec, err := mgr.Info()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", rec.OperationID)
}

func TestExecute_MutationErrorReleases(t *testing.T) {
	q, mgr := setup(t, 1001)
	boom := errors.New("boom")

	_, err := queue.Execute(context.Background(), q, "op-err", model.OperationMutation, func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	locked, err := mgr.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecute_MutationPanicReleases(t *testing.T) {
	q, mgr := setup(t, 1001)

	assert.Panics(t, func() {
		queue.Execute(context.Background(), q, "op-panic", model.OperationMutation, func(context.Context) (int, error) {
			panic("kaboom")
		})
	})

	locked, err := mgr.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecute_NestedMutationBlocked(t *testing.T) {
	q, _ := setup(t, 1001)

	out, err := queue.Execute(context.Background(), q, "outer", model.OperationMutation, func(ctx context.Context) (queue.Outcome[int], error) {
		return queue.Execute(ctx, q, "inner", model.OperationMutation, func(context.Context) (int, error) {
			return 1, nil
		})
	})
	require.NoError(t, err)
	inner := out.Value
	assert.True(t, inner.Blocked)
	assert.Equal(t, "outer", inner.Holder)
}

func TestExecute_SequentialMutations(t *testing.T) {
	q, _ := setup(t, 1001)
	for i := 0; i < 3; i++ {
		out, err := queue.Execute(context.Background(), q, "op", model.OperationMutation, func(context.Context) (int, error) {
			return i, nil
		})
		require.NoError(t, err)
		assert.False(t, out.Blocked)
		assert.Equal(t, i, out.Value)
	}
}

func TestExecute_CancelledContextSkipsMutation(t *testing.T) {
	q, mgr := setup(t, 1001)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := queue.Execute(ctx, q, "op", model.OperationMutation, func(context.Context) (int, error) {
		t.Fatal("must not run")
		return 0, nil
	})
	require.ErrorIs(t, err, context.Canceled)

	locked, _ := mgr.IsLocked()
	assert.False(t, locked)
}

func TestExecute_MutationBodyOutlivesCallerCancel(t *testing.T) {
	q, mgr := setup(t, 1001)
	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	defer cancel()

	out, err := queue.Execute(ctx, q, "uninstall:npm:left-pad", model.OperationMutation, func(bodyCtx context.Context) (string, error) {
		cancel()
		assert.Equal(t, "v", bodyCtx.Value(key{}), "values still flow into the body")
		select {
		case <-bodyCtx.Done():
			return "body saw cancellation: " + bodyCtx.Err().Error(), nil
		case <-time.After(200 * time.Millisecond):
			return "body ran to completion", nil
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "body ran to completion", out.Value)

	locked, err := mgr.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExecute_ReleaseLeavesReclaimedLock(t *testing.T) {
	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	mgr, err := lock.NewManager(t.TempDir(), lock.Options{PID: 1001, Now: clock})
	require.NoError(t, err)
	q := queue.New(mgr, nil, nil)

	_, err = queue.Execute(context.Background(), q, "op-a", model.OperationMutation, func(context.Context) (int, error) {
		offset.Store(int64(31 * time.Second))
		ok, err := mgr.Acquire("op-b")
		require.NoError(t, err)
		require.True(t, ok)
		return 0, nil
	})
	require.NoError(t, err)

	rec, err := mgr.Info()
	require.NoError(t, err)
	assert.Equal(t, "op-b", rec.OperationID, "op-a must not release op-b's lock")
}

func TestExecute_InvalidOperationID(t *testing.T) {
	q, _ := setup(t, 1001)
	_, err := queue.Execute(context.Background(), q, "", model.OperationMutation, func(context.Context) (int, error) {
		return 0, nil
	})
	require.ErrorIs(t, err, errclass.ErrNameInvalid)
}

type refusingLocker struct{}

func (refusingLocker) Acquire(string) (bool, error)   { return false, nil }
func (refusingLocker) ReleaseIf(string) (bool, error) { return false, nil }
func (refusingLocker) Info() (*model.LockRecord, error) {
	return nil, errclass.ErrNotFound.WithMessage("no lock held")
}

func TestExecute_VanishedHolderIsUnknown(t *testing.T) {
	q := queue.New(refusingLocker{}, nil, nil)
	out, err := queue.Execute(context.Background(), q, "op", model.OperationMutation, func(context.Context) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, out.Blocked)
	assert.Equal(t, queue.UnknownHolder, out.Holder)
	assert.Contains(t, out.Err().Error(), "operation blocked by: unknown")
}

func TestOutcome_Unwrap(t *testing.T) {
	v, err := queue.Completed("x").Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	_, err = queue.BlockedBy[string]("h").Unwrap()
	assert.ErrorIs(t, err, errclass.ErrOperationInProgress)
}

func TestExecute_RecordsMetrics(t *testing.T) {
	home := t.TempDir()
	reg := metrics.NewRegistry()
	holder, err := lock.NewManager(home, lock.Options{PID: 1001})
	require.NoError(t, err)
	mine, err := lock.NewManager(home, lock.Options{PID: 1002})
	require.NoError(t, err)
	q := queue.New(mine, nil, reg)

	_, err = queue.Execute(context.Background(), q, "a", model.OperationMutation, func(context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)

	ok, _ := holder.Acquire("held")
	require.True(t, ok)
	_, err = queue.Execute(context.Background(), q, "b", model.OperationMutation, func(context.Context) (int, error) { return 0, nil })
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg.Gatherer(), "pkgaudit_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series each for completed and blocked")
}
