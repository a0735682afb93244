package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/package-audit/pkgaudit/internal/adapter"
	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/pkg/config"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/webhook"
)

type fakeAdapter struct {
	id       string
	detected bool
	listErr  error
	failing  map[string]bool

	mu          sync.Mutex
	packages    []model.PackageEntry
	uninstalled []string
	onUninstall func()
}

func newFake(id string, names ...string) *fakeAdapter {
	f := &fakeAdapter{id: id, detected: true, failing: map[string]bool{}}
	for _, n := range names {
		f.packages = append(f.packages, model.PackageEntry{Name: n, Version: "1.0.0", Status: "installed", Manager: id})
	}
	return f
}

func (f *fakeAdapter) ID() string          { return f.id }
func (f *fakeAdapter) DisplayName() string { return f.id }
func (f *fakeAdapter) Detect() bool        { return f.detected }

func (f *fakeAdapter) Version(context.Context) (string, error) { return "1.0", nil }

func (f *fakeAdapter) ListPackages(context.Context) ([]model.PackageEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PackageEntry(nil), f.packages...), nil
}

func (f *fakeAdapter) Uninstall(_ context.Context, name string, force bool) (*model.UninstallResult, error) {
	if f.onUninstall != nil {
		f.onUninstall()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalled = append(f.uninstalled, name)
	if f.failing[name] {
		return &model.UninstallResult{Package: name, Force: force, Stderr: "not installed", ReturnCode: 1}, nil
	}
	kept := f.packages[:0]
	for _, p := range f.packages {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	f.packages = kept
	return &model.UninstallResult{Success: true, Package: name, Force: force, Stdout: "removed " + name}, nil
}

func (f *fakeAdapter) ExportManifest(ctx context.Context) (*model.Manifest, error) {
	pkgs, err := f.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	return &model.Manifest{Manager: f.id, Packages: pkgs}, nil
}

func (f *fakeAdapter) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uninstalled...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Lock.PollInterval = 10 * time.Millisecond
	return cfg
}

func newRuntime(t *testing.T, home string, pid int, adapters ...adapter.Adapter) *app.Runtime {
	t.Helper()
	rt, err := app.New(app.Options{
		Home:     home,
		Config:   testConfig(),
		Registry: adapter.NewRegistryOf(adapters...),
		PID:      pid,
	})
	require.NoError(t, err)
	return rt
}

func TestUninstall_SnapshotsThenRemoves(t *testing.T) {
	npm := newFake("npm", "react", "left-pad")
	rt := newRuntime(t, t.TempDir(), 0, npm)

	report, err := rt.Uninstall(context.Background(), "npm", "left-pad", app.UninstallOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.True(t, report.Force)
	assert.Equal(t, "npm", report.Manager)
	assert.Equal(t, "left-pad", report.Package)
	assert.Equal(t, "removed left-pad", report.Command.Stdout)
	assert.True(t, report.SnapshotID.Valid())

	rec, err := rt.Snapshots.Get(report.SnapshotID)
	require.NoError(t, err)
	require.Len(t, rec.Managers["npm"], 2, "snapshot holds the state before removal")
	assert.Equal(t, model.ReasonPreUninstall, rec.Metadata[model.MetaReason])
	assert.Equal(t, "left-pad", rec.Metadata[model.MetaPackage])
	assert.Equal(t, "uninstall:npm:left-pad", rec.Metadata[model.MetaOperation])

	locked, err := rt.Lock.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)

	records, err := rt.Audit.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.EventTypeSnapshotCreate, records[0].EventType)
	assert.Equal(t, model.EventTypeUninstall, records[1].EventType)
	assert.Equal(t, report.SnapshotID, records[1].SnapshotID)
	_, err = rt.Audit.Verify()
	assert.NoError(t, err)
}

func TestUninstall_ReportsStages(t *testing.T) {
	rt := newRuntime(t, t.TempDir(), 0, newFake("npm", "left-pad"))
	var kinds []app.StageKind
	var snapID model.SnapshotID
	report, err := rt.Uninstall(context.Background(), "npm", "left-pad", app.UninstallOptions{
		OnStage: func(st app.Stage) {
			kinds = append(kinds, st.Kind)
			if st.Kind == app.StageSnapshot {
				snapID = st.SnapshotID
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []app.StageKind{app.StageListing, app.StageSnapshot, app.StageRemoving}, kinds)
	assert.Equal(t, report.SnapshotID, snapID)
}

func TestUninstall_BackendFailureIsReported(t *testing.T) {
	pip := newFake("pip", "requests")
	pip.failing["requests"] = true
	rt := newRuntime(t, t.TempDir(), 0, pip)

	report, err := rt.Uninstall(context.Background(), "pip", "requests", app.UninstallOptions{})
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Equal(t, 1, report.Command.ReturnCode)
	assert.Equal(t, "not installed", report.Command.Stderr)

	_, err = rt.Snapshots.Get(report.SnapshotID)
	assert.NoError(t, err)
}

func TestUninstall_BlockedNamesHolder(t *testing.T) {
	home := t.TempDir()
	npm := newFake("npm", "left-pad")
	rt := newRuntime(t, home, 0, npm)
	other := newRuntime(t, home, 424242, npm)

	ok, err := other.Lock.Acquire("uninstall:npm:left-pad")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = rt.Uninstall(context.Background(), "npm", "left-pad", app.UninstallOptions{})
	require.ErrorIs(t, err, errclass.ErrOperationInProgress)
	var ce *errclass.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "uninstall:npm:left-pad", ce.Holder)
	assert.Empty(t, npm.calls())

	summaries, err := rt.Snapshots.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)

	released, err := other.Lock.Release(false)
	require.NoError(t, err)
	require.True(t, released)

	report, err := rt.Uninstall(context.Background(), "npm", "left-pad", app.UninstallOptions{})
	require.NoError(t, err)
	assert.True(t, report.Success)
}

func TestUninstall_WaitRetriesUntilFree(t *testing.T) {
	home := t.TempDir()
	npm := newFake("npm", "react")
	rt := newRuntime(t, home, 0, npm)
	other := newRuntime(t, home, 424242, npm)

	ok, err := other.Lock.Acquire("snapshot:manual")
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = other.Lock.Release(false)
	}()

	report, err := rt.Uninstall(context.Background(), "npm", "react", app.UninstallOptions{Wait: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, report.Success)
}

func TestUninstall_WaitGivesUp(t *testing.T) {
	home := t.TempDir()
	npm := newFake("npm", "react")
	rt := newRuntime(t, home, 0, npm)
	other := newRuntime(t, home, 424242, npm)
	_, err := other.Lock.Acquire("snapshot:manual")
	require.NoError(t, err)

	_, err = rt.Uninstall(context.Background(), "npm", "react", app.UninstallOptions{Wait: 50 * time.Millisecond})
	assert.ErrorIs(t, err, errclass.ErrOperationInProgress)
}

func TestUninstall_InputErrors(t *testing.T) {
	npm := newFake("npm", "react")
	brew := newFake("brew")
	brew.detected = false
	rt := newRuntime(t, t.TempDir(), 0, npm, brew)
	ctx := context.Background()

	_, err := rt.Uninstall(ctx, "npm", "lodash; rm -rf /", app.UninstallOptions{})
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	_, err = rt.Uninstall(ctx, "npm", "--global", app.UninstallOptions{})
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	_, err = rt.Uninstall(ctx, "Npm", "react", app.UninstallOptions{})
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	_, err = rt.Uninstall(ctx, "cargo", "react", app.UninstallOptions{})
	assert.ErrorIs(t, err, errclass.ErrManagerUnknown)
	_, err = rt.Uninstall(ctx, "brew", "wget", app.UninstallOptions{})
	assert.ErrorIs(t, err, errclass.ErrManagerUnavailable)

	assert.Empty(t, npm.calls())
}

func TestUninstall_ListFailureWritesNothing(t *testing.T) {
	npm := newFake("npm", "react")
	npm.listErr = errclass.ErrCommandFailed.WithMessage("npm exploded")
	rt := newRuntime(t, t.TempDir(), 0, npm)

	_, err := rt.Uninstall(context.Background(), "npm", "react", app.UninstallOptions{})
	require.ErrorIs(t, err, errclass.ErrCommandFailed)
	assert.Empty(t, npm.calls())

	summaries, err := rt.Snapshots.List()
	require.NoError(t, err)
	assert.Empty(t, summaries)

	locked, err := rt.Lock.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestUninstall_HoldsLockWhileRunning(t *testing.T) {
	home := t.TempDir()
	npm := newFake("npm", "react")
	rt := newRuntime(t, home, 0, npm)
	observer := newRuntime(t, home, 424242, npm)

	var state model.LockState
	var holder string
	npm.onUninstall = func() {
		s, rec, err := observer.LockStatus()
		if err == nil {
			state = s
			if rec != nil {
				holder = rec.OperationID
			}
		}
	}
	_, err := rt.Uninstall(context.Background(), "npm", "react", app.UninstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.LockStateHeld, state)
	assert.Equal(t, "uninstall:npm:react", holder)
}

func TestBatchUninstall(t *testing.T) {
	npm := newFake("npm", "a", "b", "c")
	npm.failing["b"] = true
	rt := newRuntime(t, t.TempDir(), 0, npm)

	var steps []string
	report, err := rt.BatchUninstall(context.Background(), "npm", []string{"a", "b", "c"}, app.BatchOptions{Progress: func(_ string, current, total int, item string) {
		steps = append(steps, fmt.Sprintf("%d/%d %s", current, total, item))
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, []string{"a", "c"}, report.Succeeded)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "b", report.Failed[0].Package)
	assert.Equal(t, []string{"1/3 a", "2/3 b", "3/3 c"}, steps)

	rec, err := rt.Snapshots.Get(report.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonPreBatchUninstall, rec.Metadata[model.MetaReason])
	assert.Len(t, rec.Managers["npm"], 3)
}

func TestBatchUninstall_CallerCancelDoesNotStopBatch(t *testing.T) {
	npm := newFake("npm", "a", "b", "c")
	rt := newRuntime(t, t.TempDir(), 0, npm)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	npm.onUninstall = cancel

	report, err := rt.BatchUninstall(ctx, "npm", []string{"a", "b", "c"}, app.BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"a", "b", "c"}, npm.calls())
}

func TestBatchUninstall_ValidatesAllNamesFirst(t *testing.T) {
	npm := newFake("npm", "a")
	rt := newRuntime(t, t.TempDir(), 0, npm)

	_, err := rt.BatchUninstall(context.Background(), "npm", []string{"a", "../etc/passwd"}, app.BatchOptions{})
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
	assert.Empty(t, npm.calls())

	_, err = rt.BatchUninstall(context.Background(), "npm", nil, app.BatchOptions{})
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
}

func TestCreateSnapshot_AllDetected(t *testing.T) {
	npm := newFake("npm", "react")
	pip := newFake("pip", "requests", "flask")
	brew := newFake("brew", "wget")
	brew.detected = false
	rt := newRuntime(t, t.TempDir(), 0, npm, pip, brew)

	summary, err := rt.CreateSnapshot(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"npm", "pip"}, summary.Managers)
	assert.Equal(t, 3, summary.PackageCount)

	rec, err := rt.Snapshots.Get(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonManual, rec.Metadata[model.MetaReason])

	records, err := rt.Audit.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EventTypeSnapshotCreate, records[0].EventType)
}

func TestCreateSnapshot_ListFailureAborts(t *testing.T) {
	npm := newFake("npm", "react")
	pip := newFake("pip")
	pip.listErr = errclass.ErrCommandTimeout
	rt := newRuntime(t, t.TempDir(), 0, npm, pip)

	_, err := rt.CreateSnapshot(context.Background(), []string{"npm", "pip"}, "manual")
	require.ErrorIs(t, err, errclass.ErrCommandTimeout)

	ids, err := rt.Snapshots.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCreateSnapshot_NothingDetected(t *testing.T) {
	npm := newFake("npm")
	npm.detected = false
	rt := newRuntime(t, t.TempDir(), 0, npm)
	_, err := rt.CreateSnapshot(context.Background(), nil, "")
	assert.ErrorIs(t, err, errclass.ErrManagerUnavailable)
}

func TestDiffSnapshot_ShowsRemovedPackage(t *testing.T) {
	npm := newFake("npm", "react", "left-pad")
	rt := newRuntime(t, t.TempDir(), 0, npm)

	report, err := rt.Uninstall(context.Background(), "npm", "left-pad", app.UninstallOptions{})
	require.NoError(t, err)

	diff, err := rt.DiffSnapshot(context.Background(), report.SnapshotID.String())
	require.NoError(t, err)
	require.Len(t, diff.Managers, 1)
	md := diff.Managers[0]
	assert.Equal(t, "npm", md.Manager)
	require.Len(t, md.Missing, 1)
	assert.Equal(t, "left-pad", md.Missing[0].Name)
	assert.Empty(t, md.Added)
}

func TestDiffSnapshot_UndetectedManagerComparesEmpty(t *testing.T) {
	npm := newFake("npm", "react")
	rt := newRuntime(t, t.TempDir(), 0, npm)
	summary, err := rt.CreateSnapshot(context.Background(), nil, "")
	require.NoError(t, err)

	npm.detected = false
	diff, err := rt.DiffSnapshot(context.Background(), summary.ID.String())
	require.NoError(t, err)
	require.Len(t, diff.Managers, 1)
	assert.Len(t, diff.Managers[0].Missing, 1)
}

func TestDeleteSnapshot(t *testing.T) {
	npm := newFake("npm", "react")
	rt := newRuntime(t, t.TempDir(), 0, npm)
	summary, err := rt.CreateSnapshot(context.Background(), nil, "")
	require.NoError(t, err)

	require.NoError(t, rt.DeleteSnapshot(context.Background(), summary.ID))
	_, err = rt.Snapshots.Get(summary.ID)
	assert.ErrorIs(t, err, errclass.ErrNotFound)

	err = rt.DeleteSnapshot(context.Background(), summary.ID)
	assert.ErrorIs(t, err, errclass.ErrNotFound)
	err = rt.DeleteSnapshot(context.Background(), "../../etc")
	assert.ErrorIs(t, err, errclass.ErrNameInvalid)
}

func TestListPackages(t *testing.T) {
	npm := newFake("npm", "react")
	rt := newRuntime(t, t.TempDir(), 0, npm)
	pkgs, err := rt.ListPackages(context.Background(), "npm")
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "react", pkgs[0].Name)
}

func TestListPackages_RunsWhileLocked(t *testing.T) {
	home := t.TempDir()
	npm := newFake("npm", "react")
	rt := newRuntime(t, home, 0, npm)
	other := newRuntime(t, home, 424242, npm)
	_, err := other.Lock.Acquire("uninstall:npm:react")
	require.NoError(t, err)

	pkgs, err := rt.ListPackages(context.Background(), "npm")
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)
}

func TestReleaseLock_ForceJournals(t *testing.T) {
	home := t.TempDir()
	rt := newRuntime(t, home, 0)
	other := newRuntime(t, home, 424242)
	_, err := other.Lock.Acquire("uninstall:npm:react")
	require.NoError(t, err)

	released, err := rt.ReleaseLock(false)
	require.NoError(t, err)
	assert.False(t, released)

	released, err = rt.ReleaseLock(true)
	require.NoError(t, err)
	assert.True(t, released)

	records, err := rt.Audit.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EventTypeLockForceRelease, records[0].EventType)
	assert.Equal(t, "uninstall:npm:react", records[0].OperationID)
}

func TestWaitLock(t *testing.T) {
	home := t.TempDir()
	rt := newRuntime(t, home, 0)
	other := newRuntime(t, home, 424242)
	_, err := other.Lock.Acquire("uninstall:npm:react")
	require.NoError(t, err)

	ok, err := rt.WaitLock(context.Background(), "lock-wait", 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = other.Lock.Release(false)
	require.NoError(t, err)
	ok, err = rt.WaitLock(context.Background(), "lock-wait", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	locked, err := rt.Lock.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestClose_ReleasesOwnLock(t *testing.T) {
	rt := newRuntime(t, t.TempDir(), 0)
	_, err := rt.Lock.Acquire("uninstall:npm:react")
	require.NoError(t, err)

	require.NoError(t, rt.Close())
	locked, err := rt.Lock.IsLocked()
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, rt.Close())
}

func TestClose_LeavesForeignLock(t *testing.T) {
	home := t.TempDir()
	rt := newRuntime(t, home, 0)
	other := newRuntime(t, home, 424242)
	_, err := other.Lock.Acquire("uninstall:npm:react")
	require.NoError(t, err)

	require.NoError(t, rt.Close())
	locked, err := rt.Lock.IsLocked()
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestUninstall_NotifiesWebhooks(t *testing.T) {
	var mu sync.Mutex
	var events []webhook.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e webhook.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Webhooks.Hooks = []webhook.HookConfig{{URL: server.URL}}
	rt, err := app.New(app.Options{
		Home:     t.TempDir(),
		Config:   cfg,
		Registry: adapter.NewRegistryOf(newFake("npm", "left-pad")),
	})
	require.NoError(t, err)

	report, err := rt.Uninstall(context.Background(), "npm", "left-pad", app.UninstallOptions{})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	byType := map[string]webhook.Event{}
	for _, e := range events {
		byType[e.Event] = e
	}
	require.Contains(t, byType, "uninstall")
	assert.Equal(t, "left-pad", byType["uninstall"].Package)
	assert.Equal(t, report.SnapshotID.String(), byType["uninstall"].SnapshotID)
	assert.NotEmpty(t, byType["uninstall"].RecordHash)
	assert.Contains(t, byType, "snapshot_create")
}

func TestNew_RequiresHome(t *testing.T) {
	_, err := app.New(app.Options{})
	assert.Error(t, err)
}
