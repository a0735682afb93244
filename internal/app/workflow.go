package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/package-audit/pkgaudit/internal/adapter"
	"github.com/package-audit/pkgaudit/internal/audit"
	"github.com/package-audit/pkgaudit/internal/queue"
	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
	"github.com/package-audit/pkgaudit/pkg/progress"
	"github.com/package-audit/pkgaudit/pkg/webhook"
)

var reasonPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,49}$`)

// maxAuditOutput bounds the command output copied into an audit record.
const maxAuditOutput = 4096

// CommandOutput is the backend command's captured output.
type CommandOutput struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"returncode"`
}

// UninstallReport is the outcome of a single uninstall.
type UninstallReport struct {
	Manager           string           `json:"manager"`
	Package           string           `json:"package"`
	Force             bool             `json:"force"`
	Success           bool             `json:"success"`
	SnapshotID        model.SnapshotID `json:"snapshot_id"`
	SnapshotCreatedAt time.Time        `json:"snapshot_created_at"`
	Command           CommandOutput    `json:"command"`
}

// UninstallOptions tunes Uninstall.
type UninstallOptions struct {
	Force bool
	// Wait retries a blocked uninstall until the lock frees or Wait elapses.
	Wait time.Duration
	// PollInterval between retries; defaults to the configured lock poll interval.
	PollInterval time.Duration
	// OnStage is called from the calling goroutine as each step starts.
	OnStage func(Stage)
}

// StageKind names a step of an uninstall.
type StageKind string

const (
	StageListing  StageKind = "listing"
	StageSnapshot StageKind = "snapshot"
	StageRemoving StageKind = "removing"
)

// Stage reports uninstall progress. SnapshotID is set once the pre-uninstall
// snapshot is durable.
type Stage struct {
	Kind       StageKind
	Message    string
	SnapshotID model.SnapshotID
}

// resolve validates managerID and returns its detected adapter.
func (r *Runtime) resolve(managerID string) (adapter.Adapter, error) {
	a, err := r.Registry.Get(managerID)
	if err != nil {
		return nil, err
	}
	if !a.Detect() {
		return nil, errclass.ErrManagerUnavailable.WithMessagef("manager %s not found on this system", a.ID())
	}
	return a, nil
}

// Managers describes every detected backend.
func (r *Runtime) Managers(ctx context.Context) ([]model.ManagerInfo, error) {
	return r.Registry.Describe(ctx)
}

// Adapter returns the detected adapter for managerID.
func (r *Runtime) Adapter(managerID string) (adapter.Adapter, error) {
	return r.resolve(managerID)
}

// ListPackages lists one backend's installed packages as a read operation.
func (r *Runtime) ListPackages(ctx context.Context, managerID string) ([]model.PackageEntry, error) {
	a, err := r.resolve(managerID)
	if err != nil {
		return nil, err
	}
	out, err := queue.Execute(ctx, r.Queue, "list:"+a.ID(), model.OperationRead, a.ListPackages)
	if err != nil {
		return nil, err
	}
	return out.Unwrap()
}

// Uninstall removes one package. Inside a single mutation it lists the
// manager's packages, snapshots them, runs the backend uninstall and journals
// the result. A failing backend command is reported through Success.
func (r *Runtime) Uninstall(ctx context.Context, managerID, pkg string, opts UninstallOptions) (*UninstallReport, error) {
	if _, err := pathutil.SanitizeManagerID(managerID); err != nil {
		return nil, err
	}
	name, err := pathutil.SanitizePackageName(pkg)
	if err != nil {
		return nil, err
	}
	a, err := r.resolve(managerID)
	if err != nil {
		return nil, err
	}

	opID := model.UninstallOperationID(a.ID(), name)
	run := func(ctx context.Context) (*UninstallReport, error) {
		return r.uninstallLocked(ctx, a, opID, name, opts)
	}
	return retryBlocked(ctx, r, opID, opts.Wait, opts.PollInterval, run)
}

func (r *Runtime) uninstallLocked(ctx context.Context, a adapter.Adapter, opID, name string, opts UninstallOptions) (*UninstallReport, error) {
	force := opts.Force
	stage := opts.OnStage
	if stage == nil {
		stage = func(Stage) {}
	}

	stage(Stage{Kind: StageListing, Message: "Listing " + a.ID() + " packages"})
	packages, err := a.ListPackages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s packages before uninstall: %w", a.ID(), err)
	}
	summary, err := r.Snapshots.Create(
		map[string][]model.PackageEntry{a.ID(): packages},
		map[string]string{
			model.MetaReason:    model.ReasonPreUninstall,
			model.MetaPackage:   name,
			model.MetaManager:   a.ID(),
			model.MetaOperation: opID,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot before uninstall: %w", err)
	}
	r.journal(audit.Entry{
		EventType:   model.EventTypeSnapshotCreate,
		OperationID: opID,
		Manager:     a.ID(),
		SnapshotID:  summary.ID,
		Details:     map[string]any{"reason": model.ReasonPreUninstall, "package_count": summary.PackageCount},
	})
	stage(Stage{Kind: StageSnapshot, Message: "Snapshot " + summary.ID.String() + " created", SnapshotID: summary.ID})

	stage(Stage{Kind: StageRemoving, Message: "Uninstalling " + name})
	res, err := a.Uninstall(ctx, name, force)
	if err != nil {
		r.journal(audit.Entry{
			EventType:   model.EventTypeUninstall,
			OperationID: opID,
			Manager:     a.ID(),
			Package:     name,
			SnapshotID:  summary.ID,
			Details:     map[string]any{"success": false, "force": force, "error": err.Error()},
		})
		r.Metrics.RecordUninstall(a.ID(), false)
		return nil, err
	}

	r.Metrics.RecordUninstall(a.ID(), res.Success)
	r.journal(audit.Entry{
		EventType:   model.EventTypeUninstall,
		OperationID: opID,
		Manager:     a.ID(),
		Package:     name,
		SnapshotID:  summary.ID,
		Details: map[string]any{
			"success":    res.Success,
			"force":      force,
			"returncode": res.ReturnCode,
			"stderr":     truncate(res.Stderr, maxAuditOutput),
		},
	})
	r.Log.Info("uninstall finished", map[string]any{
		"manager":     a.ID(),
		"package":     name,
		"success":     res.Success,
		"snapshot_id": summary.ID.String(),
	})

	return &UninstallReport{
		Manager:           a.ID(),
		Package:           name,
		Force:             force,
		Success:           res.Success,
		SnapshotID:        summary.ID,
		SnapshotCreatedAt: summary.CreatedAt,
		Command: CommandOutput{
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			ReturnCode: res.ReturnCode,
		},
	}, nil
}

// BatchFailure names a package a batch could not remove.
type BatchFailure struct {
	Package string `json:"package"`
	Error   string `json:"error"`
}

// BatchReport is the outcome of BatchUninstall.
type BatchReport struct {
	Manager    string           `json:"manager"`
	Total      int              `json:"total"`
	Succeeded  []string         `json:"succeeded"`
	Failed     []BatchFailure   `json:"failed"`
	SnapshotID model.SnapshotID `json:"snapshot_id"`
}

// BatchOptions controls BatchUninstall.
type BatchOptions struct {
	Force bool
	// Progress is called after each package.
	Progress progress.Callback
}

// BatchUninstall removes several packages of one manager under a single
// mutation and a single pre-batch snapshot. Every name is validated before
// anything runs; per-package failures are collected, not fatal.
func (r *Runtime) BatchUninstall(ctx context.Context, managerID string, pkgs []string, opts BatchOptions) (*BatchReport, error) {
	force := opts.Force
	if len(pkgs) == 0 {
		return nil, errclass.ErrNameInvalid.WithMessage("no packages given")
	}
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		name, err := pathutil.SanitizePackageName(p)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	a, err := r.resolve(managerID)
	if err != nil {
		return nil, err
	}

	opID := "batch-uninstall:" + a.ID()
	out, err := queue.Execute(ctx, r.Queue, opID, model.OperationMutation, func(ctx context.Context) (*BatchReport, error) {
		packages, err := a.ListPackages(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s packages before batch: %w", a.ID(), err)
		}
		summary, err := r.Snapshots.Create(
			map[string][]model.PackageEntry{a.ID(): packages},
			map[string]string{
				model.MetaReason:    model.ReasonPreBatchUninstall,
				model.MetaManager:   a.ID(),
				model.MetaOperation: opID,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("snapshot before batch: %w", err)
		}

		report := &BatchReport{Manager: a.ID(), Total: len(names), Succeeded: []string{}, Failed: []BatchFailure{}, SnapshotID: summary.ID}
		prog := progress.New("uninstall "+a.ID(), len(names), opts.Progress)
		for _, name := range names {
			res, err := a.Uninstall(ctx, name, force)
			details := map[string]any{"force": force, "batch": true}
			switch {
			case err != nil:
				details["success"] = false
				details["error"] = err.Error()
				report.Failed = append(report.Failed, BatchFailure{Package: name, Error: err.Error()})
			case !res.Success:
				details["success"] = false
				details["returncode"] = res.ReturnCode
				report.Failed = append(report.Failed, BatchFailure{Package: name, Error: truncate(res.Stderr, maxAuditOutput)})
			default:
				details["success"] = true
				report.Succeeded = append(report.Succeeded, name)
			}
			r.Metrics.RecordUninstall(a.ID(), err == nil && res.Success)
			r.journal(audit.Entry{
				EventType:   model.EventTypeUninstall,
				OperationID: opID,
				Manager:     a.ID(),
				Package:     name,
				SnapshotID:  summary.ID,
				Details:     details,
			})
			prog.Step(name)
		}
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Unwrap()
}

// CreateSnapshot records the packages of managerIDs (every detected manager
// when empty) as one snapshot. Listing runs in parallel; any failure aborts
// before anything is written.
func (r *Runtime) CreateSnapshot(ctx context.Context, managerIDs []string, reason string) (*model.SnapshotSummary, error) {
	var adapters []adapter.Adapter
	if len(managerIDs) == 0 {
		adapters = r.Registry.Detected()
	} else {
		for _, id := range managerIDs {
			a, err := r.resolve(id)
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		}
	}
	if len(adapters) == 0 {
		return nil, errclass.ErrManagerUnavailable.WithMessage("no package managers detected")
	}
	if reason == "" {
		reason = model.ReasonManual
	}
	if !reasonPattern.MatchString(reason) {
		return nil, errclass.ErrNameInvalid.WithMessage("snapshot reason must match ^[a-z][a-z0-9_-]*$ and be at most 50 characters")
	}

	opID := "snapshot:" + reason
	out, err := queue.Execute(ctx, r.Queue, opID, model.OperationMutation, func(ctx context.Context) (*model.SnapshotSummary, error) {
		packages, err := r.listAll(ctx, adapters)
		if err != nil {
			return nil, err
		}
		summary, err := r.Snapshots.Create(packages, map[string]string{
			model.MetaReason:    reason,
			model.MetaOperation: opID,
		})
		if err != nil {
			return nil, err
		}
		r.journal(audit.Entry{
			EventType:   model.EventTypeSnapshotCreate,
			OperationID: opID,
			SnapshotID:  summary.ID,
			Details:     map[string]any{"reason": reason, "package_count": summary.PackageCount, "managers": summary.Managers},
		})
		return summary, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Unwrap()
}

func (r *Runtime) listAll(ctx context.Context, adapters []adapter.Adapter) (map[string][]model.PackageEntry, error) {
	var mu sync.Mutex
	result := make(map[string][]model.PackageEntry, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		g.Go(func() error {
			pkgs, err := a.ListPackages(gctx)
			if err != nil {
				return fmt.Errorf("list %s packages: %w", a.ID(), err)
			}
			mu.Lock()
			result[a.ID()] = pkgs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteSnapshot removes a snapshot as a mutation so it never races a create.
func (r *Runtime) DeleteSnapshot(ctx context.Context, id model.SnapshotID) error {
	if !id.Valid() {
		return errclass.ErrNameInvalid.WithMessagef("invalid snapshot id %s", pathutil.SafeDisplay(id.String()))
	}
	opID := "snapshot-delete:" + id.String()
	out, err := queue.Execute(ctx, r.Queue, opID, model.OperationMutation, func(context.Context) (bool, error) {
		removed, err := r.Snapshots.Delete(id)
		if err != nil {
			return false, err
		}
		if !removed {
			return false, errclass.ErrNotFound.WithMessagef("snapshot %s not found", id)
		}
		r.journal(audit.Entry{EventType: model.EventTypeSnapshotDelete, OperationID: opID, SnapshotID: id})
		return true, nil
	})
	if err != nil {
		return err
	}
	return out.Err()
}

// DiffSnapshot compares a snapshot (full id or unique prefix) with the
// current packages of the managers it recorded. Managers that are no longer
// detected are compared against an empty list.
func (r *Runtime) DiffSnapshot(ctx context.Context, query string) (*snapshot.Diff, error) {
	rec, err := r.Snapshots.Resolve(query)
	if err != nil {
		return nil, err
	}
	var adapters []adapter.Adapter
	current := make(map[string][]model.PackageEntry, len(rec.Managers))
	for id := range rec.Managers {
		a, err := r.resolve(id)
		if err != nil {
			if errors.Is(err, errclass.ErrManagerUnavailable) || errors.Is(err, errclass.ErrManagerUnknown) {
				current[id] = nil
				continue
			}
			return nil, err
		}
		adapters = append(adapters, a)
	}
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].ID() < adapters[j].ID() })
	listed, err := r.listAll(ctx, adapters)
	if err != nil {
		return nil, err
	}
	for id, pkgs := range listed {
		current[id] = pkgs
	}
	return snapshot.Compare(rec, current), nil
}

// LockStatus reports the lock state and record, if any.
func (r *Runtime) LockStatus() (model.LockState, *model.LockRecord, error) {
	return r.Lock.Status()
}

// ReleaseLock removes the lock. Without force only this process's lock is
// removed. A forced removal of a foreign lock is journaled.
func (r *Runtime) ReleaseLock(force bool) (bool, error) {
	_, rec, err := r.Lock.Status()
	if err != nil {
		return false, err
	}
	released, err := r.Lock.Release(force)
	if err != nil || !released || !force {
		return released, err
	}
	details := map[string]any{"released_by_pid": r.Lock.PID()}
	e := audit.Entry{EventType: model.EventTypeLockForceRelease, Details: details}
	if rec != nil {
		e.OperationID = rec.OperationID
		details["owner_pid"] = rec.OwnerPID
		details["hostname"] = rec.Hostname
	}
	r.journal(e)
	return true, nil
}

// WaitLock blocks until the lock can be taken for opID, then releases it.
// It reports whether the lock became free within maxWait.
func (r *Runtime) WaitLock(ctx context.Context, opID string, maxWait time.Duration) (bool, error) {
	if maxWait <= 0 {
		maxWait = r.Config.Lock.WaitTimeout
	}
	ok, err := r.Lock.Wait(ctx, opID, maxWait, r.Config.Lock.PollInterval)
	if err != nil || !ok {
		return ok, err
	}
	if _, err := r.Lock.ReleaseIf(opID); err != nil {
		return true, err
	}
	return true, nil
}

// journal appends to the audit log. The mutation it records has already
// happened, so a journal failure is logged rather than returned.
func (r *Runtime) journal(e audit.Entry) {
	rec, err := r.Audit.Append(e)
	if err != nil {
		r.Log.ErrorErr("audit append failed", err, map[string]any{
			"event_type":   string(e.EventType),
			"operation_id": e.OperationID,
		})
		return
	}
	r.Hooks.Notify(webhook.Event{
		Event:       string(rec.EventType),
		Timestamp:   rec.Timestamp,
		OperationID: rec.OperationID,
		Manager:     rec.Manager,
		Package:     rec.Package,
		SnapshotID:  rec.SnapshotID.String(),
		RecordHash:  string(rec.RecordHash),
		Details:     rec.Details,
	})
}

// retryBlocked runs fn as a mutation. When blocked it retries every poll
// until wait elapses; with wait <= 0 the first refusal is returned.
func retryBlocked[T any](ctx context.Context, r *Runtime, opID string, wait, poll time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if poll <= 0 {
		poll = r.Config.Lock.PollInterval
	}
	deadline := time.Now().Add(wait)
	for {
		out, err := queue.Execute(ctx, r.Queue, opID, model.OperationMutation, fn)
		if err != nil || !out.Blocked || wait <= 0 || time.Now().After(deadline) {
			if err != nil {
				var zero T
				return zero, err
			}
			return out.Unwrap()
		}
		r.Log.Debug("mutation blocked, retrying", map[string]any{"operation_id": opID, "holder": out.Holder})
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			var zero T
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
