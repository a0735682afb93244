// Package doctor inspects a pkgaudit home for the leftovers of crashed
// processes and damaged state, and repairs what can be repaired safely.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/package-audit/pkgaudit/internal/app"
	"github.com/package-audit/pkgaudit/internal/lock"
	"github.com/package-audit/pkgaudit/internal/queue"
	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/fsutil"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Categories.
const (
	CategoryLock      = "lock"
	CategorySnapshot  = "snapshot"
	CategoryRetention = "retention"
	CategoryTmp       = "tmp"
	CategoryAudit     = "audit"
)

// RepairOperationID is the lock operation id doctor repairs run under.
const RepairOperationID = "doctor:repair"

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	// Path is relative to the home directory.
	Path string `json:"path,omitempty"`
	// SnapshotID is set for per-snapshot findings.
	SnapshotID model.SnapshotID `json:"snapshot_id,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// RepairAction is one thing Repair did.
type RepairAction struct {
	Category string `json:"category"`
	Action   string `json:"action"`
	Target   string `json:"target,omitempty"`
}

// Doctor performs health checks on a runtime's home.
type Doctor struct {
	rt *app.Runtime
	// tmpGrace is the age after which a temp file counts as orphaned.
	tmpGrace time.Duration
	now      func() time.Time
}

// NewDoctor creates a doctor for rt.
func NewDoctor(rt *app.Runtime) *Doctor {
	return &Doctor{rt: rt, tmpGrace: rt.Lock.Timeout(), now: time.Now}
}

// Check runs all diagnostic checks. Strict also verifies the audit chain.
func (d *Doctor) Check(strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	if err := d.checkLock(result); err != nil {
		return nil, err
	}
	if err := d.checkSnapshots(result); err != nil {
		return nil, err
	}
	if err := d.checkOrphanTmp(result); err != nil {
		return nil, err
	}
	if strict {
		d.checkAudit(result)
	}
	return result, nil
}

func (d *Doctor) checkLock(result *Result) error {
	state, rec, err := d.rt.Lock.Status()
	if err != nil {
		return fmt.Errorf("lock status: %w", err)
	}
	switch state {
	case model.LockStateStale:
		result.add(Finding{
			Category:    CategoryLock,
			Description: fmt.Sprintf("stale lock held by %q (pid %d) since %s", rec.OperationID, rec.OwnerPID, rec.AcquiredAt.Format(time.RFC3339)),
			Severity:    SeverityWarning,
			Path:        lock.FileName,
		})
	case model.LockStateCorrupt:
		result.add(Finding{
			Category:    CategoryLock,
			Description: "lock file is unreadable",
			Severity:    SeverityWarning,
			Path:        lock.FileName,
		})
	case model.LockStateHeld:
		result.add(Finding{
			Category:    CategoryLock,
			Description: fmt.Sprintf("mutation %q in progress (pid %d)", rec.OperationID, rec.OwnerPID),
			Severity:    SeverityInfo,
		})
	}
	return nil
}

func (d *Doctor) checkSnapshots(result *Result) error {
	ids, err := d.rt.Snapshots.IDs()
	if err != nil {
		return err
	}
	valid := 0
	for _, id := range ids {
		_, err := d.rt.Snapshots.Get(id)
		switch {
		case err == nil:
			valid++
		case errors.Is(err, errclass.ErrNotFound):
		case errors.Is(err, errclass.ErrSnapshotCorrupt):
			result.add(Finding{
				Category:    CategorySnapshot,
				Description: fmt.Sprintf("snapshot %s is corrupt", id),
				Severity:    SeverityCritical,
				Path:        snapshot.Dir + "/" + id.String() + ".json",
				SnapshotID:  id,
			})
		default:
			return err
		}
	}
	if limit := d.rt.Snapshots.RetentionLimit(); valid > limit {
		result.add(Finding{
			Category:    CategoryRetention,
			Description: fmt.Sprintf("%d snapshots exceed the retention limit of %d", valid, limit),
			Severity:    SeverityWarning,
		})
	}
	return nil
}

func (d *Doctor) checkOrphanTmp(result *Result) error {
	orphans, err := d.orphans()
	if err != nil {
		return err
	}
	for _, rel := range orphans {
		result.add(Finding{
			Category:    CategoryTmp,
			Description: fmt.Sprintf("orphan temp file: %s", filepath.Base(rel)),
			Severity:    SeverityInfo,
			Path:        rel,
		})
	}
	return nil
}

func (d *Doctor) checkAudit(result *Result) {
	if _, err := d.rt.Audit.Verify(); err != nil {
		severity := SeverityError
		if errors.Is(err, errclass.ErrAuditChainBroken) {
			severity = SeverityCritical
		}
		result.add(Finding{
			Category:    CategoryAudit,
			Description: err.Error(),
			Severity:    severity,
			Path:        app.AuditFile,
		})
	}
}

// orphans returns home-relative temp files older than the grace period in
// every directory pkgaudit writes to.
func (d *Doctor) orphans() ([]string, error) {
	cutoff := d.now().Add(-d.tmpGrace)
	var out []string
	for _, rel := range []string{".", snapshot.Dir, filepath.Dir(app.AuditFile)} {
		dir := filepath.Join(d.rt.Home, filepath.FromSlash(rel))
		files, err := fsutil.OrphanTempFiles(dir, cutoff)
		if err != nil {
			return nil, fmt.Errorf("scan %s for temp files: %w", rel, err)
		}
		for _, f := range files {
			out = append(out, filepath.ToSlash(filepath.Join(rel, filepath.Base(f))))
		}
	}
	return out, nil
}

// Repair fixes what Check reports, as a single mutation: acquiring the lock
// reclaims a stale or corrupt one, orphan temp files are removed, corrupt
// snapshots are quarantined and retention is enforced. A live lock blocks
// the repair with E_OPERATION_IN_PROGRESS.
func (d *Doctor) Repair(ctx context.Context) ([]RepairAction, error) {
	state, rec, err := d.rt.Lock.Status()
	if err != nil {
		return nil, fmt.Errorf("lock status: %w", err)
	}

	out, err := queue.Execute(ctx, d.rt.Queue, RepairOperationID, model.OperationMutation, func(context.Context) ([]RepairAction, error) {
		actions := []RepairAction{}
		switch state {
		case model.LockStateStale:
			actions = append(actions, RepairAction{Category: CategoryLock, Action: "reclaimed stale lock", Target: rec.OperationID})
		case model.LockStateCorrupt:
			actions = append(actions, RepairAction{Category: CategoryLock, Action: "reclaimed corrupt lock"})
		}

		orphans, err := d.orphans()
		if err != nil {
			return actions, err
		}
		for _, rel := range orphans {
			if err := os.Remove(filepath.Join(d.rt.Home, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
				return actions, fmt.Errorf("remove %s: %w", rel, err)
			}
			actions = append(actions, RepairAction{Category: CategoryTmp, Action: "removed orphan temp file", Target: rel})
		}

		ids, err := d.rt.Snapshots.IDs()
		if err != nil {
			return actions, err
		}
		for _, id := range ids {
			if _, err := d.rt.Snapshots.Get(id); !errors.Is(err, errclass.ErrSnapshotCorrupt) {
				continue
			}
			if err := d.rt.Snapshots.Quarantine(id); err != nil {
				return actions, err
			}
			actions = append(actions, RepairAction{Category: CategorySnapshot, Action: "quarantined corrupt snapshot", Target: id.String()})
		}

		evicted, err := d.rt.Snapshots.Prune()
		if err != nil {
			return actions, err
		}
		for _, id := range evicted {
			actions = append(actions, RepairAction{Category: CategoryRetention, Action: "evicted snapshot beyond retention", Target: id.String()})
		}
		return actions, nil
	})
	if err != nil {
		return nil, err
	}
	actions, err := out.Unwrap()
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		d.rt.Log.Info("doctor repair", map[string]any{"category": a.Category, "action": a.Action, "target": a.Target})
	}
	return actions, nil
}
