package snapshot

import (
	"sort"

	"github.com/package-audit/pkgaudit/pkg/model"
)

// PackageChange is a package present in both states with different versions.
type PackageChange struct {
	Name   string `json:"name"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// ManagerDiff compares one manager's packages in a snapshot with its current
// packages. Missing entries are what a rollback would have to reinstall.
type ManagerDiff struct {
	Manager string               `json:"manager"`
	Missing []model.PackageEntry `json:"missing"`
	Added   []model.PackageEntry `json:"added"`
	Changed []PackageChange      `json:"changed"`
}

// Empty reports whether the manager is unchanged.
func (d *ManagerDiff) Empty() bool {
	return len(d.Missing) == 0 && len(d.Added) == 0 && len(d.Changed) == 0
}

// Diff is the comparison of a snapshot against current state.
type Diff struct {
	SnapshotID model.SnapshotID `json:"snapshot_id"`
	Managers   []ManagerDiff    `json:"managers"`
}

// Empty reports whether nothing changed since the snapshot.
func (d *Diff) Empty() bool {
	for i := range d.Managers {
		if !d.Managers[i].Empty() {
			return false
		}
	}
	return true
}

// Compare diffs rec against current. Only managers recorded in the snapshot
// are compared; a recorded manager absent from current counts as all missing.
func Compare(rec *model.SnapshotRecord, current map[string][]model.PackageEntry) *Diff {
	ids := make([]string, 0, len(rec.Managers))
	for id := range rec.Managers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	d := &Diff{SnapshotID: rec.ID, Managers: make([]ManagerDiff, 0, len(ids))}
	for _, id := range ids {
		d.Managers = append(d.Managers, compareManager(id, rec.Managers[id], current[id]))
	}
	return d
}

func compareManager(manager string, before, after []model.PackageEntry) ManagerDiff {
	md := ManagerDiff{
		Manager: manager,
		Missing: []model.PackageEntry{},
		Added:   []model.PackageEntry{},
		Changed: []PackageChange{},
	}

	now := make(map[string]model.PackageEntry, len(after))
	for _, e := range after {
		now[packageKey(e)] = e
	}
	then := make(map[string]struct{}, len(before))

	for _, e := range before {
		key := packageKey(e)
		then[key] = struct{}{}
		cur, ok := now[key]
		switch {
		case !ok:
			md.Missing = append(md.Missing, e)
		case cur.Version != e.Version:
			md.Changed = append(md.Changed, PackageChange{Name: e.Name, Before: e.Version, After: cur.Version})
		}
	}
	for _, e := range after {
		if _, ok := then[packageKey(e)]; !ok {
			md.Added = append(md.Added, e)
		}
	}

	sort.Slice(md.Missing, func(i, j int) bool { return md.Missing[i].Name < md.Missing[j].Name })
	sort.Slice(md.Added, func(i, j int) bool { return md.Added[i].Name < md.Added[j].Name })
	sort.Slice(md.Changed, func(i, j int) bool { return md.Changed[i].Name < md.Changed[j].Name })
	return md
}

// packageKey prefers the backend id (winget) over the display name.
func packageKey(e model.PackageEntry) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}
