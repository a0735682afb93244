package snapshot

import (
	"strings"
	"time"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
)

// FilterOptions for searching snapshots.
type FilterOptions struct {
	Manager string
	Reason  string
	Package string
	Since   time.Time
	Until   time.Time
}

// Find returns full records matching filter criteria, newest first.
func (s *Store) Find(opts FilterOptions) ([]*model.SnapshotRecord, error) {
	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}

	var result []*model.SnapshotRecord
	for _, rec := range all {
		if !matchesFilter(rec, opts) {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

func matchesFilter(rec *model.SnapshotRecord, opts FilterOptions) bool {
	if opts.Manager != "" {
		if _, ok := rec.Managers[opts.Manager]; !ok {
			return false
		}
	}
	if opts.Reason != "" && rec.Metadata[model.MetaReason] != opts.Reason {
		return false
	}
	if opts.Package != "" && !containsPackage(rec, opts.Manager, opts.Package) {
		return false
	}
	if !opts.Since.IsZero() && rec.CreatedAt.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && rec.CreatedAt.After(opts.Until) {
		return false
	}
	return true
}

// containsPackage reports whether the snapshot was taken for pkg or lists it.
// An empty manager searches every manager.
func containsPackage(rec *model.SnapshotRecord, manager, pkg string) bool {
	if rec.Metadata[model.MetaPackage] == pkg {
		return true
	}
	for id, entries := range rec.Managers {
		if manager != "" && id != manager {
			continue
		}
		for _, e := range entries {
			if e.Name == pkg {
				return true
			}
		}
	}
	return false
}

// Latest returns the newest snapshot matching opts.
func (s *Store) Latest(opts FilterOptions) (*model.SnapshotRecord, error) {
	matches, err := s.Find(opts)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, errclass.ErrNotFound.WithMessage("no snapshot matches")
	}
	return matches[0], nil
}

// Resolve finds a single snapshot by full id or unique id prefix.
func (s *Store) Resolve(query string) (*model.SnapshotRecord, error) {
	if id := model.SnapshotID(query); id.Valid() {
		return s.Get(id)
	}
	if query == "" || strings.ContainsAny(query, `/\.`) {
		return nil, errclass.ErrNameInvalid.WithMessagef("invalid snapshot id %s", pathutil.SafeDisplay(query))
	}

	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}
	var matches []model.SnapshotID
	for _, id := range ids {
		if strings.HasPrefix(id.String(), query) {
			matches = append(matches, id)
		}
	}

	if len(matches) == 0 {
		return nil, errclass.ErrNotFound.WithMessagef("no snapshot found matching %s", pathutil.SafeDisplay(query))
	}
	if len(matches) > 1 {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.String()
		}
		return nil, errclass.ErrNameInvalid.WithMessagef("ambiguous query %s matches multiple snapshots: %s", pathutil.SafeDisplay(query), strings.Join(names, ", "))
	}
	return s.Get(matches[0])
}
