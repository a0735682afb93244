package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/package-audit/pkgaudit/internal/adapter"
	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// suggestSnapshots provides helpful suggestions when a snapshot is not found.
func suggestSnapshots(query string, store *snapshot.Store) string {
	listHint := fmt.Sprintf("Run %s to see available snapshots.", color.Code("pkgaudit snapshot list"))

	ids, err := store.IDs()
	if err != nil || len(ids) == 0 {
		return listHint
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	matches := closeSnapshotIDs(query, ids, 3)
	if len(matches) == 0 {
		return listHint
	}
	suggestions := make([]string, len(matches))
	for i, m := range matches {
		suggestions[i] = color.SnapshotID(m.String())
	}
	hint := "Did you mean"
	if len(suggestions) > 1 {
		hint += " one of"
	}
	return fmt.Sprintf("%s: %s?", hint, strings.Join(suggestions, ", "))
}

// closeSnapshotIDs returns up to limit ids sharing the longest prefix with
// query, at least its date part, falling back to substring matches.
func closeSnapshotIDs(query string, ids []model.SnapshotID, limit int) []model.SnapshotID {
	const datePrefix = 8

	q := query
	var matches []model.SnapshotID
	for n := len(q); n >= datePrefix && len(matches) == 0; n-- {
		for _, id := range ids {
			if strings.HasPrefix(id.String(), q[:n]) {
				matches = append(matches, id)
			}
		}
	}
	if len(matches) == 0 && q != "" {
		for _, id := range ids {
			if strings.Contains(id.String(), q) {
				matches = append(matches, id)
			}
		}
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// suggestManagers provides helpful suggestions when a manager id is unknown.
func suggestManagers(id string) string {
	known := adapter.BuiltinIDs()
	lower := strings.ToLower(strings.TrimSpace(id))

	var matches []string
	for _, k := range known {
		if lower != "" && (strings.HasPrefix(k, lower) || strings.HasPrefix(lower, k)) {
			matches = append(matches, color.Package(k))
		}
	}
	if len(matches) > 0 {
		hint := "Did you mean"
		if len(matches) > 1 {
			hint += " one of"
		}
		return fmt.Sprintf("%s: %s?", hint, strings.Join(matches, ", "))
	}

	names := make([]string, len(known))
	for i, k := range known {
		names[i] = color.Package(k)
	}
	return fmt.Sprintf("Supported managers: %s", strings.Join(names, ", "))
}
