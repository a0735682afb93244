package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/package-audit/pkgaudit/pkg/color"
	"github.com/package-audit/pkgaudit/pkg/model"
)

func TestCloseSnapshotIDs(t *testing.T) {
	ids := []model.SnapshotID{
		"20250302T101500-cccccc",
		"20250301T120000-bbbbbb",
		"20250301T110000-aaaaaa",
	}

	tests := []struct {
		name  string
		query string
		want  []model.SnapshotID
	}{
		{"same minute typo", "20250301T120001-ffffff", []model.SnapshotID{"20250301T120000-bbbbbb"}},
		{"same day", "20250301T230000", []model.SnapshotID{"20250301T120000-bbbbbb", "20250301T110000-aaaaaa"}},
		{"hex substring", "cccc", []model.SnapshotID{"20250302T101500-cccccc"}},
		{"nothing close", "19990101", nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, closeSnapshotIDs(tt.query, ids, 3))
		})
	}
}

func TestCloseSnapshotIDs_Limit(t *testing.T) {
	ids := []model.SnapshotID{
		"20250301T120004-aaaaaa",
		"20250301T120003-aaaaaa",
		"20250301T120002-aaaaaa",
		"20250301T120001-aaaaaa",
	}
	assert.Len(t, closeSnapshotIDs("20250301", ids, 3), 3)
}

func TestSuggestManagers(t *testing.T) {
	color.Disable()

	assert.Equal(t, "Did you mean: npm?", suggestManagers("np"))
	assert.Equal(t, "Did you mean one of: pip, pipx?", suggestManagers("pi"))
	assert.Contains(t, suggestManagers("cargo"), "Supported managers: npm, pip")
}
