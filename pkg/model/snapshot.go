package model

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/package-audit/pkgaudit/pkg/uuidutil"
)

// SnapshotIDTimeLayout is the UTC timestamp prefix of a snapshot id.
const SnapshotIDTimeLayout = "20060102T150405"

var snapshotIDRegex = regexp.MustCompile(`^\d{8}T\d{6}-[0-9a-f]{6}$`)

// SnapshotID identifies a snapshot: <UTC YYYYMMDDTHHMMSS>-<6 hex>.
type SnapshotID string

// NewSnapshotID generates a candidate id for a snapshot taken at now.
// Uniqueness against existing files is checked by the store.
func NewSnapshotID(now time.Time) SnapshotID {
	return SnapshotID(fmt.Sprintf("%s-%s", now.UTC().Format(SnapshotIDTimeLayout), uuidutil.ShortHex(6)))
}

// Valid reports whether id has the snapshot id shape.
func (id SnapshotID) Valid() bool {
	return snapshotIDRegex.MatchString(string(id))
}

// String returns the full snapshot ID as string.
func (id SnapshotID) String() string {
	return string(id)
}

// SnapshotRecord is the on-disk, immutable snapshot document.
type SnapshotRecord struct {
	ID           SnapshotID                `json:"id"`
	CreatedAt    time.Time                 `json:"created_at"`
	PackageCount int                       `json:"package_count"`
	Managers     map[string][]PackageEntry `json:"managers"`
	Metadata     map[string]string         `json:"metadata"`
}

// Summary projects the record for listings.
func (r *SnapshotRecord) Summary() *SnapshotSummary {
	managers := make([]string, 0, len(r.Managers))
	for id := range r.Managers {
		managers = append(managers, id)
	}
	sort.Strings(managers)
	return &SnapshotSummary{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		Managers:     managers,
		PackageCount: r.PackageCount,
	}
}

// SnapshotSummary is the lightweight view returned by create and list.
type SnapshotSummary struct {
	ID           SnapshotID `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	Managers     []string   `json:"managers"`
	PackageCount int        `json:"package_count"`
}

// Well-known snapshot metadata keys.
const (
	MetaReason    = "reason"
	MetaPackage   = "package"
	MetaManager   = "manager"
	MetaOperation = "operation_id"
)

// Snapshot reasons.
const (
	ReasonPreUninstall      = "pre-uninstall"
	ReasonPreBatchUninstall = "pre-batch-uninstall"
	ReasonManual            = "manual"
)
