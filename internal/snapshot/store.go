// Package snapshot persists immutable, point-in-time records of installed
// packages per manager, taken before every mutation.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/package-audit/pkgaudit/internal/storage"
	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/pathutil"
)

const (
	// Dir is the snapshot directory relative to the home directory.
	Dir = "snapshots"
	// DefaultRetentionLimit is how many snapshots survive a create.
	DefaultRetentionLimit = 10

	fileSuffix    = ".json"
	maxIDAttempts = 32
)

// Options configures a Store. Zero values take defaults.
type Options struct {
	RetentionLimit int
	Now            func() time.Time
	NewID          func(time.Time) model.SnapshotID
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

// Store manages snapshot records under <home>/snapshots.
type Store struct {
	docs      *storage.JSONStore
	retention int
	now       func() time.Time
	newID     func(time.Time) model.SnapshotID
	log       *logging.Logger
	metrics   *metrics.Registry

	// mu serializes id allocation and retention within this process.
	mu sync.Mutex
}

// NewStore returns a store writing through docs, which must be rooted at the
// home directory.
func NewStore(docs *storage.JSONStore, opts Options) *Store {
	s := &Store{
		docs:      docs,
		retention: opts.RetentionLimit,
		now:       opts.Now,
		newID:     opts.NewID,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
	if s.retention <= 0 {
		s.retention = DefaultRetentionLimit
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = model.NewSnapshotID
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	s.log = s.log.WithFields(map[string]any{"component": "snapshot"})
	return s
}

// RetentionLimit returns the number of snapshots kept after a create.
func (s *Store) RetentionLimit() int {
	return s.retention
}

// Create validates every manager id, then persists a new record and prunes
// the oldest snapshots beyond the retention limit. No record is written when
// any manager id is invalid.
func (s *Store) Create(packages map[string][]model.PackageEntry, metadata map[string]string) (*model.SnapshotSummary, error) {
	managers := make(map[string][]model.PackageEntry, len(packages))
	count := 0
	for id, list := range packages {
		clean, err := pathutil.SanitizeManagerID(id)
		if err != nil {
			return nil, err
		}
		entries := make([]model.PackageEntry, len(list))
		copy(entries, list)
		managers[clean] = entries
		count += len(entries)
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	id, err := s.allocateID(now)
	if err != nil {
		return nil, err
	}

	rec := &model.SnapshotRecord{
		ID:           id,
		CreatedAt:    now,
		PackageCount: count,
		Managers:     managers,
		Metadata:     meta,
	}
	if _, err := s.docs.Write(relPath(id), rec); err != nil {
		return nil, fmt.Errorf("create snapshot %s: %w", id, err)
	}
	s.metrics.RecordSnapshotCreated()
	s.log.Info("snapshot created", map[string]any{
		"snapshot_id":   id.String(),
		"package_count": count,
		"reason":        meta[model.MetaReason],
	})

	if err := s.enforceRetention(); err != nil {
		// the record is durable; pruning is retried on the next create
		s.log.Warn("enforce snapshot retention", map[string]any{"error": err.Error()})
	}
	return rec.Summary(), nil
}

// List returns every snapshot, newest first. Ties on created_at are broken by
// id descending. A record that cannot be decoded fails the whole listing.
func (s *Store) List() ([]*model.SnapshotSummary, error) {
	records, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	summaries := make([]*model.SnapshotSummary, len(records))
	for i, rec := range records {
		summaries[i] = rec.Summary()
	}
	return summaries, nil
}

// Get returns the full record for id.
func (s *Store) Get(id model.SnapshotID) (*model.SnapshotRecord, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.read(id)
}

// Delete removes the record for id and reports whether it existed.
func (s *Store) Delete(id model.SnapshotID) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	deleted, err := s.docs.Delete(relPath(id))
	if err != nil {
		return false, fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	if deleted {
		s.log.Info("snapshot deleted", map[string]any{"snapshot_id": id.String()})
	}
	return deleted, nil
}

// QuarantineDir holds corrupt records moved aside by Quarantine.
const QuarantineDir = Dir + "/quarantine"

// Quarantine moves a record out of the listing into QuarantineDir so List
// and retention work again. The file is kept for inspection.
func (s *Store) Quarantine(id model.SnapshotID) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.docs.Move(relPath(id), QuarantineDir+"/"+id.String()+fileSuffix); err != nil {
		return fmt.Errorf("quarantine snapshot %s: %w", id, err)
	}
	s.log.Warn("snapshot quarantined", map[string]any{"snapshot_id": id.String()})
	return nil
}

// IDs returns the ids of every stored record without decoding them.
// Files whose names are not snapshot ids are ignored.
func (s *Store) IDs() ([]model.SnapshotID, error) {
	names, err := s.docs.List(Dir, fileSuffix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	ids := make([]model.SnapshotID, 0, len(names))
	for _, name := range names {
		id := model.SnapshotID(strings.TrimSuffix(name, fileSuffix))
		if id.Valid() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Prune deletes the oldest snapshots beyond the retention limit and returns
// their ids.
func (s *Store) Prune() ([]model.SnapshotID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prune()
}

func (s *Store) enforceRetention() error {
	_, err := s.prune()
	return err
}

func (s *Store) prune() ([]model.SnapshotID, error) {
	records, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	if len(records) <= s.retention {
		return nil, nil
	}
	var evicted []model.SnapshotID
	for _, rec := range records[s.retention:] {
		if _, err := s.docs.Delete(relPath(rec.ID)); err != nil {
			return evicted, fmt.Errorf("evict snapshot %s: %w", rec.ID, err)
		}
		evicted = append(evicted, rec.ID)
	}
	s.metrics.RecordSnapshotsEvicted(len(evicted))
	s.log.Debug("snapshots evicted", map[string]any{"count": len(evicted)})
	return evicted, nil
}

func (s *Store) allocateID(now time.Time) (model.SnapshotID, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.newID(now)
		exists, err := s.docs.Exists(relPath(id))
		if err != nil {
			return "", fmt.Errorf("allocate snapshot id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("allocate snapshot id: %d candidates already in use", maxIDAttempts)
}

func (s *Store) loadAll() ([]*model.SnapshotRecord, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}
	records := make([]*model.SnapshotRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.read(id)
		if err != nil {
			if errors.Is(err, errclass.ErrNotFound) {
				// deleted by a concurrent retention pass
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	sortNewestFirst(records)
	return records, nil
}

func (s *Store) read(id model.SnapshotID) (*model.SnapshotRecord, error) {
	var rec model.SnapshotRecord
	if err := s.docs.Read(relPath(id), &rec); err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			return nil, errclass.ErrSnapshotCorrupt.WithMessagef("snapshot %s cannot be decoded", id)
		}
		if errors.Is(err, errclass.ErrNotFound) {
			return nil, errclass.ErrNotFound.WithMessagef("snapshot %s not found", id)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	if rec.ID != id {
		return nil, errclass.ErrSnapshotCorrupt.WithMessagef("snapshot %s records id %s", id, pathutil.SafeDisplay(rec.ID.String()))
	}
	if rec.Managers == nil {
		rec.Managers = map[string][]model.PackageEntry{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	return &rec, nil
}

func sortNewestFirst(records []*model.SnapshotRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func validateID(id model.SnapshotID) error {
	if !id.Valid() {
		return errclass.ErrNameInvalid.WithMessagef("invalid snapshot id %s", pathutil.SafeDisplay(id.String()))
	}
	return nil
}

func relPath(id model.SnapshotID) string {
	return Dir + "/" + id.String() + fileSuffix
}
