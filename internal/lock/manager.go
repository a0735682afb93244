// Package lock implements the cross-process mutation lock: one JSON lock file
// shared by every pkgaudit process (API server, CLI, background jobs) that
// points at the same home directory.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/fsutil"
	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/package-audit/pkgaudit/pkg/model"
	"github.com/package-audit/pkgaudit/pkg/uuidutil"
)

const (
	// FileName is the lock file's name inside the home directory.
	FileName = ".lock"
	// DefaultTimeout is the age after which a holder is presumed dead.
	DefaultTimeout = 30 * time.Second

	maxOperationIDLength = 512
)

// Options configures a Manager. Zero values take process defaults.
type Options struct {
	Timeout  time.Duration
	PID      int
	Hostname string
	Now      func() time.Time
	Logger   *logging.Logger
	Metrics  *metrics.Registry
}

// Manager is the process-local handle on the shared lock file. Its mutex only
// serializes goroutines of this process; the file is the source of truth.
type Manager struct {
	path     string
	timeout  time.Duration
	pid      int
	hostname string
	now      func() time.Time
	log      *logging.Logger
	metrics  *metrics.Registry
	mu       sync.Mutex
}

// NewManager creates the home directory if needed and returns a manager for
// <home>/.lock.
func NewManager(home string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	m := &Manager{
		path:     filepath.Join(home, FileName),
		timeout:  opts.Timeout,
		pid:      opts.PID,
		hostname: opts.Hostname,
		now:      opts.Now,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.pid == 0 {
		m.pid = os.Getpid()
	}
	if m.hostname == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "unknown"
		}
		m.hostname = h
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = logging.Nop()
	}
	m.log = m.log.WithFields(map[string]any{"component": "lock"})
	return m, nil
}

// Path returns the lock file path.
func (m *Manager) Path() string {
	return m.path
}

// Timeout returns the staleness timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// PID returns the pid this manager records as owner.
func (m *Manager) PID() int {
	return m.pid
}

// Acquire takes the lock for operationID without blocking. It returns true
// when no record existed or the existing one was stale (it is force-cleared
// first), false when a live holder owns it.
func (m *Manager) Acquire(operationID string) (bool, error) {
	if err := validateOperationID(operationID); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	switch {
	case err == nil:
		rec, perr := decode(raw)
		if perr == nil && !rec.IsStale(m.now(), m.timeout) {
			return false, nil
		}
		cleared, cerr := m.removeIfUnchanged(raw)
		if cerr != nil {
			return false, fmt.Errorf("acquire %s: clear stale lock: %w", operationID, cerr)
		}
		if !cleared {
			// another process replaced the record between our read and the clear
			return false, nil
		}
		m.metrics.RecordLockReclaim()
		fields := map[string]any{"operation_id": operationID}
		if rec != nil {
			fields["stale_operation_id"] = rec.OperationID
			fields["stale_pid"] = rec.OwnerPID
			fields["stale_hostname"] = rec.Hostname
		} else {
			fields["reason"] = "corrupt record"
		}
		m.log.Warn("reclaimed stale lock", fields)
	case os.IsNotExist(err):
	default:
		return false, fmt.Errorf("acquire %s: read lock: %w", operationID, err)
	}

	rec := &model.LockRecord{
		OperationID: operationID,
		OwnerPID:    m.pid,
		AcquiredAt:  m.now().UTC(),
		Hostname:    m.hostname,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsutil.PublishExclusive(m.path, data, 0o644); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("acquire %s: %w", operationID, err)
	}

	m.metrics.SetLockHeld(true)
	m.log.Debug("lock acquired", map[string]any{"operation_id": operationID, "pid": m.pid})
	return true, nil
}

// IsLocked reports whether a lock record exists, stale or not.
func (m *Manager) IsLocked() (bool, error) {
	if _, err := os.Stat(m.path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat lock: %w", err)
	}
	return true, nil
}

// IsStale reports whether the existing record is older than the timeout or
// unreadable. It is false when no record exists.
func (m *Manager) IsStale() (bool, error) {
	state, _, err := m.Status()
	if err != nil {
		return false, err
	}
	return state == model.LockStateStale || state == model.LockStateCorrupt, nil
}

// Info returns the current record. A missing lock yields E_NOT_FOUND.
func (m *Manager) Info() (*model.LockRecord, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrNotFound.WithMessage("no lock held")
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return decode(raw)
}

// Status classifies the lock file.
func (m *Manager) Status() (model.LockState, *model.LockRecord, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.LockStateFree, nil, nil
		}
		return model.LockStateFree, nil, fmt.Errorf("read lock: %w", err)
	}
	rec, err := decode(raw)
	if err != nil {
		return model.LockStateCorrupt, nil, nil
	}
	if rec.IsStale(m.now(), m.timeout) {
		return model.LockStateStale, rec, nil
	}
	return model.LockStateHeld, rec, nil
}

// Release removes the lock when force is set or this process owns it. It
// returns false when nothing was held or another process owns the record.
func (m *Manager) Release(force bool) (bool, error) {
	return m.release(force, "")
}

// ReleaseIf removes the lock only when this process owns it and the record
// still names operationID. A goroutine whose lock went stale and was
// reclaimed by another operation of the same process leaves that record alone.
func (m *Manager) ReleaseIf(operationID string) (bool, error) {
	return m.release(false, operationID)
}

func (m *Manager) release(force bool, operationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("release: read lock: %w", err)
	}

	rec, perr := decode(raw)
	owned := perr == nil && rec.OwnerPID == m.pid
	if owned && operationID != "" && rec.OperationID != operationID {
		owned = false
	}
	if !force && !owned {
		return false, nil
	}

	removed, err := m.removeIfUnchanged(raw)
	if err != nil {
		return false, fmt.Errorf("release: %w", err)
	}
	if removed {
		if owned {
			m.metrics.SetLockHeld(false)
		}
		fields := map[string]any{"force": force}
		if rec != nil {
			fields["operation_id"] = rec.OperationID
			fields["owner_pid"] = rec.OwnerPID
		}
		if force && !owned {
			m.log.Warn("lock force-released", fields)
		} else {
			m.log.Debug("lock released", fields)
		}
	}
	return removed, nil
}

// Wait retries Acquire until it succeeds, maxWait elapses (false, nil) or ctx
// is cancelled. Besides polling every pollInterval it wakes as soon as the
// lock file is removed, when the platform supports file notifications.
func (m *Manager) Wait(ctx context.Context, operationID string, maxWait, pollInterval time.Duration) (bool, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	w := lockWatch{path: m.path, log: m.log}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(m.path)); err == nil {
			w.events = watcher.Events
			w.errs = watcher.Errors
		} else {
			m.log.Debug("lock watch unavailable, polling only", map[string]any{"error": err.Error()})
		}
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := m.Acquire(operationID)
		if err != nil || ok {
			return ok, err
		}
		retry, err := w.next(ctx, deadline.C, ticker.C)
		if !retry {
			return false, err
		}
	}
}

// lockWatch turns file notifications for the lock into retry signals. Nil
// channels mean polling only.
type lockWatch struct {
	path   string
	log    *logging.Logger
	events <-chan fsnotify.Event
	errs   <-chan error
}

// next blocks until Acquire is worth retrying (true) or the wait is over:
// (false, ctx.Err()) on cancellation, (false, nil) at the deadline. Watcher
// errors are drained so the watcher keeps delivering events.
func (w *lockWatch) next(ctx context.Context, deadline, tick <-chan time.Time) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-tick:
			return true, nil
		case ev, open := <-w.events:
			if !open {
				w.events = nil
				continue
			}
			if filepath.Clean(ev.Name) == w.path && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return true, nil
			}
		case werr, open := <-w.errs:
			if !open {
				w.errs = nil
				continue
			}
			w.log.Debug("lock watch error", map[string]any{"error": werr.Error()})
		}
	}
}

// removeIfUnchanged deletes the lock file only if it still holds expected.
// The file is first renamed aside so a record published by a racing acquirer
// after our read is detected and put back instead of being deleted.
func (m *Manager) removeIfUnchanged(expected []byte) (bool, error) {
	aside := filepath.Join(filepath.Dir(m.path), fsutil.TempPrefix+"lock-"+uuidutil.ShortHex(12))
	if err := os.Rename(m.path, aside); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("move lock aside: %w", err)
	}
	defer os.Remove(aside)

	got, err := os.ReadFile(aside)
	if err == nil && bytes.Equal(got, expected) {
		return true, fsutil.FsyncDir(filepath.Dir(m.path))
	}

	if lerr := os.Link(aside, m.path); lerr != nil && !os.IsExist(lerr) {
		return false, fmt.Errorf("restore replaced lock: %w", lerr)
	}
	return false, nil
}

func decode(raw []byte) (*model.LockRecord, error) {
	var rec model.LockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	if rec.OperationID == "" || rec.AcquiredAt.IsZero() {
		return nil, errors.New("parse lock: incomplete record")
	}
	return &rec, nil
}

func validateOperationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errclass.ErrNameInvalid.WithMessage("operation id must not be empty")
	}
	if len(id) > maxOperationIDLength {
		return errclass.ErrNameInvalid.WithMessagef("operation id longer than %d characters", maxOperationIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessage("operation id must not contain control characters")
		}
	}
	return nil
}
