// Package app wires pkgaudit's components into one per-process Runtime and
// implements the workflows the CLI and the HTTP API share.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/package-audit/pkgaudit/internal/adapter"
	"github.com/package-audit/pkgaudit/internal/audit"
	"github.com/package-audit/pkgaudit/internal/lock"
	"github.com/package-audit/pkgaudit/internal/queue"
	"github.com/package-audit/pkgaudit/internal/snapshot"
	"github.com/package-audit/pkgaudit/internal/storage"
	"github.com/package-audit/pkgaudit/pkg/config"
	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/package-audit/pkgaudit/pkg/webhook"
)

// AuditFile is the journal path relative to the home directory.
const AuditFile = "audit/audit.jsonl"

const hookFlushTimeout = 5 * time.Second

// Options configures New. Only Home is required.
type Options struct {
	Home     string
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Registry
	Runner   adapter.Runner
	Registry *adapter.Registry
	// PID overrides the lock owner pid, for tests acting as another process.
	PID int
	Now func() time.Time
}

// Runtime is the process context: every component bound to one home directory.
type Runtime struct {
	Home      string
	Config    *config.Config
	Log       *logging.Logger
	Metrics   *metrics.Registry
	Docs      *storage.JSONStore
	Lock      *lock.Manager
	Queue     *queue.Queue
	Snapshots *snapshot.Store
	Registry  *adapter.Registry
	Audit     *audit.Journal
	Hooks     *webhook.Client

	now func() time.Time
}

// New builds a Runtime. Missing options are derived from the config.
func New(opts Options) (*Runtime, error) {
	if opts.Home == "" {
		return nil, fmt.Errorf("runtime: home directory required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = cfg.NewLogger()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	docs, err := storage.NewJSONStore(opts.Home)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	home := docs.BaseDir()

	lockMgr, err := lock.NewManager(home, lock.Options{
		Timeout: cfg.Lock.Timeout,
		PID:     opts.PID,
		Now:     now,
		Logger:  log,
		Metrics: reg,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	registry := opts.Registry
	if registry == nil {
		runner := opts.Runner
		if runner == nil {
			runner = adapter.NewExecRunner(cfg.Commands.Timeout, log)
		}
		registry = adapter.NewRegistry(runner, log)
	}

	return &Runtime{
		Home:    home,
		Config:  cfg,
		Log:     log,
		Metrics: reg,
		Docs:    docs,
		Lock:    lockMgr,
		Queue:   queue.New(lockMgr, log, reg),
		Snapshots: snapshot.NewStore(docs, snapshot.Options{
			RetentionLimit: cfg.Snapshots.RetentionLimit,
			Now:            now,
			Logger:         log,
			Metrics:        reg,
		}),
		Registry: registry,
		Audit:    audit.NewJournal(filepath.Join(home, filepath.FromSlash(AuditFile))),
		Hooks:    webhook.NewClient(cfg.Webhooks, webhook.Options{Logger: log, Metrics: reg}),
		now:      now,
	}, nil
}

// Close releases the lock if this process still owns it, then flushes
// queued webhook deliveries for at most hookFlushTimeout. It is safe to call
// more than once and on every exit path.
func (r *Runtime) Close() error {
	var errs []error
	released, err := r.Lock.Release(false)
	if err != nil {
		errs = append(errs, fmt.Errorf("release lock on shutdown: %w", err))
	}
	if released {
		r.Log.Warn("released lock held at shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookFlushTimeout)
	defer cancel()
	if err := r.Hooks.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush webhooks: %w", err))
	}
	return errors.Join(errs...)
}
