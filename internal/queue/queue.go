// Package queue gates operations on the cross-process lock. Reads run
// immediately; mutations run only while this process holds the lock.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/package-audit/pkgaudit/pkg/errclass"
	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/metrics"
	"github.com/package-audit/pkgaudit/pkg/model"
)

// UnknownHolder is reported when the lock was refused but its record vanished
// before it could be read.
const UnknownHolder = "unknown"

// Locker is the subset of lock.Manager the queue needs.
type Locker interface {
	Acquire(operationID string) (bool, error)
	ReleaseIf(operationID string) (bool, error)
	Info() (*model.LockRecord, error)
}

// Queue runs operations against a Locker.
type Queue struct {
	lock    Locker
	log     *logging.Logger
	metrics *metrics.Registry
}

// New creates a queue. log and reg may be nil.
func New(lock Locker, log *logging.Logger, reg *metrics.Registry) *Queue {
	if log == nil {
		log = logging.Nop()
	}
	return &Queue{
		lock:    lock,
		log:     log.WithFields(map[string]any{"component": "queue"}),
		metrics: reg,
	}
}

// Outcome is the result of Execute: either the operation completed with a
// value, or it never ran because another operation holds the lock.
type Outcome[T any] struct {
	Value   T
	Blocked bool
	// Holder is the operation id that owned the lock when Blocked.
	Holder string
}

// Completed wraps a finished operation's value.
func Completed[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// BlockedBy reports a refused mutation.
func BlockedBy[T any](holder string) Outcome[T] {
	if holder == "" {
		holder = UnknownHolder
	}
	return Outcome[T]{Blocked: true, Holder: holder}
}

// Err returns E_OPERATION_IN_PROGRESS naming the holder when blocked, nil otherwise.
func (o Outcome[T]) Err() error {
	if !o.Blocked {
		return nil
	}
	return errclass.Blocked(o.Holder)
}

// Unwrap returns the value, or the blocked error.
func (o Outcome[T]) Unwrap() (T, error) {
	if o.Blocked {
		var zero T
		return zero, o.Err()
	}
	return o.Value, nil
}

// Execute runs fn according to opType. Reads run directly. A mutation makes
// exactly one non-blocking Acquire; when refused fn is never called and the
// outcome is Blocked. When acquired the lock is released after fn returns,
// including when fn fails or panics. ctx is only consulted before Acquire: a
// mutation body gets a context that carries ctx's values but is never
// cancelled, so it runs to completion once the lock is held.
func Execute[T any](ctx context.Context, q *Queue, operationID string, opType model.OperationType, fn func(context.Context) (T, error)) (Outcome[T], error) {
	switch opType {
	case model.OperationRead:
		v, err := fn(ctx)
		if err != nil {
			return Outcome[T]{}, err
		}
		return Completed(v), nil
	case model.OperationMutation:
		return executeMutation(ctx, q, operationID, fn)
	default:
		return Outcome[T]{}, fmt.Errorf("unknown operation type %q", opType)
	}
}

func executeMutation[T any](ctx context.Context, q *Queue, operationID string, fn func(context.Context) (T, error)) (out Outcome[T], err error) {
	if err := ctx.Err(); err != nil {
		return Outcome[T]{}, err
	}

	acquired, err := q.lock.Acquire(operationID)
	if err != nil {
		q.metrics.RecordOperation(string(model.OperationMutation), metrics.OutcomeFailed)
		return Outcome[T]{}, fmt.Errorf("acquire lock for %s: %w", operationID, err)
	}
	if !acquired {
		holder := q.holder()
		q.metrics.RecordOperation(string(model.OperationMutation), metrics.OutcomeBlocked)
		q.log.Info("mutation blocked", map[string]any{"operation_id": operationID, "holder": holder})
		return BlockedBy[T](holder), nil
	}

	start := time.Now()
	fields := map[string]any{"operation_id": operationID}
	q.log.Info("mutation started", fields)

	finished := false
	defer func() {
		q.metrics.ObserveMutation(time.Since(start))
		released, rerr := q.lock.ReleaseIf(operationID)
		switch {
		case rerr != nil:
			q.log.ErrorErr("release lock", rerr, fields)
			if err == nil && finished {
				err = fmt.Errorf("release lock for %s: %w", operationID, rerr)
			}
		case !released:
			q.log.Warn("lock was no longer ours at release", fields)
		}

		outcome := metrics.OutcomeCompleted
		if !finished || err != nil {
			outcome = metrics.OutcomeFailed
		}
		q.metrics.RecordOperation(string(model.OperationMutation), outcome)
		if !finished {
			q.log.Error("mutation panicked", fields)
		}
	}()

	v, ferr := fn(context.WithoutCancel(ctx))
	finished = true
	if ferr != nil {
		q.log.Warn("mutation failed", map[string]any{"operation_id": operationID, "error": ferr.Error()})
		return Outcome[T]{}, ferr
	}
	q.log.Info("mutation completed", map[string]any{"operation_id": operationID, "duration_ms": time.Since(start).Milliseconds()})
	return Completed(v), nil
}

func (q *Queue) holder() string {
	rec, err := q.lock.Info()
	if err != nil {
		if !errors.Is(err, errclass.ErrNotFound) {
			q.log.Debug("read lock holder", map[string]any{"error": err.Error()})
		}
		return UnknownHolder
	}
	return rec.OperationID
}
