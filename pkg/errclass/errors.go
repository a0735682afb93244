package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
	// Holder names the operation owning the lock for E_OPERATION_IN_PROGRESS.
	Holder string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Holder: e.Holder}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Holder: e.Holder}
}

// Blocked returns an E_OPERATION_IN_PROGRESS error naming the lock holder.
func Blocked(holder string) *Error {
	return &Error{
		Code:    ErrOperationInProgress.Code,
		Message: fmt.Sprintf("operation blocked by: %s", holder),
		Holder:  holder,
	}
}

// Error classes surfaced to callers.
var (
	ErrNameInvalid         = &Error{Code: "E_NAME_INVALID"}
	ErrPathEscape          = &Error{Code: "E_PATH_ESCAPE"}
	ErrOperationInProgress = &Error{Code: "E_OPERATION_IN_PROGRESS"}
	ErrNotFound            = &Error{Code: "E_NOT_FOUND"}
	ErrSnapshotCorrupt     = &Error{Code: "E_SNAPSHOT_CORRUPT"}
	ErrManagerUnknown      = &Error{Code: "E_MANAGER_UNKNOWN"}
	ErrManagerUnavailable  = &Error{Code: "E_MANAGER_UNAVAILABLE"}
	ErrCommandTimeout      = &Error{Code: "E_COMMAND_TIMEOUT"}
	ErrCommandFailed       = &Error{Code: "E_COMMAND_FAILED"}
	ErrAuditChainBroken    = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
)

// IsClientError reports whether err is caused by caller input and must not be retried.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNameInvalid) || errors.Is(err, ErrPathEscape)
}
