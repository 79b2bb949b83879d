package docmigrate

import (
	"fmt"

	"github.com/influxdata/docmigrate/kit/platform/errors"
)

// Error is the coded error returned by every docmigrate package.
type Error = errors.Error

// Error codes.
const (
	EInternal       = errors.EInternal
	ENotFound       = errors.ENotFound
	EConflict       = errors.EConflict
	EInvalid        = errors.EInvalid
	EInvalidState   = errors.EInvalidState
	EEmptyMigration = errors.EEmptyMigration
	EAlreadyApplied = errors.EAlreadyApplied
	EInProgress     = errors.EInProgress
	EStorage        = errors.EStorage
)

var (
	// ErrEntryNotFound is returned by a LedgerStore when no entry exists for a version.
	ErrEntryNotFound = &Error{
		Code: ENotFound,
		Msg:  "ledger entry not found",
	}
)

// ErrorCode returns the code of err, see errors.ErrorCode.
func ErrorCode(err error) string {
	return errors.ErrorCode(err)
}

// IsAlreadyApplied reports whether err signals a version that has already completed.
func IsAlreadyApplied(err error) bool {
	return ErrorCode(err) == EAlreadyApplied
}

// IsInProgress reports whether err signals a live concurrent attempt. It is retryable.
func IsInProgress(err error) bool {
	return ErrorCode(err) == EInProgress
}

// IsConflict reports whether err is a conflict, such as a rename whose target
// field already exists.
func IsConflict(err error) bool {
	return ErrorCode(err) == EConflict
}

// IsStorage reports whether err came from the underlying store.
func IsStorage(err error) bool {
	return ErrorCode(err) == EStorage
}

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ENotFound
}

// NewStorageError wraps an I/O failure from a store. Errors that already carry
// a code are returned unchanged so the original classification survives.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{
		Code: EStorage,
		Op:   op,
		Err:  err,
	}
}

// ConflictError is returned by an operation whose intent is ambiguous for a
// particular document.
func ConflictError(op, format string, args ...interface{}) error {
	return &Error{
		Code: EConflict,
		Op:   op,
		Msg:  fmt.Sprintf(format, args...),
	}
}
