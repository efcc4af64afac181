// Package errors provides error codes shared by the data layer and its callers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Local store errors
	ErrDatabase          ErrorCode = "DATABASE_ERROR"
	ErrMigration         ErrorCode = "MIGRATION_FAILED"
	ErrLocalTx           ErrorCode = "LOCAL_TX_FAILED"
	ErrUnknownCollection ErrorCode = "UNKNOWN_COLLECTION"

	// Remote store errors
	ErrRemoteTransient ErrorCode = "REMOTE_TRANSIENT"
	ErrRemotePermanent ErrorCode = "REMOTE_PERMANENT"

	// Sync errors
	ErrOffline       ErrorCode = "OFFLINE"
	ErrSyncFailed    ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout   ErrorCode = "SYNC_TIMEOUT"
	ErrEntryDropped  ErrorCode = "ENTRY_DROPPED"
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Transient marks err as a remote failure worth retrying on the next cycle.
func Transient(message string, err error) *AppError {
	return Wrap(ErrRemoteTransient, message, err)
}

// Permanent marks err as a remote failure that will never succeed on replay.
func Permanent(message string, err error) *AppError {
	return Wrap(ErrRemotePermanent, message, err)
}

// IsPermanent reports whether err is a permanent remote failure.
func IsPermanent(err error) bool {
	return Is(err, ErrRemotePermanent) || Is(err, ErrPermission)
}

// IsTransient reports whether err should be retried later.
// Unclassified errors and context deadlines count as transient: a network
// call that fails for an unknown reason is assumed to be connectivity.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}
