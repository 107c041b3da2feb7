package transfer

import (
	"errors"
	"fmt"

	"filedrop/internal/models"
)

// Error kinds. Every error returned by the store, the aggregator and the
// packager matches exactly one of these with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrValidation     = errors.New("validation error")
	ErrStorage        = errors.New("storage error")
	ErrPartialFailure = errors.New("partial failure")
)

// Specific reasons, each belonging to one kind.
var (
	ErrSessionNotFound = reason(ErrNotFound, "transfer not found")
	ErrTargetNotFound  = reason(ErrNotFound, "target device not found")
	ErrSenderGone      = reason(ErrNotFound, "sender disconnected")

	ErrInvalidStatus = reason(ErrInvalidState, "invalid transfer status")
	ErrFilesNotReady = reason(ErrInvalidState, "files not ready for download")
	ErrTooManyFiles  = reason(ErrInvalidState, "more files than declared")

	ErrEmptyPayload  = reason(ErrValidation, "no selected file")
	ErrUnsafePath    = reason(ErrValidation, "unsafe relative path")
	ErrDuplicatePath = reason(ErrValidation, "duplicate relative path")
	ErrShapeMismatch = reason(ErrValidation, "directory flag does not match request")
	ErrBadRequest    = reason(ErrValidation, "malformed transfer request")

	ErrFilesMissing  = reason(ErrStorage, "files not found")
	ErrWriteFailed   = reason(ErrStorage, "could not store file")
	ErrNoFilesCopied = reason(ErrStorage, "no files were copied successfully")

	ErrSomeFilesMissing = reason(ErrPartialFailure, "some files were not copied")
)

type reasonError struct {
	kind error
	msg  string
}

func reason(kind error, msg string) error { return &reasonError{kind: kind, msg: msg} }

func (e *reasonError) Error() string { return e.msg }
func (e *reasonError) Unwrap() error { return e.kind }

// Error carries the operation and session a failure belongs to.
type Error struct {
	Op         string
	TransferID string
	// Status is the session status observed when an invalid-state error was raised.
	Status models.Status
	// Copied is the number of files that made it for partial directory copies.
	Copied int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.TransferID, e.Err)
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Kind returns the kind sentinel err belongs to, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrInvalidState, ErrValidation, ErrStorage, ErrPartialFailure} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Message is the text of the reason behind err, without the operation,
// session id or any wrapped cause. Errors with no reason report their kind.
func Message(err error) string {
	var r *reasonError
	if errors.As(err, &r) {
		return r.msg
	}
	if k := Kind(err); k != nil {
		return k.Error()
	}
	return "internal error"
}

func newError(op, id string, err error) *Error {
	return &Error{Op: op, TransferID: id, Err: err}
}

func stateError(op, id string, why error, status models.Status) *Error {
	return &Error{Op: op, TransferID: id, Status: status, Err: why}
}

// Wrap annotates a reason with an underlying cause while keeping both
// reachable through errors.Is.
func Wrap(why, cause error) error {
	if cause == nil {
		return why
	}
	return fmt.Errorf("%w: %w", why, cause)
}
