package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// Error kinds. Every operation failure matches exactly one of these with errors.Is.
var (
	// ErrAuthorization reports a caller lacking the required role or identity.
	ErrAuthorization = errors.New("authorization error")
	// ErrState reports an operation invalid for the entity's current status.
	ErrState = errors.New("state error")
	// ErrInvariant reports a change that would break a balance or membership invariant.
	ErrInvariant = errors.New("invariant violation")
	// ErrExternalTransfer reports a failed asset transfer.
	ErrExternalTransfer = errors.New("external transfer failure")
	// ErrUnrecognizedInput reports an unknown parameter name or proposal kind.
	ErrUnrecognizedInput = errors.New("unrecognized input")
	// ErrNotFound reports an unknown cooperative, loan or proposal.
	ErrNotFound = errors.New("not found")
)

// OperationError is the typed failure returned by ledger operations.
type OperationError struct {
	Op     string
	Kind   error
	Reason string
	Err    error
}

func (e *OperationError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newOpError(op string, kind error, format string, args ...any) *OperationError {
	return &OperationError{Op: op, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Unauthorized builds an ErrAuthorization failure.
func Unauthorized(op, format string, args ...any) error {
	return newOpError(op, ErrAuthorization, format, args...)
}

// InvalidState builds an ErrState failure.
func InvalidState(op, format string, args ...any) error {
	return newOpError(op, ErrState, format, args...)
}

// InvariantViolation builds an ErrInvariant failure.
func InvariantViolation(op, format string, args ...any) error {
	return newOpError(op, ErrInvariant, format, args...)
}

// Unrecognized builds an ErrUnrecognizedInput failure.
func Unrecognized(op, format string, args ...any) error {
	return newOpError(op, ErrUnrecognizedInput, format, args...)
}

// TransferFailed wraps a gateway error as an ErrExternalTransfer failure.
func TransferFailed(op string, cause error, format string, args ...any) error {
	e := newOpError(op, ErrExternalTransfer, format, args...)
	e.Err = cause
	return e
}

// NotFoundError is returned when an id does not resolve to a stored record.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

// NotFound builds a NotFoundError for a numeric arena id.
func NotFound(entity EntityType, id uint64) NotFoundError {
	return NotFoundError{Entity: entity, ID: strconv.FormatUint(id, 10)}
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
