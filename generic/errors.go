/*
errors.go - Outcome taxonomy and sentinel errors

PURPOSE:
  Business rejections are not errors. They travel as a Kind inside each
  operation's result so that callers switch on them explicitly. The error
  channel is reserved for hard failures (I/O, corrupt rows, missing
  entities) that no business rule can explain.

KINDS:
  invalid_transition          edge not permitted, or terminal state
  forbidden                   caller lacks the required role
  conflict                    optimistic-lock race survived every retry
  insufficient_funds          debit would drive the balance below zero
  duplicate                   idempotency short-circuit, treated as success
  unknown_reference           callback for an unrecognized transaction
  conflicting_terminal_state  integrity anomaly, left untouched for review

SEE ALSO:
  - guard.go: Produces ErrVersionConflict internally, never leaks it
  - api/errors.go: Maps kinds to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// KIND - Tagged business outcome
// =============================================================================

type Kind string

const (
	KindNone                     Kind = ""
	KindInvalidTransition        Kind = "invalid_transition"
	KindForbidden                Kind = "forbidden"
	KindConflict                 Kind = "conflict"
	KindInsufficientFunds        Kind = "insufficient_funds"
	KindDuplicate                Kind = "duplicate"
	KindUnknownReference         Kind = "unknown_reference"
	KindConflictingTerminalState Kind = "conflicting_terminal_state"
	KindInactive                 Kind = "inactive"
)

// IsSuccess reports whether the kind is an idempotent short-circuit that
// layers above must report as success.
func (k Kind) IsSuccess() bool { return k == KindNone || k == KindDuplicate }

// Retryable reports whether a fresh attempt with the same input may succeed.
func (k Kind) Retryable() bool { return k == KindConflict }

// Rejection explains why an operation did not take effect.
type Rejection struct {
	Kind    Kind
	Message string
}

func Reject(kind Kind, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) String() string {
	if r == nil {
		return ""
	}
	return string(r.Kind) + ": " + r.Message
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned by a VersionStore when the stored
	// version no longer matches the version that was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateKey is returned when a unique key (id, external
	// reference, idempotency key, one debit per order) already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidAmount is returned for unparsable or non-positive amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput is returned when a request is structurally malformed.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.EntityType, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(entityType, id string) error {
	return &NotFoundError{EntityType: entityType, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool { return errors.Is(err, ErrVersionConflict) }

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateKey)
}
