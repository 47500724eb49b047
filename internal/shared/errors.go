// Package shared contains common error types and utilities.
package shared

import (
	"context"
	"errors"
	"fmt"
)

// Common errors that can be used across the application
var (
	// ErrNotFound indicates that a requested row, table or file was not found
	ErrNotFound = errors.New("not found")

	// ErrMisuse indicates that a caller violated a documented precondition
	ErrMisuse = errors.New("misuse")

	// ErrBusy indicates that the database file or a table is locked by another connection
	ErrBusy = errors.New("database busy")

	// ErrConstraint indicates that a statement violated a constraint
	ErrConstraint = errors.New("constraint violation")

	// ErrReadOnly indicates a write attempt against a read-only connection
	ErrReadOnly = errors.New("read-only database")

	// ErrCorrupt indicates a malformed database image
	ErrCorrupt = errors.New("database corrupt")

	// ErrIO indicates a disk or file-system failure reported by the engine
	ErrIO = errors.New("i/o failure")

	// ErrClosed indicates use of a connection or queue after it was closed
	ErrClosed = errors.New("closed")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariantViolated indicates that an internal rule was violated
	ErrInvariantViolated = errors.New("invariant violated")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindNotFound represents missing rows, tables or files
	KindNotFound
	// KindMisuse represents precondition violations by the caller
	KindMisuse
	// KindBusy represents lock contention (SQLITE_BUSY, SQLITE_LOCKED)
	KindBusy
	// KindConstraint represents constraint violations
	KindConstraint
	// KindReadOnly represents writes against read-only connections
	KindReadOnly
	// KindCorrupt represents malformed database images
	KindCorrupt
	// KindIO represents disk and file-system failures
	KindIO
	// KindClosed represents use after close
	KindClosed
	// KindInternal represents internal errors
	KindInternal
	// KindTimeout represents timeout errors
	KindTimeout
	// KindInvariantViolated represents internal rule violations
	KindInvariantViolated
	// KindCanceled represents context cancellation
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindMisuse:
		return "Misuse"
	case KindBusy:
		return "Busy"
	case KindConstraint:
		return "Constraint"
	case KindReadOnly:
		return "ReadOnly"
	case KindCorrupt:
		return "Corrupt"
	case KindIO:
		return "IO"
	case KindClosed:
		return "Closed"
	case KindInternal:
		return "Internal"
	case KindTimeout:
		return "Timeout"
	case KindInvariantViolated:
		return "InvariantViolated"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// kindToSentinel maps error kinds to their corresponding sentinel errors.
var kindToSentinel = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindMisuse:            ErrMisuse,
	KindBusy:              ErrBusy,
	KindConstraint:        ErrConstraint,
	KindReadOnly:          ErrReadOnly,
	KindCorrupt:           ErrCorrupt,
	KindIO:                ErrIO,
	KindClosed:            ErrClosed,
	KindInternal:          ErrInternal,
	KindTimeout:           ErrTimeout,
	KindInvariantViolated: ErrInvariantViolated,
}

// kindPriorities defines the deterministic order for error classification.
// Higher priority (lower index) kinds are checked first in KindOf.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},       // context.Canceled (special case)
	{KindTimeout, ErrTimeout}, // deadlines win over engine classification
	{KindClosed, ErrClosed},
	{KindMisuse, ErrMisuse},
	{KindBusy, ErrBusy},
	{KindConstraint, ErrConstraint},
	{KindReadOnly, ErrReadOnly},
	{KindNotFound, ErrNotFound},
	{KindCorrupt, ErrCorrupt},
	{KindIO, ErrIO},
	{KindInternal, ErrInternal},
	{KindInvariantViolated, ErrInvariantViolated},
}

// KindOf returns the Kind of the given error by checking against known sentinel errors.
// It traverses the error chain to find the root classification using a deterministic priority order.
//
// The classification priority (highest to lowest):
//  1. KindCanceled (context.Canceled)
//  2. KindTimeout (context.DeadlineExceeded, ErrTimeout)
//  3. KindClosed, KindMisuse (caller-side problems)
//  4. KindBusy, KindConstraint, KindReadOnly, KindNotFound (engine outcomes)
//  5. KindCorrupt, KindIO, KindInternal, KindInvariantViolated (lowest priority)
//
// For errors created with errors.Join, the first matching kind in priority order is returned.
// Returns KindUnknown for unrecognized errors.
//
// Example:
//
//	switch shared.KindOf(err) {
//	case shared.KindBusy:
//	    return http.StatusServiceUnavailable
//	case shared.KindConstraint:
//	    return http.StatusConflict
//	case shared.KindMisuse:
//	    return http.StatusBadRequest
//	default:
//	    return http.StatusInternalServerError
//	}
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if priority.err != nil && errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
// It is equivalent to KindOf(err) == kind but provides a more explicit API.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown and KindCanceled, it returns nil.
func SentinelOf(kind Kind) error {
	if sentinel, exists := kindToSentinel[kind]; exists {
		return sentinel
	}
	return nil
}

// MarkKind wraps an error with the appropriate sentinel error for the given kind,
// preserving the original error through error wrapping.
// This allows both KindOf(MarkKind(err, kind)) == kind and errors.Is(MarkKind(err, kind), err) to be true.
// If err is nil, returns the sentinel error for the kind (or nil for unsupported kinds).
// If kind is KindUnknown or KindCanceled, returns the original error unchanged.
//
// This function is idempotent: marking an error with a kind it already has returns the error unchanged.
//
// Example usage for adapting driver errors:
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}

	switch kind {
	case KindUnknown, KindCanceled:
		return err
	}

	sentinel := SentinelOf(kind)
	if sentinel == nil {
		return err
	}

	if KindOf(err) == kind {
		return err
	}

	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context.
// It returns a new error that formats as "context: err".
// If err is nil, Wrap returns nil.
// If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
// If err is nil, Wrapf returns nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Invariant checks a condition and returns an error if it's false.
func Invariant(condition bool, message string) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, message)
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded and our ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)
}

// IsBusy reports whether the error indicates lock contention.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsMisuse reports whether the error indicates a caller precondition violation.
func IsMisuse(err error) bool {
	return errors.Is(err, ErrMisuse)
}

// IsConstraint reports whether the error indicates a constraint violation.
func IsConstraint(err error) bool {
	return errors.Is(err, ErrConstraint)
}

// IsClosed reports whether the error indicates use after close.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsNotFound reports whether the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Cause returns the underlying cause of the error by repeatedly unwrapping it.
// For errors.Join, returns the first root cause found in breadth-first order.
// If err is nil, Cause returns nil.
func Cause(err error) error {
	if err == nil {
		return nil
	}

	all := UnwrapAll(err)
	for i := len(all) - 1; i >= 0; i-- {
		candidate := all[i]

		hasNested := false
		if unwrapper, ok := candidate.(interface{ Unwrap() []error }); ok {
			hasNested = len(unwrapper.Unwrap()) > 0
		} else {
			hasNested = errors.Unwrap(candidate) != nil
		}

		if !hasNested {
			return candidate
		}
	}

	return err
}

// UnwrapAll returns all errors in the error chain, from outermost to innermost.
// For errors created with errors.Join, this flattens the entire error graph.
func UnwrapAll(err error) []error {
	if err == nil {
		return nil
	}

	var result []error
	seen := make(map[error]bool) // prevent infinite loops
	queue := []error{err}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)

		if unwrapper, ok := current.(interface{ Unwrap() []error }); ok {
			queue = append(queue, unwrapper.Unwrap()...)
		} else if nested := errors.Unwrap(current); nested != nil {
			queue = append(queue, nested)
		}
	}

	return result
}
