// Package shared contains common error types and utilities for error handling
// across the application without engine-specific logic.
//
// # Error Types and Classification
//
// This package provides a set of standard error types (sentinel errors) that
// represent the failure conditions of an embedded database layer:
//
//   - ErrNotFound: Row, table or file not found
//   - ErrMisuse: A documented precondition was violated by the caller
//   - ErrBusy: The database is locked by another connection
//   - ErrConstraint: A constraint was violated
//   - ErrReadOnly: Write against a read-only connection
//   - ErrCorrupt: Malformed database image
//   - ErrIO: Disk or file-system failure
//   - ErrClosed: Use after close
//   - ErrInternal, ErrTimeout, ErrInvariantViolated
//
// Errors produced by package pipeline implement Is for these sentinels, so
// they can be classified without importing the engine:
//
//	_, err := queue.Transaction(ctx, pipeline.Immediate, fn)
//	switch shared.KindOf(err) {
//	case shared.KindBusy:
//	    // retry later
//	case shared.KindConstraint:
//	    // report conflict
//	}
//
// # Kind Priority Table
//
// When multiple error kinds are present (e.g., with errors.Join), KindOf returns the highest priority kind:
//
//	Priority | Kind                  | Description
//	---------|-----------------------|--------------------
//	1        | KindCanceled          | Context cancellation (highest)
//	2        | KindTimeout           | Timeout/deadline errors
//	3        | KindClosed            | Queue or connection closed
//	4        | KindMisuse            | Caller precondition violations
//	5        | KindBusy              | Lock contention
//	6        | KindConstraint        | Constraint violations
//	7        | KindReadOnly          | Read-only database
//	8        | KindNotFound          | Missing resources
//	9        | KindCorrupt           | Malformed database
//	10       | KindIO                | Disk failures
//	11       | KindInternal          | Internal errors
//	12       | KindInvariantViolated | Internal rule violations (lowest)
//
// # Wrapping
//
// Use Wrap and Wrapf to add context while preserving errors.Is:
//
//	return shared.Wrapf(err, "open %s", path)
//
// Use MarkKind to attach a classification to an error from a library that
// knows nothing about this package.
package shared
