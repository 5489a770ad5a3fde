// Package common defines shared constants and sentinel errors used across
// repository and service layers of Chronicle. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Validation errors (bad identifiers, names, timestamps, payloads).
	ErrInvalidInput = errors.New("invalid input")

	// Access-policy denials.
	ErrForbidden = errors.New("forbidden")

	// Concurrent-write errors: the caller lost an optimistic-concurrency
	// race and should re-read before retrying.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// State errors: the operation is well-formed but not applicable to the
	// current state (merging a branch into itself, deleting a branch that
	// still has children).
	ErrInvalidOperation = errors.New("invalid operation")

	// Ancestry-walk errors.
	ErrCycleDetected = errors.New("branch ancestry cycle detected")

	// Merge/cherry-pick errors: conflicts remain without resolutions.
	ErrIncompleteResolution = errors.New("incomplete conflict resolution")
)
