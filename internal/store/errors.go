package store

import "errors"

// Error kinds shared across the system. Callers match with errors.Is; the
// gateway maps them to HTTP status codes.
var (
	// ErrNotFound: the entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict: optimistic-concurrency or uniqueness violation. The
	// caller retries with fresh state (event appends re-read the tail).
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput: schema or argument validation failed at a boundary.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvariant: an internal consistency rule was violated (e.g. a fork
	// point that does not belong to the parent). Indicates a bug.
	ErrInvariant = errors.New("invariant violation")

	// ErrPermissionDenied: policy refused a tool or API call.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBudgetExceeded: the period budget is spent; new turns are refused.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrUnauthorized: bad webhook signature or missing credential.
	ErrUnauthorized = errors.New("unauthorized")
)
