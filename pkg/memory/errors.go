package memory

import "errors"

var (
	// ErrConnectionUnavailable indicates the backing store for a scope is
	// unreachable. Write paths queue locally; read paths degrade.
	ErrConnectionUnavailable = errors.New("memory store connection unavailable")

	// ErrTimeout indicates a scope query exceeded its budget.
	ErrTimeout = errors.New("memory operation timed out")

	// ErrEmbeddingFailure indicates the embedding provider failed. Non-fatal
	// for store: the record is kept keyword-only until re-embedded.
	ErrEmbeddingFailure = errors.New("embedding failure")

	// ErrValidation indicates malformed caller input (scope, type, metadata).
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the record id is unknown in any searched scope.
	ErrNotFound = errors.New("memory record not found")

	// ErrDuplicateConflict indicates a write collided with an existing record
	// carrying the same idempotency identity.
	ErrDuplicateConflict = errors.New("duplicate memory record")
)
