package services

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig marks configuration problems caught before any work is
// dispatched. Enqueue fails fast on it instead of burning a worker slot.
var ErrInvalidConfig = errors.New("invalid generation configuration")

// ErrStaleTree is returned by the tree editor when a merge/delete names node
// ids that no longer exist. Callers re-fetch the tree and retry.
var ErrStaleTree = errors.New("stale tree: node set changed since read")

// EvidenceProviderError wraps a single evidence or reasoning call failure.
// It is recovered locally (counted, surfaced in the summary) and never aborts
// a whole run on its own.
type EvidenceProviderError struct {
	Provider string
	Err      error
}

func (e *EvidenceProviderError) Error() string {
	return fmt.Sprintf("evidence provider %s: %v", e.Provider, e.Err)
}

func (e *EvidenceProviderError) Unwrap() error { return e.Err }
