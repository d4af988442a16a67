package types

import (
	"errors"
	"fmt"
)

// Error taxonomy for the populate engine (spec §7). Each kind is a
// distinct sentinel or typed error so callers can discriminate with
// errors.Is/errors.As rather than string matching.
var (
	// ErrConfiguration indicates the target or its make procedure is
	// misconfigured (no primary parents and no override, an override
	// that is not a relation.Expression, an unusable make procedure).
	// Raised at setup; never suppressed.
	ErrConfiguration = errors.New("configuration error")

	// ErrSchema indicates a key source (the default join of primary
	// parents or a user-supplied override) does not expose the target's
	// full primary key.
	ErrSchema = errors.New("schema error")

	// ErrNestedTransaction indicates populate (or BeginTx) was called
	// while a transaction was already open.
	ErrNestedTransaction = errors.New("nested transaction")

	// ErrDirectInsert indicates an insert was attempted on a
	// populate-guarded target outside of a make invocation.
	ErrDirectInsert = errors.New("direct insert on auto-populated target")

	// ErrAlreadyPresent is a normal skip outcome: the key was found in
	// the target during the pre-check.
	ErrAlreadyPresent = errors.New("key already present in target")

	// ErrReferentialIntegrityViolation indicates the three-phase
	// protocol's re-fetch hash disagreed with the first fetch hash.
	ErrReferentialIntegrityViolation = errors.New("referential integrity violation")

	// ErrRegistry indicates an unexpected Jobs Registry failure (not a
	// uniqueness rejection, which is represented by reserve returning
	// false rather than an error).
	ErrRegistry = errors.New("jobs registry error")

	// ErrShutdownRequested indicates SIGTERM-originated cancellation.
	// Always propagates, even under suppress_errors.
	ErrShutdownRequested = errors.New("shutdown requested")
)

// MakeFailure wraps any error raised from user make code. It is
// rolled back and recorded; propagated or suppressed per
// suppress_errors policy.
type MakeFailure struct {
	Key Key
	Err error
}

func (e *MakeFailure) Error() string {
	return fmt.Sprintf("make failed for key %v: %v", e.Key, e.Err)
}

func (e *MakeFailure) Unwrap() error { return e.Err }

// NewMakeFailure wraps err as a MakeFailure for key.
func NewMakeFailure(key Key, err error) *MakeFailure {
	return &MakeFailure{Key: key, Err: err}
}
