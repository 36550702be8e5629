package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound is reported when an operation targets an unknown or
// already-terminal condition id. Callers treat it as a no-op.
var ErrNotFound = errors.New("condition not found")

// ValidationError rejects a malformed registration before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// errInsufficientBars marks an inconclusive evaluation: the history window
// does not yet hold enough closed bars. Expected at startup, not a fault.
var errInsufficientBars = errors.New("not enough closed bars")
