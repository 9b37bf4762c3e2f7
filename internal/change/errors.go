package change

import (
	"errors"
	"fmt"
)

// ErrAbort is returned by a precondition to skip a change cooperatively.
// It halts that change's workflow and is never surfaced as a failure.
var ErrAbort = errors.New("change aborted by precondition")

// ModifiedError reports that a change id already has a ledger entry whose
// checksum differs from the change's current content.
type ModifiedError struct {
	ID       string
	Recorded string
	Current  string
}

func (e *ModifiedError) Error() string {
	return fmt.Sprintf("%s has been modified", e.ID)
}

// PreconditionError wraps a failing precondition.
type PreconditionError struct {
	ID  string
	Err error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition for %s failed: %v", e.ID, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// ActionError wraps a failing action.
type ActionError struct {
	ID  string
	Err error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.ID, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// IsModified reports whether err is, or wraps, a *ModifiedError.
func IsModified(err error) bool {
	var me *ModifiedError
	return errors.As(err, &me)
}
