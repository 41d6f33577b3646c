package coord

import (
	"errors"
	"fmt"
)

// ReentrancyError reports that Write was called from a context that
// already holds writer access. Failing fast here is the alternative to a
// guaranteed deadlock on the writer lock.
type ReentrancyError struct {
	// Op is the operation that detected the reentrant call.
	Op string
}

// Error implements the error interface.
func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("%s: reentrant call while holding writer access", e.Op)
}

// ConcurrencyError reports a reader-pool acquisition failure: the pool is
// draining for an exclusive operation, or the acquisition timed out.
type ConcurrencyError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// MisuseError reports a violation of the coordinator's calling discipline,
// such as a nested read outside a write block or a credential rotation
// attempted without draining readers.
type MisuseError struct {
	Op      string
	Message string
}

// Error implements the error interface.
func (e *MisuseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// IsReentrancyError reports whether err is a ReentrancyError.
// Uses errors.As to handle wrapped errors.
func IsReentrancyError(err error) bool {
	var re *ReentrancyError
	return errors.As(err, &re)
}

// IsConcurrencyError reports whether err is a ConcurrencyError.
// Uses errors.As to handle wrapped errors.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// IsMisuseError reports whether err is a MisuseError.
// Uses errors.As to handle wrapped errors.
func IsMisuseError(err error) bool {
	var me *MisuseError
	return errors.As(err, &me)
}
