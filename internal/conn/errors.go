package conn

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// EngineError represents a failure reported by the SQLite engine itself,
// as opposed to a coordination failure in the layer above.
//
// Engine errors include:
//   - Constraint violation: UNIQUE, NOT NULL, FOREIGN KEY, CHECK
//   - Busy/locked: another session holds a conflicting lock
//   - Misuse: API called out of sequence
//   - Corruption: the database file is damaged
//
// Engine errors propagate verbatim through the coordinator; nothing in the
// coordination layer retries or rewrites them.
type EngineError struct {
	// Code is the primary SQLite result code.
	Code int

	// ExtendedCode is the extended result code, when available.
	ExtendedCode int

	// Message is the engine's error text.
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// IsBusy reports whether the error is a busy or locked condition.
func (e *EngineError) IsBusy() bool {
	return e.Code == int(sqlite3.ErrBusy) || e.Code == int(sqlite3.ErrLocked)
}

// IsConstraint reports whether the error is a constraint violation.
func (e *EngineError) IsConstraint() bool {
	return e.Code == int(sqlite3.ErrConstraint)
}

// AsEngineError extracts an *EngineError from err, unwrapping as needed.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// asEngineError converts driver-level errors into *EngineError, leaving
// everything else (context cancellation, database/sql errors) untouched.
func asEngineError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return &EngineError{
			Code:         int(se.Code),
			ExtendedCode: int(se.ExtendedCode),
			Message:      se.Error(),
		}
	}
	return err
}
