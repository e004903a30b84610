// Package scheduler coordinates execution admission: it bridges caller
// intent ("run this, after these others") to the run-queue dispatcher while
// honoring dependency order.
package scheduler

import "errors"

var (
	// ErrExecutionNotFound indicates an unknown execution id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrDuplicateExecution indicates an execution id was submitted twice.
	ErrDuplicateExecution = errors.New("execution already exists")
)

// IsExecutionNotFound checks if an error is an unknown-execution error.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsDuplicateExecution checks if an error is a duplicate submission error.
func IsDuplicateExecution(err error) bool {
	return errors.Is(err, ErrDuplicateExecution)
}
