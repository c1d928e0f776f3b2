package docrelay

import (
	"errors"
	"fmt"
)

// ErrCapacityExceeded is returned when Submit is rejected by admission limits.
// The caller may retry later.
var ErrCapacityExceeded = errors.New("docrelay: capacity exceeded")

// ErrTimeout is returned when a blocking Result wait exceeds its budget.
// The task itself is unaffected.
var ErrTimeout = errors.New("docrelay: wait timed out")

// ErrResultPending is returned by Result when the task has not reached a
// terminal state and the caller did not opt into waiting.
var ErrResultPending = errors.New("docrelay: result pending")

// ErrEngineUnavailable is returned when the underlying substrate (queue,
// broker, pipeline runner) is unreachable.
var ErrEngineUnavailable = errors.New("docrelay: engine unavailable")

// ErrTaskNotFound is returned when a task with the specified ID is not known.
var ErrTaskNotFound = errors.New("docrelay: task not found")

// ErrDuplicateTask is returned when Submit is called with an ID that already exists.
var ErrDuplicateTask = errors.New("docrelay: duplicate task id")

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("docrelay: unknown status")

// ErrEngineClosed is returned when an operation is attempted on a stopped engine.
var ErrEngineClosed = errors.New("docrelay: engine closed")

// ErrEmptyPlan is returned when planning finds no outstanding work.
var ErrEmptyPlan = errors.New("docrelay: nothing to convert")

// ErrTaskCancelled is returned by Result for a task that ended cancelled;
// cancelled tasks carry no result.
var ErrTaskCancelled = errors.New("docrelay: task cancelled")

// TaskFailedError is returned by Result for a task in the failure state. It
// describes a system failure ("the job could not run"), as opposed to item
// conversion errors, which are recorded as data inside a successful task's
// result.
type TaskFailedError struct {
	ID      string
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("docrelay: task %s failed: %s", e.ID, e.Message)
}

// ConverterInitError reports that constructing a converter for a fingerprint
// failed. The cache does not retain the failed entry, so a later Acquire for
// the same fingerprint retries construction.
type ConverterInitError struct {
	Fingerprint string
	Err         error
}

func (e *ConverterInitError) Error() string {
	return fmt.Sprintf("docrelay: converter init failed for %s: %v", e.Fingerprint, e.Err)
}

func (e *ConverterInitError) Unwrap() error { return e.Err }

// ConversionError reports that a single item in a batch failed to convert.
// It is recorded in that task's per-item result and never fails sibling items.
type ConversionError struct {
	Item string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("docrelay: convert %s: %v", e.Item, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }
