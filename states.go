package docrelay

// Status represents the lifecycle state of a task.
// Use the exported constants (StatusPending, StatusRunning, etc.) instead of
// raw strings to avoid typos.
type Status string

const (
	// StatusPending marks tasks admitted but not yet picked up by a worker.
	StatusPending Status = "pending"
	// StatusRunning marks tasks currently being executed by a worker.
	StatusRunning Status = "running"
	// StatusSuccess marks tasks whose batch finished with every item accounted for.
	StatusSuccess Status = "success"
	// StatusFailure marks tasks the system could not execute.
	StatusFailure Status = "failure"
	// StatusCancelled marks tasks cancelled before reaching another terminal state.
	StatusCancelled Status = "cancelled"
	// StatusUnknown is the fallback for foreign engine states this package
	// cannot classify. The built-in engines never produce it themselves.
	StatusUnknown Status = "unknown"
)

// AllStatuses lists every valid task status in a stable order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusSuccess, StatusFailure, StatusCancelled, StatusUnknown}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition can leave this status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusRunning):
		return StatusRunning, nil
	case string(StatusSuccess):
		return StatusSuccess, nil
	case string(StatusFailure):
		return StatusFailure, nil
	case string(StatusCancelled):
		return StatusCancelled, nil
	case string(StatusUnknown):
		return StatusUnknown, nil
	default:
		return "", ErrUnknownStatus
	}
}
