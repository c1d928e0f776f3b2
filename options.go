package docrelay

import "time"

type submitOptions struct {
	id           string
	queue        string
	maxRetry     int
	blockOnFull  bool
	sourcePrefix string
	targetPrefix string
}

// SubmitOption configures task admission.
type SubmitOption func(*submitOptions)

// TaskID sets a custom ID for the task. If not provided, a random UUID is generated.
func TaskID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.id = id
	}
}

// Queue routes the task to a named queue. Engines that have no queue concept
// record it as metadata only.
func Queue(name string) SubmitOption {
	return func(o *submitOptions) {
		o.queue = name
	}
}

// MaxRetry sets the number of execution retries after a transient worker
// failure before the task is marked failed.
func MaxRetry(n int) SubmitOption {
	return func(o *submitOptions) {
		if n < 0 {
			n = 0
		}
		o.maxRetry = n
	}
}

// Prefixes records the source and target key prefixes on the task, so
// workers can derive output keys from item keys.
func Prefixes(source, target string) SubmitOption {
	return func(o *submitOptions) {
		o.sourcePrefix = source
		o.targetPrefix = target
	}
}

// BlockOnFull makes Submit wait for queue space instead of returning
// ErrCapacityExceeded. Only the in-process engine distinguishes the two.
func BlockOnFull() SubmitOption {
	return func(o *submitOptions) {
		o.blockOnFull = true
	}
}

type waitOptions struct {
	wait    bool
	timeout time.Duration
}

// WaitOption configures blocking behavior of Result.
type WaitOption func(*waitOptions)

// Wait makes Result block until the task reaches a terminal state or the
// timeout elapses, whichever is first. A timeout returns ErrTimeout without
// altering task state. A zero or negative timeout waits indefinitely.
func Wait(timeout time.Duration) WaitOption {
	return func(o *waitOptions) {
		o.wait = true
		o.timeout = timeout
	}
}
