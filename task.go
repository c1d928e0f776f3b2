package docrelay

// ItemResult is the per-item outcome inside a task result. A task covers a
// batch of input documents, so a single task can carry a mix of output
// references and item-level errors.
type ItemResult struct {
	// ItemID is the source object key the item was built from.
	ItemID string `json:"item_id"`
	// Outputs holds the target object keys written for this item, one per
	// requested export format. Empty when the item failed.
	Outputs []string `json:"outputs,omitempty"`
	// Error is the item-level conversion error message, if any.
	Error string `json:"error,omitempty"`
}

// Failed reports whether this item ended in an error.
func (r ItemResult) Failed() bool { return r.Error != "" }

// TaskResult aggregates the per-item outcomes of one finished task.
type TaskResult struct {
	Items        []ItemResult `json:"items"`
	NumConverted int          `json:"num_converted"`
	NumSucceeded int          `json:"num_succeeded"`
	NumFailed    int          `json:"num_failed"`
	// ProcessingMs is the wall-clock duration of the conversion in milliseconds.
	ProcessingMs int64 `json:"processing_ms,omitempty"`
}

// Tally recomputes the counters from Items. Engines call it before publishing
// a terminal transition.
func (r *TaskResult) Tally() {
	r.NumConverted = len(r.Items)
	r.NumSucceeded = 0
	r.NumFailed = 0
	for _, it := range r.Items {
		if it.Failed() {
			r.NumFailed++
		} else {
			r.NumSucceeded++
		}
	}
}

// Task describes one unit of trackable work and its lifecycle state.
// It is serialized to JSON when an engine persists it to a shared store.
type Task struct {
	// ID is the unique identifier for the task, assigned at submission.
	ID string `json:"id"`
	// Queue is the logical queue the task was submitted to.
	Queue string `json:"queue,omitempty"`
	// Items are the source object keys this task converts, in batch order.
	Items []string `json:"items"`
	// Options is the conversion configuration for every item in the batch.
	Options ConvertOptions `json:"options"`
	// SourcePrefix is the source key prefix items were enumerated under.
	SourcePrefix string `json:"source_prefix,omitempty"`
	// TargetPrefix is the destination key prefix results are written under.
	TargetPrefix string `json:"target_prefix,omitempty"`
	// Status is the current lifecycle state. Transitions are monotonic:
	// once terminal, it never changes.
	Status Status `json:"status"`
	// Retry is the number of execution attempts already consumed.
	Retry int `json:"retry,omitempty"`
	// MaxRetry is the attempt budget before the task is marked failed.
	MaxRetry int `json:"max_retry,omitempty"`
	// CreatedAt is the timestamp (ms) when the task was admitted.
	CreatedAt int64 `json:"created_at,omitempty"`
	// StartedAt is the timestamp (ms) when a worker first picked the task up.
	StartedAt int64 `json:"started_at,omitempty"`
	// FinishedAt is the timestamp (ms) of the terminal transition.
	FinishedAt int64 `json:"finished_at,omitempty"`
	// Progress counts items already processed out of len(Items).
	Progress int `json:"progress,omitempty"`
	// CancelRequested flags best-effort cancellation. Workers check it at
	// item boundaries; a task that completes anyway keeps its real outcome.
	CancelRequested bool `json:"cancel_requested,omitempty"`
	// Error is the task-level error message for StatusFailure. It describes a
	// system failure, not an item conversion failure; those live in Result.
	Error string `json:"error,omitempty"`
	// Result is populated only on a terminal transition other than cancelled.
	Result *TaskResult `json:"result,omitempty"`
}
