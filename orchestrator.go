package docrelay

import (
	"context"
	"time"
)

// Stats is a best-effort snapshot of an engine's queue occupancy.
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
}

// Orchestrator is the uniform contract every execution engine honors. All
// engines consume the same Task model and Converter cache; they differ only
// in how tasks are dispatched and results collected.
//
// The unit of submission is one batch, the unit of tracking one task; the
// built-in engines create one task per batch. Status never blocks. Result
// blocks only when the caller opts in via Wait.
type Orchestrator interface {
	// Submit admits one batch of source keys and returns the task id.
	// It fails with ErrCapacityExceeded when admission limits are hit.
	Submit(ctx context.Context, items []string, opts ConvertOptions, subOpts ...SubmitOption) (string, error)

	// Status returns the latest known lifecycle state of the task.
	Status(ctx context.Context, id string) (Status, error)

	// Task returns a snapshot of the full task record.
	Task(ctx context.Context, id string) (*Task, error)

	// Result returns the task result once terminal. Without a Wait option it
	// returns ErrResultPending for unfinished tasks; with Wait it blocks up to
	// the given timeout. Failed tasks yield a TaskFailedError, cancelled
	// tasks ErrTaskCancelled.
	Result(ctx context.Context, id string, opts ...WaitOption) (*TaskResult, error)

	// Cancel requests best-effort cancellation. A pending task is cancelled
	// immediately; a running task is asked to stop cooperatively and may be
	// allowed to finish. Cancelling a terminal task is a no-op.
	Cancel(ctx context.Context, id string) error

	// Stats reports queue occupancy.
	Stats(ctx context.Context) (Stats, error)

	// Stop shuts the engine down, waiting for in-flight work to settle.
	Stop()
}

// SubmitPlan submits every batch of a plan and returns one task id per batch,
// in plan order. Submission stops at the first admission error; already
// admitted ids are returned alongside the error so callers can track them.
func SubmitPlan(ctx context.Context, o Orchestrator, plan *Plan, opts ConvertOptions, subOpts ...SubmitOption) ([]string, error) {
	if plan.Outstanding() == 0 {
		return nil, ErrEmptyPlan
	}
	ids := make([]string, 0, len(plan.Batches))
	for _, batch := range plan.Batches {
		id, err := o.Submit(ctx, batch, opts, subOpts...)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// resultOf maps a task snapshot to the Result contract shared by all engines.
func resultOf(t *Task) (*TaskResult, error) {
	switch t.Status {
	case StatusSuccess:
		return t.Result, nil
	case StatusFailure:
		return nil, &TaskFailedError{ID: t.ID, Message: t.Error}
	case StatusCancelled:
		return nil, ErrTaskCancelled
	default:
		return nil, ErrResultPending
	}
}

// awaitTerminal polls load until the task is terminal or the wait budget is
// spent. Engines with no push notification channel share this helper.
func awaitTerminal(ctx context.Context, load func(context.Context) (*Task, error), opts []WaitOption) (*TaskResult, error) {
	var wo waitOptions
	for _, opt := range opts {
		opt(&wo)
	}

	t, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() || !wo.wait {
		return resultOf(t)
	}

	var deadline <-chan time.Time
	if wo.timeout > 0 {
		timer := time.NewTimer(wo.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, ErrTimeout
		case <-ticker.C:
			t, err := load(ctx)
			if err != nil {
				return nil, err
			}
			if t.Status.Terminal() {
				return resultOf(t)
			}
		}
	}
}
