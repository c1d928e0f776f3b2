package docrelay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const enginePool = "pool"

// PoolConfig defines the in-process engine.
type PoolConfig struct {
	// Workers is the number of worker goroutines. Defaults to 2.
	Workers int
	// QueueSize bounds admission. A full queue makes Submit fail with
	// ErrCapacityExceeded, or block when the BlockOnFull option is set.
	// Defaults to 128.
	QueueSize int
	// Exec wires cache, builder and stores for batch execution.
	Exec ExecConfig
	// Logger defaults to FmtLogger.
	Logger Logger
}

// poolTask pairs the task record with its synchronization state. Mutation is
// owned by the worker executing the task until it publishes a terminal
// transition; afterwards the record is read-only.
type poolTask struct {
	mu        sync.Mutex
	task      Task
	done      chan struct{}
	cancelReq bool
	cancelRun context.CancelFunc
}

func (p *poolTask) snapshot() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.task
	if p.task.Result != nil {
		res := *p.task.Result
		res.Items = append([]ItemResult(nil), p.task.Result.Items...)
		t.Result = &res
	}
	t.Items = append([]string(nil), p.task.Items...)
	return &t
}

// PoolEngine executes tasks on a fixed-size worker set drawn from a bounded
// in-process queue. Task state lives only for the process lifetime.
type PoolEngine struct {
	cfg   PoolConfig
	log   Logger
	queue chan string

	mu    sync.RWMutex
	tasks map[string]*poolTask

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	stopped bool
}

// NewPoolEngine creates and starts the in-process engine.
func NewPoolEngine(cfg PoolConfig) *PoolEngine {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	lg := cfg.Logger
	if lg == nil {
		lg = NewFmtLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &PoolEngine{
		cfg:    cfg,
		log:    lg,
		queue:  make(chan string, cfg.QueueSize),
		tasks:  make(map[string]*poolTask),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.workerLoop()
		}()
	}
	return e
}

// Submit admits one batch as a single task. The batch is the unit of
// trackable progress for this engine.
func (e *PoolEngine) Submit(ctx context.Context, items []string, opts ConvertOptions, subOpts ...SubmitOption) (string, error) {
	var so submitOptions
	for _, opt := range subOpts {
		opt(&so)
	}
	if e.closed() {
		return "", ErrEngineClosed
	}

	id := so.id
	if id == "" {
		id = uuid.NewString()
	}
	pt := &poolTask{
		task: Task{
			ID:           id,
			Queue:        so.queue,
			Items:        append([]string(nil), items...),
			Options:      opts,
			SourcePrefix: so.sourcePrefix,
			TargetPrefix: so.targetPrefix,
			Status:       StatusPending,
			MaxRetry:     so.maxRetry,
			CreatedAt:    time.Now().UnixMilli(),
		},
		done: make(chan struct{}),
	}

	e.mu.Lock()
	if _, exists := e.tasks[id]; exists {
		e.mu.Unlock()
		return "", ErrDuplicateTask
	}
	e.tasks[id] = pt
	e.mu.Unlock()

	if so.blockOnFull {
		select {
		case e.queue <- id:
		case <-ctx.Done():
			e.dropTask(id)
			return "", ctx.Err()
		case <-e.ctx.Done():
			e.dropTask(id)
			return "", ErrEngineClosed
		}
	} else {
		select {
		case e.queue <- id:
		default:
			e.dropTask(id)
			return "", ErrCapacityExceeded
		}
	}

	// A Stop that raced this Submit has already swept the queue, or will never
	// run a worker again; settle the record instead of leaving it pending.
	if e.closed() {
		pt.mu.Lock()
		e.finishLocked(pt, StatusFailure, nil, "engine stopped before execution")
		pt.mu.Unlock()
		return "", ErrEngineClosed
	}

	tasksSubmitted.WithLabelValues(enginePool).Inc()
	return id, nil
}

func (e *PoolEngine) Status(_ context.Context, id string) (Status, error) {
	pt, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.task.Status, nil
}

func (e *PoolEngine) Task(_ context.Context, id string) (*Task, error) {
	pt, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return pt.snapshot(), nil
}

func (e *PoolEngine) Result(ctx context.Context, id string, opts ...WaitOption) (*TaskResult, error) {
	pt, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	var wo waitOptions
	for _, opt := range opts {
		opt(&wo)
	}

	if !wo.wait {
		return resultOf(pt.snapshot())
	}

	var deadline <-chan time.Time
	if wo.timeout > 0 {
		timer := time.NewTimer(wo.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-pt.done:
		return resultOf(pt.snapshot())
	case <-deadline:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel is best-effort: a pending task is cancelled immediately, a running
// task gets its context cancelled and may still finish with a recorded
// outcome. Cancelling a terminal task is a no-op.
func (e *PoolEngine) Cancel(_ context.Context, id string) error {
	pt, err := e.lookup(id)
	if err != nil {
		return err
	}
	pt.mu.Lock()
	if pt.task.Status.Terminal() {
		pt.mu.Unlock()
		return nil
	}
	pt.cancelReq = true
	if pt.task.Status == StatusPending {
		e.finishLocked(pt, StatusCancelled, nil, "")
		pt.mu.Unlock()
		return nil
	}
	cancel := pt.cancelRun
	pt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (e *PoolEngine) Stats(_ context.Context) (Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var s Stats
	for _, pt := range e.tasks {
		pt.mu.Lock()
		switch {
		case pt.task.Status == StatusPending:
			s.Pending++
		case pt.task.Status == StatusRunning:
			s.Running++
		case pt.task.Status.Terminal():
			s.Done++
		}
		pt.mu.Unlock()
	}
	return s, nil
}

// Stop cancels in-flight work and waits for the workers to exit. Task records
// stay readable after Stop.
func (e *PoolEngine) Stop() {
	e.startMu.Lock()
	if e.stopped {
		e.startMu.Unlock()
		return
	}
	e.stopped = true
	e.startMu.Unlock()
	e.cancel()
	e.wg.Wait()

	// Workers are gone; anything still non-terminal was queued but never
	// started. Settle those records so Result callers are not left waiting.
	e.mu.RLock()
	pts := make([]*poolTask, 0, len(e.tasks))
	for _, pt := range e.tasks {
		pts = append(pts, pt)
	}
	e.mu.RUnlock()
	for _, pt := range pts {
		pt.mu.Lock()
		e.finishLocked(pt, StatusFailure, nil, "engine stopped before execution")
		pt.mu.Unlock()
	}
}

func (e *PoolEngine) closed() bool {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	return e.stopped
}

func (e *PoolEngine) lookup(id string) (*poolTask, error) {
	e.mu.RLock()
	pt, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return pt, nil
}

func (e *PoolEngine) dropTask(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

func (e *PoolEngine) workerLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-e.queue:
			e.runTask(id)
		}
	}
}

func (e *PoolEngine) runTask(id string) {
	pt, err := e.lookup(id)
	if err != nil {
		return
	}

	pt.mu.Lock()
	if pt.task.Status != StatusPending {
		pt.mu.Unlock()
		return
	}
	pt.task.Status = StatusRunning
	pt.task.StartedAt = time.Now().UnixMilli()
	taskCtx, taskCancel := context.WithCancel(e.ctx)
	pt.cancelRun = taskCancel
	snapshot := pt.task
	pt.mu.Unlock()
	defer taskCancel()

	tasksInFlight.WithLabelValues(enginePool).Inc()
	defer tasksInFlight.WithLabelValues(enginePool).Dec()

	res, runErr := runBatch(taskCtx, &snapshot, e.cfg.Exec, func(done int) {
		pt.mu.Lock()
		pt.task.Progress = done
		pt.mu.Unlock()
	})

	pt.mu.Lock()
	defer pt.mu.Unlock()
	switch {
	case runErr == nil:
		e.finishLocked(pt, StatusSuccess, res, "")
	case taskCtx.Err() != nil && pt.cancelReq:
		// Cooperative cancellation observed mid-batch; no result is recorded.
		e.finishLocked(pt, StatusCancelled, nil, "")
	case taskCtx.Err() != nil:
		// Engine shutdown interrupted the task.
		e.finishLocked(pt, StatusFailure, nil, "engine stopped during execution")
	case pt.task.Retry < pt.task.MaxRetry:
		pt.task.Retry++
		pt.task.Status = StatusPending
		pt.cancelRun = nil
		taskRetries.WithLabelValues(enginePool).Inc()
		e.log.Warnf("task retry: id=%s attempt=%d err=%v", id, pt.task.Retry, runErr)
		go e.requeue(id)
	default:
		e.finishLocked(pt, StatusFailure, nil, runErr.Error())
	}
}

// requeue re-admits a retried task without holding its lock.
func (e *PoolEngine) requeue(id string) {
	select {
	case e.queue <- id:
	case <-e.ctx.Done():
	}
}

// finishLocked publishes a terminal transition. Caller holds pt.mu.
func (e *PoolEngine) finishLocked(pt *poolTask, st Status, res *TaskResult, errMsg string) {
	if pt.task.Status.Terminal() {
		return
	}
	pt.task.Status = st
	pt.task.FinishedAt = time.Now().UnixMilli()
	pt.task.Error = errMsg
	if st != StatusCancelled {
		pt.task.Result = res
	}
	close(pt.done)

	tasksFinished.WithLabelValues(enginePool, st.String()).Inc()
	if pt.task.StartedAt > 0 {
		taskDurationSeconds.WithLabelValues(enginePool).
			Observe(float64(pt.task.FinishedAt-pt.task.StartedAt) / 1000)
	}
	e.log.Debugf("task finished: id=%s status=%s", pt.task.ID, st)
}
