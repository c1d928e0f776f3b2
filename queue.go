package docrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	ikeys "github.com/DocRelay/docrelay-go/internal/keys"
	"github.com/DocRelay/docrelay-go/internal/rqueue"
)

const engineQueue = "queue"

// QueueConfig defines the Redis-backed queue engine.
type QueueConfig struct {
	// Redis is the queue substrate and, by default, the task store.
	Redis redis.UniversalClient
	// Queue is the logical queue name. Defaults to "convert".
	Queue string
	// Concurrency is the number of worker goroutines in this process.
	// Zero makes this instance a submit/inspect-only client; independent
	// worker processes drain the queue.
	Concurrency int
	// VisibilityTTL is how long a worker may hold a leased task before it is
	// reclaimed and re-delivered. Defaults to 30m; it must exceed the longest
	// expected batch conversion.
	VisibilityTTL time.Duration
	// MaxPending bounds admission; Submit fails with ErrCapacityExceeded when
	// the pending queue is at the bound. Zero means unbounded.
	MaxPending int
	// Retention is how long task records stay readable after completion.
	// Used only when Store is nil. Defaults to 24h.
	Retention time.Duration
	// Store overrides the shared task store. Defaults to a RedisTaskStore on
	// the same Redis.
	Store TaskStore
	// Exec wires cache, builder and stores for batch execution. Only needed
	// when Concurrency > 0.
	Exec ExecConfig
	// Logger defaults to FmtLogger.
	Logger Logger
}

// QueueEngine distributes tasks through a durable Redis queue. Workers in any
// process lease tasks with a visibility TTL; a crash mid-task results in
// re-delivery, bounded by the task's retry budget. Status and results live in
// the shared task store, so submit-side clients and workers can be separate
// processes.
type QueueEngine struct {
	cfg   QueueConfig
	rdb   redis.UniversalClient
	store TaskStore
	keys  ikeys.Queue
	log   Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopped bool
}

// NewQueueEngine creates the engine and starts its workers and maintenance
// loops when Concurrency > 0. It verifies the Redis connection first.
func NewQueueEngine(cfg QueueConfig) (*QueueEngine, error) {
	if cfg.Redis == nil {
		return nil, errors.New("docrelay: queue engine requires a redis client")
	}
	if cfg.Queue == "" {
		cfg.Queue = "convert"
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Minute
	}
	lg := cfg.Logger
	if lg == nil {
		lg = NewFmtLogger()
	}
	store := cfg.Store
	if store == nil {
		store = NewRedisTaskStore(cfg.Redis, cfg.Retention)
	}

	if err := cfg.Redis.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis: %v", ErrEngineUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &QueueEngine{
		cfg:    cfg,
		rdb:    cfg.Redis,
		store:  store,
		keys:   ikeys.For(cfg.Queue),
		log:    lg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Concurrency > 0 {
		for i := 0; i < cfg.Concurrency; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.workerLoop()
			}()
		}
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.maintenanceLoop(100*time.Millisecond, func(ctx context.Context) error {
				return rqueue.ScheduleDue(ctx, e.rdb, e.keys, 256)
			})
		}()
		go func() {
			defer e.wg.Done()
			e.maintenanceLoop(200*time.Millisecond, func(ctx context.Context) error {
				return rqueue.ReclaimExpired(ctx, e.rdb, e.keys, 256)
			})
		}()
		lg.Infof("queue engine started: queue=%s concurrency=%d ttl=%s", cfg.Queue, cfg.Concurrency, cfg.VisibilityTTL)
	}
	return e, nil
}

// Submit admits one batch as a single durable task.
func (e *QueueEngine) Submit(ctx context.Context, items []string, opts ConvertOptions, subOpts ...SubmitOption) (string, error) {
	var so submitOptions
	for _, opt := range subOpts {
		opt(&so)
	}

	if e.cfg.MaxPending > 0 {
		n, err := rqueue.PendingLen(ctx, e.rdb, e.keys)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		if n >= int64(e.cfg.MaxPending) {
			return "", ErrCapacityExceeded
		}
	}

	id := so.id
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := e.store.Get(ctx, id); err == nil {
		return "", ErrDuplicateTask
	}

	t := &Task{
		ID:           id,
		Queue:        e.cfg.Queue,
		Items:        items,
		Options:      opts,
		SourcePrefix: so.sourcePrefix,
		TargetPrefix: so.targetPrefix,
		Status:       StatusPending,
		MaxRetry:     so.maxRetry,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := e.store.Put(ctx, t); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	env := &rqueue.Envelope{ID: id, Queue: e.cfg.Queue, MaxRetry: so.maxRetry}
	if err := rqueue.Push(ctx, e.rdb, e.keys, env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	tasksSubmitted.WithLabelValues(engineQueue).Inc()
	return id, nil
}

func (e *QueueEngine) Status(ctx context.Context, id string) (Status, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (e *QueueEngine) Task(ctx context.Context, id string) (*Task, error) {
	return e.store.Get(ctx, id)
}

func (e *QueueEngine) Result(ctx context.Context, id string, opts ...WaitOption) (*TaskResult, error) {
	return awaitTerminal(ctx, func(ctx context.Context) (*Task, error) {
		return e.store.Get(ctx, id)
	}, opts)
}

// Cancel marks the task for cancellation. A pending task transitions to
// cancelled immediately; a running worker observes the flag at the next item
// boundary. Cancelling a terminal task is a no-op.
func (e *QueueEngine) Cancel(ctx context.Context, id string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if t.Status == StatusPending {
		t.CancelRequested = true
		e.finish(ctx, t, StatusCancelled, nil, "")
		return nil
	}
	t.CancelRequested = true
	if err := e.store.Put(ctx, t); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

func (e *QueueEngine) Stats(ctx context.Context) (Stats, error) {
	pending, err := rqueue.PendingLen(ctx, e.rdb, e.keys)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	active, err := rqueue.ActiveLen(ctx, e.rdb, e.keys)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return Stats{Pending: int(pending), Running: int(active)}, nil
}

// Stop shuts down this process's workers. Queued tasks stay in Redis for
// other workers.
func (e *QueueEngine) Stop() {
	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return
	}
	e.stopped = true
	e.stopMu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *QueueEngine) maintenanceLoop(interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := fn(e.ctx); err != nil && e.ctx.Err() == nil {
				e.log.Warnf("queue maintenance failed: queue=%s err=%v", e.cfg.Queue, err)
			}
		}
	}
}

func (e *QueueEngine) workerLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		env, raw, err := rqueue.Dequeue(e.ctx, e.rdb, e.keys, e.cfg.VisibilityTTL)
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Warnf("dequeue failed: queue=%s err=%v", e.cfg.Queue, err)
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if env == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		e.runLeased(env, raw)
	}
}

func (e *QueueEngine) runLeased(env *rqueue.Envelope, raw []byte) {
	ctx := e.ctx
	t, err := e.store.Get(ctx, env.ID)
	if err != nil {
		// Record gone (expired retention or cancelled-and-purged); drop the lease.
		_ = rqueue.Ack(ctx, e.rdb, e.keys, raw)
		e.log.Warnf("leased task without record: id=%s err=%v", env.ID, err)
		return
	}
	if t.Status.Terminal() {
		_ = rqueue.Ack(ctx, e.rdb, e.keys, raw)
		return
	}
	if t.CancelRequested {
		e.finish(ctx, t, StatusCancelled, nil, "")
		_ = rqueue.Ack(ctx, e.rdb, e.keys, raw)
		return
	}

	// Count every delivery, including crash re-deliveries, against the retry
	// budget so a poison task cannot loop forever.
	t.Retry++
	if t.Retry > t.MaxRetry+1 {
		_, _ = rqueue.Retry(ctx, e.rdb, e.keys, &rqueue.Envelope{ID: t.ID, Queue: t.Queue, Retry: t.MaxRetry, MaxRetry: t.MaxRetry}, raw)
		e.finish(ctx, t, StatusFailure, nil, "retry budget exhausted")
		return
	}
	t.Status = StatusRunning
	t.StartedAt = time.Now().UnixMilli()
	if err := e.store.Put(ctx, t); err != nil {
		e.log.Warnf("mark running failed: id=%s err=%v", t.ID, err)
	}

	tasksInFlight.WithLabelValues(engineQueue).Inc()
	defer tasksInFlight.WithLabelValues(engineQueue).Dec()

	taskCtx, taskCancel := context.WithCancel(ctx)
	defer taskCancel()
	go e.watchCancel(taskCtx, t.ID, taskCancel)

	res, runErr := runBatch(taskCtx, t, e.cfg.Exec, func(done int) {
		t.Progress = done
		// Re-read the record so a cancellation flag set since the last
		// write is not clobbered by this progress update.
		if ok, err := e.cancelRequested(taskCtx, t.ID); err == nil && ok {
			t.CancelRequested = true
			taskCancel()
		}
		_ = e.store.Put(taskCtx, t)
	})

	switch {
	case runErr == nil:
		_ = rqueue.Ack(ctx, e.rdb, e.keys, raw)
		e.finish(ctx, t, StatusSuccess, res, "")
	case taskCtx.Err() != nil && e.ctx.Err() == nil:
		// Cancellation observed at an item boundary.
		_ = rqueue.Ack(ctx, e.rdb, e.keys, raw)
		e.finish(ctx, t, StatusCancelled, nil, "")
	case e.ctx.Err() != nil:
		// Engine shutdown: leave the lease; the visibility TTL re-delivers the
		// task to another worker.
		t.Status = StatusPending
		t.Retry-- // the interrupted attempt does not count
		_ = e.store.Put(context.Background(), t)
	default:
		env.Retry = t.Retry - 1
		retried, rerr := rqueue.Retry(ctx, e.rdb, e.keys, env, raw)
		if rerr != nil {
			e.log.Errorf("retry transition failed: id=%s err=%v", t.ID, rerr)
		}
		if retried {
			t.Status = StatusPending
			_ = e.store.Put(ctx, t)
			taskRetries.WithLabelValues(engineQueue).Inc()
			e.log.Warnf("task retrying: id=%s attempt=%d err=%v", t.ID, t.Retry, runErr)
		} else {
			e.finish(ctx, t, StatusFailure, nil, runErr.Error())
		}
	}
}

func (e *QueueEngine) cancelRequested(ctx context.Context, id string) (bool, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.CancelRequested, nil
}

// watchCancel polls the cancellation flag while a task runs and cancels the
// task context when it appears.
func (e *QueueEngine) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := e.cancelRequested(ctx, id); err == nil && ok {
				cancel()
				return
			}
		}
	}
}

func (e *QueueEngine) finish(ctx context.Context, t *Task, st Status, res *TaskResult, errMsg string) {
	t.Status = st
	t.FinishedAt = time.Now().UnixMilli()
	t.Error = errMsg
	if st != StatusCancelled {
		t.Result = res
	}
	if err := e.store.Put(ctx, t); err != nil {
		e.log.Errorf("terminal transition not stored: id=%s status=%s err=%v", t.ID, st, err)
	}
	tasksFinished.WithLabelValues(engineQueue, st.String()).Inc()
	if t.StartedAt > 0 {
		taskDurationSeconds.WithLabelValues(engineQueue).
			Observe(float64(t.FinishedAt-t.StartedAt) / 1000)
	}
	e.log.Debugf("task finished: id=%s status=%s queue=%s", t.ID, st, t.Queue)
}
