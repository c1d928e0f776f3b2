package docrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/DocRelay/docrelay-go/internal/retry"
)

const engineCluster = "cluster"

// Dispatcher publishes task announcements to the cluster's broker. The task
// record itself lives in the shared task store; the message only names it.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, payload []byte) error
	Close() error
}

type saramaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewSaramaDispatcher connects a synchronous Kafka producer for task
// announcements on the given topic.
func NewSaramaDispatcher(brokers []string, topic string) (Dispatcher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka: %v", ErrEngineUnavailable, err)
	}
	return &saramaDispatcher{producer: p, topic: topic}, nil
}

func (d *saramaDispatcher) Dispatch(_ context.Context, key string, payload []byte) error {
	_, _, err := d.producer.SendMessage(&sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

func (d *saramaDispatcher) Close() error { return d.producer.Close() }

type clusterMessage struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

// ClusterConfig defines the submit/inspect side of the cluster engine.
type ClusterConfig struct {
	// Dispatcher publishes task announcements. Required.
	Dispatcher Dispatcher
	// Queue is the logical queue name carried in announcements.
	// Defaults to "convert".
	Queue string
	// Store is the shared task store read and written by clients and
	// worker processes alike. Required.
	Store TaskStore
	// Encoder defaults to JSONEncoder.
	Encoder Encoder
	// Logger defaults to FmtLogger.
	Logger Logger
}

// ClusterEngine submits tasks to a fleet of worker processes behind a message
// broker. Unlike the queue engine it never runs conversions itself; progress
// and outcomes are observed through the shared task store.
type ClusterEngine struct {
	cfg   ClusterConfig
	store TaskStore
	enc   Encoder
	log   Logger

	mu      sync.Mutex
	ids     []string
	stopped bool
}

// NewClusterEngine creates a submit-side client for the cluster.
func NewClusterEngine(cfg ClusterConfig) (*ClusterEngine, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("docrelay: cluster engine requires a dispatcher")
	}
	if cfg.Store == nil {
		return nil, errors.New("docrelay: cluster engine requires a task store")
	}
	if cfg.Queue == "" {
		cfg.Queue = "convert"
	}
	enc := defaultEncoder(cfg.Encoder)
	lg := cfg.Logger
	if lg == nil {
		lg = NewFmtLogger()
	}
	return &ClusterEngine{cfg: cfg, store: cfg.Store, enc: enc, log: lg}, nil
}

// Submit records one batch as a task and announces it to the worker fleet.
func (e *ClusterEngine) Submit(ctx context.Context, items []string, opts ConvertOptions, subOpts ...SubmitOption) (string, error) {
	var so submitOptions
	for _, opt := range subOpts {
		opt(&so)
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

	payload, err := e.enc.Encode(clusterMessage{ID: id, Queue: e.cfg.Queue})
	if err != nil {
		return "", err
	}
	if err := e.cfg.Dispatcher.Dispatch(ctx, id, payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	e.mu.Lock()
	e.ids = append(e.ids, id)
	e.mu.Unlock()
	tasksSubmitted.WithLabelValues(engineCluster).Inc()
	return id, nil
}

func (e *ClusterEngine) Status(ctx context.Context, id string) (Status, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (e *ClusterEngine) Task(ctx context.Context, id string) (*Task, error) {
	return e.store.Get(ctx, id)
}

func (e *ClusterEngine) Result(ctx context.Context, id string, opts ...WaitOption) (*TaskResult, error) {
	return awaitTerminal(ctx, func(ctx context.Context) (*Task, error) {
		return e.store.Get(ctx, id)
	}, opts)
}

// Cancel marks the task for cancellation. A pending task transitions to
// cancelled immediately; a running worker anywhere in the fleet observes the
// record flag at the next item boundary.
func (e *ClusterEngine) Cancel(ctx context.Context, id string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	t.CancelRequested = true
	if t.Status == StatusPending {
		t.Status = StatusCancelled
		t.FinishedAt = time.Now().UnixMilli()
	}
	if err := e.store.Put(ctx, t); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if t.Status == StatusCancelled {
		tasksFinished.WithLabelValues(engineCluster, StatusCancelled.String()).Inc()
	}
	return nil
}

// Stats counts the tasks submitted through this client by their current store
// state. The broker exposes no queue depth to producers, so fleet-wide counts
// are out of reach here.
func (e *ClusterEngine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	ids := make([]string, len(e.ids))
	copy(ids, e.ids)
	e.mu.Unlock()

	var s Stats
	for _, id := range ids {
		t, err := e.store.Get(ctx, id)
		if err != nil {
			continue
		}
		switch {
		case t.Status.Terminal():
			s.Done++
		case t.Status == StatusRunning:
			s.Running++
		default:
			s.Pending++
		}
	}
	return s, nil
}

// Stop closes the dispatcher. Announced tasks stay with the broker.
func (e *ClusterEngine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	if err := e.cfg.Dispatcher.Close(); err != nil {
		e.log.Warnf("dispatcher close failed: err=%v", err)
	}
}

// ClusterWorkerConfig defines one worker process in the fleet.
type ClusterWorkerConfig struct {
	// Brokers lists the Kafka bootstrap addresses. Required.
	Brokers []string
	// Group is the consumer group shared by the fleet.
	// Defaults to "docrelay-workers".
	Group string
	// Topic carries task announcements. Defaults to "convert".
	Topic string
	// Concurrency bounds conversions running at once in this process.
	// Defaults to 2.
	Concurrency int
	// Store is the shared task store. Required.
	Store TaskStore
	// Exec wires cache, builder and stores for batch execution.
	Exec ExecConfig
	// AttemptBackoff is the base delay between in-process retry attempts.
	// Defaults to 1s.
	AttemptBackoff time.Duration
	// Encoder defaults to JSONEncoder.
	Encoder Encoder
	// Logger defaults to FmtLogger.
	Logger Logger
}

// ClusterWorker consumes task announcements and runs conversions. Each worker
// process holds its own converter cache; identical option sets share a
// converter within the process, never across the fleet.
type ClusterWorker struct {
	cfg   ClusterWorkerConfig
	group sarama.ConsumerGroup
	store TaskStore
	enc   Encoder
	log   Logger
	sem   chan struct{}
}

// NewClusterWorker joins the consumer group. Call Run to start consuming.
func NewClusterWorker(cfg ClusterWorkerConfig) (*ClusterWorker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("docrelay: cluster worker requires broker addresses")
	}
	if cfg.Store == nil {
		return nil, errors.New("docrelay: cluster worker requires a task store")
	}
	if cfg.Group == "" {
		cfg.Group = "docrelay-workers"
	}
	if cfg.Topic == "" {
		cfg.Topic = "convert"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.AttemptBackoff <= 0 {
		cfg.AttemptBackoff = time.Second
	}
	enc := defaultEncoder(cfg.Encoder)
	lg := cfg.Logger
	if lg == nil {
		lg = NewFmtLogger()
	}

	scfg := sarama.NewConfig()
	scfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	scfg.Consumer.Return.Errors = true
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, scfg)
	if err != nil {
		return nil, fmt.Errorf("%w: kafka: %v", ErrEngineUnavailable, err)
	}
	return &ClusterWorker{
		cfg:   cfg,
		group: group,
		store: cfg.Store,
		enc:   enc,
		log:   lg,
		sem:   make(chan struct{}, cfg.Concurrency),
	}, nil
}

// Run consumes until ctx is cancelled. It blocks; run it from the worker
// process's main goroutine.
func (w *ClusterWorker) Run(ctx context.Context) error {
	go func() {
		for err := range w.group.Errors() {
			w.log.Warnf("consumer group error: err=%v", err)
		}
	}()
	w.log.Infof("cluster worker started: group=%s topic=%s concurrency=%d",
		w.cfg.Group, w.cfg.Topic, w.cfg.Concurrency)
	for {
		if err := w.group.Consume(ctx, []string{w.cfg.Topic}, &clusterHandler{w: w}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: kafka: %v", ErrEngineUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (w *ClusterWorker) Close() error { return w.group.Close() }

type clusterHandler struct {
	w *ClusterWorker
}

func (h *clusterHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *clusterHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim processes announcements one at a time per partition, bounded
// across partitions by the worker's concurrency semaphore. Offsets are marked
// only after the task reaches a terminal state, so a crash mid-conversion
// re-delivers the announcement after rebalance.
func (h *clusterHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	w := h.w
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case w.sem <- struct{}{}:
			case <-sess.Context().Done():
				return nil
			}
			settled := w.process(sess.Context(), msg.Value)
			<-w.sem
			if settled {
				sess.MarkMessage(msg, "")
			}
		}
	}
}

// process runs one announced task. It reports whether the announcement is
// settled and its offset may be committed; false means the worker is shutting
// down mid-task and the message must be re-delivered.
func (w *ClusterWorker) process(ctx context.Context, payload []byte) bool {
	var msg clusterMessage
	if err := w.enc.Decode(payload, &msg); err != nil {
		w.log.Warnf("undecodable announcement dropped: err=%v", err)
		return true
	}

	t, err := w.store.Get(ctx, msg.ID)
	if err != nil {
		w.log.Warnf("announced task without record: id=%s err=%v", msg.ID, err)
		return true
	}
	if t.Status.Terminal() {
		return true
	}
	if t.CancelRequested {
		w.finish(ctx, t, StatusCancelled, nil, "")
		return true
	}

	t.Status = StatusRunning
	t.StartedAt = time.Now().UnixMilli()
	if err := w.store.Put(ctx, t); err != nil {
		w.log.Warnf("mark running failed: id=%s err=%v", t.ID, err)
	}

	tasksInFlight.WithLabelValues(engineCluster).Inc()
	defer tasksInFlight.WithLabelValues(engineCluster).Dec()

	taskCtx, taskCancel := context.WithCancel(ctx)
	defer taskCancel()
	go w.watchCancel(taskCtx, t.ID, taskCancel)

	var res *TaskResult
	runErr := retry.Do(taskCtx, retry.Config{
		MaxAttempts: t.MaxRetry + 1,
		BaseDelay:   w.cfg.AttemptBackoff,
		OnRetry: func(attempt int, err error) {
			t.Retry = attempt
			_ = w.store.Put(taskCtx, t)
			taskRetries.WithLabelValues(engineCluster).Inc()
			w.log.Warnf("task retrying: id=%s attempt=%d err=%v", t.ID, attempt, err)
		},
	}, func(ctx context.Context) error {
		r, rerr := runBatch(ctx, t, w.cfg.Exec, func(done int) {
			t.Progress = done
			// Re-read the record so a cancellation flag set since the last
			// write is not clobbered by this progress update.
			if cur, gerr := w.store.Get(ctx, t.ID); gerr == nil && cur.CancelRequested {
				t.CancelRequested = true
				taskCancel()
			}
			_ = w.store.Put(ctx, t)
		})
		if rerr == nil {
			res = r
		}
		return rerr
	})

	switch {
	case runErr == nil:
		w.finish(ctx, t, StatusSuccess, res, "")
		return true
	case taskCtx.Err() != nil && ctx.Err() == nil:
		// Cancellation observed at an item boundary.
		w.finish(ctx, t, StatusCancelled, nil, "")
		return true
	case ctx.Err() != nil:
		// Worker shutdown: reset the record and let re-delivery pick it up.
		t.Status = StatusPending
		_ = w.store.Put(context.Background(), t)
		return false
	default:
		w.finish(ctx, t, StatusFailure, nil, runErr.Error())
		return true
	}
}

func (w *ClusterWorker) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t, err := w.store.Get(ctx, id); err == nil && t.CancelRequested {
				cancel()
				return
			}
		}
	}
}

func (w *ClusterWorker) finish(ctx context.Context, t *Task, st Status, res *TaskResult, errMsg string) {
	t.Status = st
	t.FinishedAt = time.Now().UnixMilli()
	t.Error = errMsg
	if st != StatusCancelled {
		t.Result = res
	}
	if err := w.store.Put(ctx, t); err != nil {
		w.log.Errorf("terminal transition not stored: id=%s status=%s err=%v", t.ID, st, err)
	}
	tasksFinished.WithLabelValues(engineCluster, st.String()).Inc()
	if t.StartedAt > 0 {
		taskDurationSeconds.WithLabelValues(engineCluster).
			Observe(float64(t.FinishedAt-t.StartedAt) / 1000)
	}
	w.log.Debugf("task finished: id=%s status=%s queue=%s", t.ID, st, t.Queue)
}
