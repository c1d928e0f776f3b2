package docrelay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDispatcher records announcements instead of talking to a broker.
type fakeDispatcher struct {
	mu       sync.Mutex
	payloads [][]byte
	keys     []string
	err      error
	closed   bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, key string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.keys = append(d.keys, key)
	d.payloads = append(d.payloads, append([]byte(nil), payload...))
	return nil
}

func (d *fakeDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func newClusterEngine(t *testing.T, store TaskStore) (*ClusterEngine, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{}
	e, err := NewClusterEngine(ClusterConfig{Dispatcher: d, Store: store})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, d
}

// newClusterWorker builds a worker around a fake consumer: tests call process
// directly with announcement payloads instead of pulling them from Kafka.
func newClusterWorker(store TaskStore, exec ExecConfig) *ClusterWorker {
	return &ClusterWorker{
		cfg: ClusterWorkerConfig{
			Concurrency:    1,
			Store:          store,
			Exec:           exec,
			AttemptBackoff: time.Millisecond,
		},
		store: store,
		enc:   &JSONEncoder{},
		log:   noopLogger{},
		sem:   make(chan struct{}, 1),
	}
}

func TestCluster_SubmitAnnounces(t *testing.T) {
	ctx := context.Background()
	rdb, done := newMiniClient(t)
	defer done()
	store := NewRedisTaskStore(rdb, time.Hour)
	e, d := newClusterEngine(t, store)

	id, err := e.Submit(ctx, []string{"a.pdf"}, ConvertOptions{}, Prefixes("", "out"))
	require.NoError(t, err)

	// The record is in the shared store before the announcement goes out.
	task, err := e.Task(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, []string{id}, d.keys)

	var msg clusterMessage
	require.NoError(t, (&JSONEncoder{}).Decode(d.payloads[0], &msg))
	require.Equal(t, id, msg.ID)

	// Duplicate ids are rejected before any announcement.
	_, err = e.Submit(ctx, []string{"a.pdf"}, ConvertOptions{}, TaskID(id))
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestCluster_WorkerProcessesAnnouncement(t *testing.T) {
	ctx := context.Background()
	rdb, done := newMiniClient(t)
	defer done()
	store := NewRedisTaskStore(rdb, time.Hour)
	e, d := newClusterEngine(t, store)

	source := NewMemStore()
	target := NewMemStore()
	require.NoError(t, source.Put(ctx, "a.pdf", []byte("A")))

	id, err := e.Submit(ctx, []string{"a.pdf"},
		ConvertOptions{ToFormats: []string{"json"}}, Prefixes("", "out"))
	require.NoError(t, err)

	w := newClusterWorker(store, newExecConfig(t, source, target))
	require.True(t, w.process(ctx, d.payloads[0]))

	res, err := e.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, res.NumSucceeded)
	ok, _ := target.Exists(ctx, "out/json/a.json")
	require.True(t, ok)

	s, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Done: 1}, s)
}

func TestCluster_WorkerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	rdb, done := newMiniClient(t)
	defer done()
	store := NewRedisTaskStore(rdb, time.Hour)
	e, d := newClusterEngine(t, store)

	id, err := e.Submit(ctx, []string{"a.pdf"}, ConvertOptions{}, MaxRetry(2))
	require.NoError(t, err)

	attempts := 0
	cfg := newExecConfig(t, NewMemStore(), NewMemStore())
	cfg.Build = func(ConvertOptions) (Converter, error) {
		attempts++
		return nil, errors.New("model load failed")
	}
	w := newClusterWorker(store, cfg)
	require.True(t, w.process(ctx, d.payloads[0]))

	// MaxRetry 2 means three attempts total, all in-process.
	require.Equal(t, 3, attempts)
	st, _ := e.Status(ctx, id)
	require.Equal(t, StatusFailure, st)
	_, err = e.Result(ctx, id)
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
}

func TestCluster_WorkerSkipsSettledAndMissing(t *testing.T) {
	ctx := context.Background()
	rdb, done := newMiniClient(t)
	defer done()
	store := NewRedisTaskStore(rdb, time.Hour)
	w := newClusterWorker(store, newExecConfig(t, NewMemStore(), NewMemStore()))

	// Unknown task id: drop the announcement.
	payload, _ := (&JSONEncoder{}).Encode(clusterMessage{ID: "ghost"})
	require.True(t, w.process(ctx, payload))

	// Terminal task: nothing to do, offset may commit.
	done1 := &Task{ID: "done-1", Status: StatusSuccess}
	require.NoError(t, store.Put(ctx, done1))
	payload, _ = (&JSONEncoder{}).Encode(clusterMessage{ID: "done-1"})
	require.True(t, w.process(ctx, payload))
	got, _ := store.Get(ctx, "done-1")
	require.Equal(t, StatusSuccess, got.Status)

	// Undecodable announcement: drop rather than loop.
	require.True(t, w.process(ctx, []byte("not json")))
}

func TestCluster_CancelBeforeWorker(t *testing.T) {
	ctx := context.Background()
	rdb, done := newMiniClient(t)
	defer done()
	store := NewRedisTaskStore(rdb, time.Hour)
	e, d := newClusterEngine(t, store)

	id, err := e.Submit(ctx, []string{"a.pdf"}, ConvertOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, id))

	st, _ := e.Status(ctx, id)
	require.Equal(t, StatusCancelled, st)

	// The worker sees the cancelled record and settles without converting.
	built := false
	cfg := newExecConfig(t, NewMemStore(), NewMemStore())
	cfg.Build = func(ConvertOptions) (Converter, error) {
		built = true
		return &nopConverter{}, nil
	}
	w := newClusterWorker(store, cfg)
	require.True(t, w.process(ctx, d.payloads[0]))
	require.False(t, built)

	_, err = e.Result(ctx, id)
	require.ErrorIs(t, err, ErrTaskCancelled)
}

func TestCluster_DispatchFailure(t *testing.T) {
	ctx := context.Background()
	rdb, done := newMiniClient(t)
	defer done()
	store := NewRedisTaskStore(rdb, time.Hour)
	d := &fakeDispatcher{err: errors.New("broker unreachable")}
	e, err := NewClusterEngine(ClusterConfig{Dispatcher: d, Store: store})
	require.NoError(t, err)
	defer e.Stop()

	_, err = e.Submit(ctx, []string{"a.pdf"}, ConvertOptions{})
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestCluster_StopClosesDispatcher(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	e, d := newClusterEngine(t, NewRedisTaskStore(rdb, time.Hour))
	e.Stop()
	e.Stop() // idempotent
	require.True(t, d.closed)
}
