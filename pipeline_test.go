package docrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner is an HTTP pipeline runner that tracks submitted jobs in memory
// and lets tests drive job states by hand.
type fakeRunner struct {
	mu      sync.Mutex
	jobs    map[string]*pipelineJobInfo
	specs   map[string]pipelineJobSpec
	stops   []string
	serial  int
	baseURL string
	srv     *httptest.Server
}

func newFakeRunner(t *testing.T) *fakeRunner {
	t.Helper()
	r := &fakeRunner{
		jobs:  make(map[string]*pipelineJobInfo),
		specs: make(map[string]pipelineJobSpec),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs/", r.handle)
	r.srv = httptest.NewServer(mux)
	r.baseURL = r.srv.URL
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRunner) handle(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rest := strings.TrimPrefix(req.URL.Path, "/api/jobs/")
	switch {
	case req.Method == http.MethodGet && rest == "":
		w.WriteHeader(http.StatusOK)
	case req.Method == http.MethodPost && rest == "":
		var spec pipelineJobSpec
		if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.serial++
		id := "job-" + spec.Name
		r.specs[id] = spec
		r.jobs[id] = &pipelineJobInfo{JobID: id, Status: "SUBMITTED"}
		json.NewEncoder(w).Encode(r.jobs[id])
	case req.Method == http.MethodPost && strings.HasSuffix(rest, "/stop"):
		id := strings.TrimSuffix(rest, "/stop")
		info, ok := r.jobs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		r.stops = append(r.stops, id)
		info.Status = "STOPPED"
		w.WriteHeader(http.StatusOK)
	case req.Method == http.MethodGet:
		info, ok := r.jobs[rest]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(info)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (r *fakeRunner) setState(jobID, state, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID].Status = state
	r.jobs[jobID].Message = msg
}

func (r *fakeRunner) stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stops...)
}

func newPipelineEngine(t *testing.T, runner *fakeRunner, target ObjectStore) *PipelineEngine {
	t.Helper()
	e, err := NewPipelineEngine(PipelineConfig{
		BaseURL: runner.baseURL,
		Target:  target,
		Logger:  noopLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func TestPipeline_SubmitAndStatus(t *testing.T) {
	runner := newFakeRunner(t)
	e := newPipelineEngine(t, runner, nil)
	ctx := context.Background()

	id, err := e.Submit(ctx, []string{"docs/a.pdf"}, DefaultConvertOptions(), TaskID("p-1"))
	require.NoError(t, err)
	require.Equal(t, "p-1", id)

	st, err := e.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, st)

	runner.setState("job-p-1", "RUNNING", "")
	st, err = e.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, st)

	tk, err := e.Task(ctx, id)
	require.NoError(t, err)
	require.NotZero(t, tk.StartedAt)
	require.Equal(t, []string{"docs/a.pdf"}, tk.Items)
}

func TestPipeline_DuplicateAndUnknownIDs(t *testing.T) {
	runner := newFakeRunner(t)
	e := newPipelineEngine(t, runner, nil)
	ctx := context.Background()

	_, err := e.Submit(ctx, []string{"a.pdf"}, DefaultConvertOptions(), TaskID("dup"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, []string{"a.pdf"}, DefaultConvertOptions(), TaskID("dup"))
	require.ErrorIs(t, err, ErrDuplicateTask)

	_, err = e.Status(ctx, "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = e.Result(ctx, "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.ErrorIs(t, e.Cancel(ctx, "ghost"), ErrTaskNotFound)
}

func TestPipeline_ResultSynthesizedFromTarget(t *testing.T) {
	runner := newFakeRunner(t)
	target := NewMemStore()
	e := newPipelineEngine(t, runner, target)
	ctx := context.Background()

	opts := DefaultConvertOptions()
	opts.ToFormats = []string{"json", "md"}
	id, err := e.Submit(ctx, []string{"docs/a.pdf", "docs/b.pdf"}, opts,
		TaskID("p-res"), Prefixes("docs/", "out/"))
	require.NoError(t, err)

	// The runner produced outputs for a.pdf only.
	require.NoError(t, target.Put(ctx, OutputKey("out/", "docs/", "json", "docs/a.pdf"), []byte("{}")))
	require.NoError(t, target.Put(ctx, OutputKey("out/", "docs/", "md", "docs/a.pdf"), []byte("#")))
	runner.setState("job-p-res", "SUCCEEDED", "")

	res, err := e.Result(ctx, id, Wait(time.Second))
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Equal(t, 1, res.NumSucceeded)
	require.Equal(t, 1, res.NumFailed)
	require.Len(t, res.Items[0].Outputs, 2)
	require.Equal(t, "no output found at target", res.Items[1].Error)
}

func TestPipeline_ResultWithoutTargetTrustsRunner(t *testing.T) {
	runner := newFakeRunner(t)
	e := newPipelineEngine(t, runner, nil)
	ctx := context.Background()

	id, err := e.Submit(ctx, []string{"a.pdf", "b.pdf"}, DefaultConvertOptions(), TaskID("p-trust"))
	require.NoError(t, err)
	runner.setState("job-p-trust", "FINISHED", "")

	res, err := e.Result(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, res.NumSucceeded)
	require.Zero(t, res.NumFailed)
}

func TestPipeline_ResultFailureAndCancel(t *testing.T) {
	runner := newFakeRunner(t)
	e := newPipelineEngine(t, runner, nil)
	ctx := context.Background()

	id, err := e.Submit(ctx, []string{"a.pdf"}, DefaultConvertOptions(), TaskID("p-fail"))
	require.NoError(t, err)

	_, err = e.Result(ctx, id)
	require.ErrorIs(t, err, ErrResultPending)

	runner.setState("job-p-fail", "FAILED", "bad batch")
	_, err = e.Result(ctx, id)
	var tf *TaskFailedError
	require.ErrorAs(t, err, &tf)
	require.Equal(t, "bad batch", tf.Message)

	id2, err := e.Submit(ctx, []string{"a.pdf"}, DefaultConvertOptions(), TaskID("p-stop"))
	require.NoError(t, err)
	require.NoError(t, e.Cancel(ctx, id2))
	require.Equal(t, []string{"job-p-stop"}, runner.stopped())
	_, err = e.Result(ctx, id2)
	require.ErrorIs(t, err, ErrTaskCancelled)

	st, err := e.Status(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, st)
}

func TestPipeline_CancelAfterTerminalIsNoop(t *testing.T) {
	runner := newFakeRunner(t)
	e := newPipelineEngine(t, runner, nil)
	ctx := context.Background()

	id, err := e.Submit(ctx, []string{"a.pdf"}, DefaultConvertOptions(), TaskID("p-done"))
	require.NoError(t, err)
	runner.setState("job-p-done", "SUCCEEDED", "")
	_, err = e.Result(ctx, id)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, id))
	require.Empty(t, runner.stopped())
}

func TestPipeline_TerminalMirrorSticks(t *testing.T) {
	runner := newFakeRunner(t)
	e := newPipelineEngine(t, runner, nil)
	ctx := context.Background()

	id, err := e.Submit(ctx, []string{"a.pdf"}, DefaultConvertOptions(), TaskID("p-stick"))
	require.NoError(t, err)
	runner.setState("job-p-stick", "SUCCEEDED", "")
	_, err = e.Status(ctx, id)
	require.NoError(t, err)

	// A stale runner response cannot roll the mirror back.
	runner.setState("job-p-stick", "RUNNING", "")
	tk, err := e.Task(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, tk.Status)
}

func TestPipeline_Stats(t *testing.T) {
	runner := newFakeRunner(t)
	e := newPipelineEngine(t, runner, nil)
	ctx := context.Background()

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		_, err := e.Submit(ctx, []string{"a.pdf"}, DefaultConvertOptions(), TaskID(id))
		require.NoError(t, err)
	}
	runner.setState("job-s-1", "RUNNING", "")
	runner.setState("job-s-2", "SUCCEEDED", "")

	s, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Running: 1, Done: 1}, s)
}

func TestPipeline_RunnerUnreachable(t *testing.T) {
	runner := newFakeRunner(t)
	runner.srv.Close()
	_, err := NewPipelineEngine(PipelineConfig{BaseURL: runner.baseURL})
	require.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestMapRunnerState(t *testing.T) {
	cases := map[string]Status{
		"PENDING":   StatusPending,
		"queued":    StatusPending,
		" RUNNING ": StatusRunning,
		"Succeeded": StatusSuccess,
		"COMPLETED": StatusSuccess,
		"FAILED":    StatusFailure,
		"CANCELED":  StatusCancelled,
		"ABORTED":   StatusCancelled,
		"WEIRD":     StatusUnknown,
		"":          StatusUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, mapRunnerState(in), "state %q", in)
	}
}
