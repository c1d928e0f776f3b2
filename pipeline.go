package docrelay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const enginePipeline = "pipeline"

// pipelinePollInterval spaces out status requests while waiting on a result;
// runner calls cross the network, so this polls slower than the local stores.
const pipelinePollInterval = 200 * time.Millisecond

// PipelineConfig defines the engine that hands batches to an external DAG
// pipeline runner over HTTP.
type PipelineConfig struct {
	// BaseURL is the runner's API root, e.g. "http://runner:8265". Required.
	BaseURL string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Queue is the logical queue name stamped on submitted jobs.
	// Defaults to "convert".
	Queue string
	// Target, when set, is consulted on success to report which outputs the
	// runner's job actually produced.
	Target ObjectStore
	// Encoder defaults to JSONEncoder.
	Encoder Encoder
	// Logger defaults to FmtLogger.
	Logger Logger
}

// pipelineJobSpec is the declarative job-graph node submitted to the runner.
// The runner owns execution; this engine only tracks the job it spawned.
type pipelineJobSpec struct {
	Name         string         `json:"name"`
	Queue        string         `json:"queue"`
	Items        []string       `json:"items"`
	Options      ConvertOptions `json:"options"`
	SourcePrefix string         `json:"source_prefix,omitempty"`
	TargetPrefix string         `json:"target_prefix,omitempty"`
}

type pipelineJobInfo struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// PipelineEngine submits each batch as one node of a declarative job graph to
// an external pipeline runner. The runner is the source of truth for job
// state; Status translates the runner's own states into canonical statuses
// with an explicit unknown fallback. Conversions happen inside the runner's
// jobs, so this engine never touches the converter cache itself.
type PipelineEngine struct {
	cfg     PipelineConfig
	baseURL string
	client  *http.Client
	enc     Encoder
	log     Logger

	mu    sync.Mutex
	tasks map[string]*pipelineTask
}

type pipelineTask struct {
	task  *Task
	jobID string
}

// NewPipelineEngine creates the engine and verifies the runner is reachable.
func NewPipelineEngine(cfg PipelineConfig) (*PipelineEngine, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("docrelay: pipeline engine requires a runner URL")
	}
	if cfg.Queue == "" {
		cfg.Queue = "convert"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	enc := defaultEncoder(cfg.Encoder)
	lg := cfg.Logger
	if lg == nil {
		lg = NewFmtLogger()
	}
	e := &PipelineEngine{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		enc:     enc,
		log:     lg,
		tasks:   make(map[string]*pipelineTask),
	}
	if err := e.ping(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *PipelineEngine) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/jobs/", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: runner: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: runner: status %d", ErrEngineUnavailable, resp.StatusCode)
	}
	return nil
}

// Submit sends one batch to the runner as a single job node.
func (e *PipelineEngine) Submit(ctx context.Context, items []string, opts ConvertOptions, subOpts ...SubmitOption) (string, error) {
	var so submitOptions
	for _, opt := range subOpts {
		opt(&so)
	}

	id := so.id
	if id == "" {
		id = uuid.NewString()
	}
	e.mu.Lock()
	if _, ok := e.tasks[id]; ok {
		e.mu.Unlock()
		return "", ErrDuplicateTask
	}
	e.mu.Unlock()

	spec := pipelineJobSpec{
		Name:         id,
		Queue:        e.cfg.Queue,
		Items:        items,
		Options:      opts,
		SourcePrefix: so.sourcePrefix,
		TargetPrefix: so.targetPrefix,
	}
	body, err := e.enc.Encode(spec)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/jobs/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: runner: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: runner: submit status %d", ErrEngineUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: runner: %v", ErrEngineUnavailable, err)
	}
	var info pipelineJobInfo
	if err := e.enc.Decode(raw, &info); err != nil {
		return "", fmt.Errorf("%w: runner: undecodable submit response: %v", ErrEngineUnavailable, err)
	}
	if info.JobID == "" {
		return "", fmt.Errorf("%w: runner: submit response without job id", ErrEngineUnavailable)
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
	e.mu.Lock()
	e.tasks[id] = &pipelineTask{task: t, jobID: info.JobID}
	e.mu.Unlock()
	tasksSubmitted.WithLabelValues(enginePipeline).Inc()
	return id, nil
}

// Status asks the runner for the job's state and maps it into a canonical
// status. States the runner reports that this engine does not recognize map
// to unknown, never to a guessed terminal state.
func (e *PipelineEngine) Status(ctx context.Context, id string) (Status, error) {
	pt, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	info, err := e.jobInfo(ctx, pt.jobID)
	if err != nil {
		return "", err
	}
	st := mapRunnerState(info.Status)
	e.record(pt, st, info.Message)
	return st, nil
}

func (e *PipelineEngine) Task(ctx context.Context, id string) (*Task, error) {
	pt, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if info, err := e.jobInfo(ctx, pt.jobID); err == nil {
		e.record(pt, mapRunnerState(info.Status), info.Message)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *pt.task
	cp.Items = append([]string(nil), pt.task.Items...)
	return &cp, nil
}

// Result reports the job's outcome. On success it synthesizes per-item
// results by checking the target store for each expected output, since the
// runner executes conversions out of this process.
func (e *PipelineEngine) Result(ctx context.Context, id string, opts ...WaitOption) (*TaskResult, error) {
	var wo waitOptions
	for _, opt := range opts {
		opt(&wo)
	}
	pt, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	deadline := time.Time{}
	if wo.wait && wo.timeout > 0 {
		deadline = time.Now().Add(wo.timeout)
	}
	for {
		info, err := e.jobInfo(ctx, pt.jobID)
		if err != nil {
			return nil, err
		}
		st := mapRunnerState(info.Status)
		e.record(pt, st, info.Message)
		switch st {
		case StatusSuccess:
			res := e.synthesizeResult(ctx, pt)
			e.mu.Lock()
			pt.task.Result = res
			e.mu.Unlock()
			return res, nil
		case StatusFailure:
			return nil, &TaskFailedError{ID: id, Message: info.Message}
		case StatusCancelled:
			return nil, ErrTaskCancelled
		}
		if !wo.wait {
			return nil, ErrResultPending
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pipelinePollInterval):
		}
	}
}

// Cancel asks the runner to stop the job. The runner decides whether the stop
// lands before the job completes; a later Status reflects whichever happened.
func (e *PipelineEngine) Cancel(ctx context.Context, id string) error {
	pt, err := e.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	terminal := pt.task.Status.Terminal()
	e.mu.Unlock()
	if terminal {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.jobURL(pt.jobID)+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: runner: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("%w: runner: stop status %d", ErrEngineUnavailable, resp.StatusCode)
	}
	return nil
}

// Stats counts tasks submitted through this engine by their last observed
// runner state, refreshing each from the runner.
func (e *PipelineEngine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	pts := make([]*pipelineTask, 0, len(e.tasks))
	for _, pt := range e.tasks {
		pts = append(pts, pt)
	}
	e.mu.Unlock()

	var s Stats
	for _, pt := range pts {
		if info, err := e.jobInfo(ctx, pt.jobID); err == nil {
			e.record(pt, mapRunnerState(info.Status), info.Message)
		}
		e.mu.Lock()
		st := pt.task.Status
		e.mu.Unlock()
		switch {
		case st.Terminal():
			s.Done++
		case st == StatusRunning:
			s.Running++
		default:
			s.Pending++
		}
	}
	return s, nil
}

// Stop releases the client. Submitted jobs keep running in the runner.
func (e *PipelineEngine) Stop() {
	e.client.CloseIdleConnections()
}

func (e *PipelineEngine) lookup(id string) (*pipelineTask, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pt, ok := e.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return pt, nil
}

func (e *PipelineEngine) jobURL(jobID string) string {
	return e.baseURL + "/api/jobs/" + jobID
}

func (e *PipelineEngine) jobInfo(ctx context.Context, jobID string) (*pipelineJobInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.jobURL(jobID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: runner: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTaskNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: runner: status %d", ErrEngineUnavailable, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: runner: %v", ErrEngineUnavailable, err)
	}
	var info pipelineJobInfo
	if err := e.enc.Decode(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: runner: undecodable job response: %v", ErrEngineUnavailable, err)
	}
	return &info, nil
}

// record tracks the latest observed state on the local task mirror. Terminal
// states stick; a runner that briefly reports an older state after completion
// cannot roll the mirror back.
func (e *PipelineEngine) record(pt *pipelineTask, st Status, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := pt.task
	if t.Status.Terminal() {
		return
	}
	if st == StatusRunning && t.StartedAt == 0 {
		t.StartedAt = time.Now().UnixMilli()
	}
	prev := t.Status
	t.Status = st
	if st.Terminal() {
		t.FinishedAt = time.Now().UnixMilli()
		if st == StatusFailure {
			t.Error = msg
		}
		if prev != st {
			tasksFinished.WithLabelValues(enginePipeline, st.String()).Inc()
		}
	}
}

// synthesizeResult reconstructs per-item outcomes from the target store after
// the runner reports success.
func (e *PipelineEngine) synthesizeResult(ctx context.Context, pt *pipelineTask) *TaskResult {
	e.mu.Lock()
	t := pt.task
	items := append([]string(nil), t.Items...)
	opts := t.Options
	srcPrefix, tgtPrefix := t.SourcePrefix, t.TargetPrefix
	e.mu.Unlock()

	formats := opts.ToFormats
	if len(formats) == 0 {
		formats = []string{"json"}
	}
	res := &TaskResult{Items: make([]ItemResult, 0, len(items))}
	for _, item := range items {
		ir := ItemResult{ItemID: item}
		if e.cfg.Target != nil {
			for _, format := range formats {
				key := OutputKey(tgtPrefix, srcPrefix, format, item)
				if ok, err := e.cfg.Target.Exists(ctx, key); err == nil && ok {
					ir.Outputs = append(ir.Outputs, key)
				}
			}
			if len(ir.Outputs) == 0 {
				ir.Error = "no output found at target"
			}
		}
		res.Items = append(res.Items, ir)
	}
	res.Tally()
	if e.cfg.Target == nil {
		// Without a target store the runner's word is all there is.
		res.NumSucceeded = len(items)
		res.NumFailed = 0
	}
	return res
}

// mapRunnerState is a total mapping from the runner's job states into
// canonical statuses. Anything unrecognized maps to unknown.
func mapRunnerState(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "QUEUED", "SUBMITTED", "SCHEDULED", "ACCEPTED":
		return StatusPending
	case "RUNNING", "STARTED", "EXECUTING":
		return StatusRunning
	case "SUCCEEDED", "SUCCESS", "FINISHED", "COMPLETED":
		return StatusSuccess
	case "FAILED", "ERROR", "FAILURE":
		return StatusFailure
	case "STOPPED", "CANCELLED", "CANCELED", "ABORTED":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
