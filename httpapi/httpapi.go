// Package httpapi exposes planning, submission and task inspection over a
// small REST surface in front of any execution engine.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DocRelay/docrelay-go"
)

// Config wires the server to an engine and the object stores it plans over.
type Config struct {
	// Orchestrator executes submitted batches. Required.
	Orchestrator docrelay.Orchestrator
	// Source and Target back the planner for POST /v1/jobs. Required.
	Source docrelay.ObjectStore
	Target docrelay.ObjectStore
	// Logger defaults to FmtLogger.
	Logger docrelay.Logger
}

// Server serves the REST surface. Build the handler with Router and run it
// with net/http.
type Server struct {
	orch   docrelay.Orchestrator
	source docrelay.ObjectStore
	target docrelay.ObjectStore
	log    docrelay.Logger
}

// NewServer validates the wiring and returns a server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("httpapi: an orchestrator is required")
	}
	if cfg.Source == nil || cfg.Target == nil {
		return nil, errors.New("httpapi: source and target stores are required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = docrelay.NewFmtLogger()
	}
	return &Server{orch: cfg.Orchestrator, source: cfg.Source, target: cfg.Target, log: lg}, nil
}

// Router builds the chi handler with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/result", s.getResult)
		r.Delete("/tasks/{id}", s.cancelTask)
	})
	return r
}

// SubmitJobRequest is the JSON body for POST /v1/jobs.
type SubmitJobRequest struct {
	SourcePrefix string                   `json:"source_prefix"`
	TargetPrefix string                   `json:"target_prefix"`
	BatchSize    int                      `json:"batch_size"`
	MaxRetry     int                      `json:"max_retry"`
	Options      *docrelay.ConvertOptions `json:"options,omitempty"`
}

// SubmitJobResponse is the 202 response body.
type SubmitJobResponse struct {
	TaskIDs []string `json:"task_ids"`
	Total   int      `json:"total"`
	Skipped int      `json:"skipped"`
	Batches int      `json:"batches"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TargetPrefix) == "" {
		writeError(w, http.StatusBadRequest, "field 'target_prefix' is required")
		return
	}
	opts := docrelay.DefaultConvertOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	plan, err := docrelay.PlanBatches(r.Context(), docrelay.PlannerConfig{
		Source:       s.source,
		SourcePrefix: req.SourcePrefix,
		Target:       s.target,
		TargetPrefix: req.TargetPrefix,
		Options:      opts,
		BatchSize:    req.BatchSize,
		Logger:       s.log,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if plan.Outstanding() == 0 {
		writeJSON(w, http.StatusOK, SubmitJobResponse{
			TaskIDs: []string{}, Total: plan.Total, Skipped: plan.Skipped,
		})
		return
	}

	ids, err := docrelay.SubmitPlan(r.Context(), s.orch, plan, opts,
		docrelay.Prefixes(req.SourcePrefix, req.TargetPrefix),
		docrelay.MaxRetry(req.MaxRetry),
	)
	if err != nil {
		if errors.Is(err, docrelay.ErrCapacityExceeded) {
			// Partially admitted plans still report their ids.
			writeJSON(w, http.StatusTooManyRequests, SubmitJobResponse{
				TaskIDs: ids, Total: plan.Total, Skipped: plan.Skipped, Batches: len(plan.Batches),
			})
			return
		}
		s.log.Errorf("job submission failed: err=%v", err)
		writeError(w, http.StatusBadGateway, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		TaskIDs: ids, Total: plan.Total, Skipped: plan.Skipped, Batches: len(plan.Batches),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.orch.Task(r.Context(), id)
	if err != nil {
		if errors.Is(err, docrelay.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.log.Errorf("task lookup failed: id=%s err=%v", id, err)
		writeError(w, http.StatusBadGateway, "task lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ResultResponse is the GET /v1/tasks/{id}/result response body.
type ResultResponse struct {
	TaskID string               `json:"task_id"`
	Status string               `json:"status"`
	Error  string               `json:"error,omitempty"`
	Result *docrelay.TaskResult `json:"result,omitempty"`
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.orch.Result(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ResultResponse{TaskID: id, Status: docrelay.StatusSuccess.String(), Result: res})
	case errors.Is(err, docrelay.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, docrelay.ErrResultPending):
		writeJSON(w, http.StatusAccepted, ResultResponse{TaskID: id, Status: docrelay.StatusPending.String()})
	case errors.Is(err, docrelay.ErrTaskCancelled):
		writeJSON(w, http.StatusOK, ResultResponse{TaskID: id, Status: docrelay.StatusCancelled.String()})
	default:
		var failed *docrelay.TaskFailedError
		if errors.As(err, &failed) {
			writeJSON(w, http.StatusOK, ResultResponse{TaskID: id, Status: docrelay.StatusFailure.String(), Error: failed.Message})
			return
		}
		s.log.Errorf("result lookup failed: id=%s err=%v", id, err)
		writeError(w, http.StatusBadGateway, "result lookup failed")
	}
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, docrelay.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.log.Errorf("cancel failed: id=%s err=%v", id, err)
		writeError(w, http.StatusBadGateway, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancel_requested"})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.orch.Stats(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "engine not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debugf("http request: method=%s path=%s status=%d dur=%s",
			r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
