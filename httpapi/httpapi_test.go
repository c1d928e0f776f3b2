package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DocRelay/docrelay-go"
)

func newTestServer(t *testing.T) (http.Handler, *docrelay.MemStore, *docrelay.MemStore) {
	t.Helper()
	source := docrelay.NewMemStore()
	target := docrelay.NewMemStore()
	builder := func(opts docrelay.ConvertOptions) (docrelay.Converter, error) {
		return docrelay.ConverterFunc(func(ctx context.Context, in docrelay.Input, tgt docrelay.ObjectStore, targetPrefix string) (docrelay.Output, error) {
			data, err := in.SourceStore.Get(ctx, in.Key)
			if err != nil {
				return docrelay.Output{}, err
			}
			var out docrelay.Output
			for _, format := range opts.ToFormats {
				key := docrelay.OutputKey(targetPrefix, in.SourcePrefix, format, in.Key)
				if err := tgt.Put(ctx, key, data); err != nil {
					return docrelay.Output{}, err
				}
				out.Keys = append(out.Keys, key)
			}
			return out, nil
		}), nil
	}
	engine := docrelay.NewPoolEngine(docrelay.PoolConfig{
		Workers: 2,
		Exec: docrelay.ExecConfig{
			Cache:  docrelay.NewConverterCache(docrelay.CacheConfig{}),
			Build:  builder,
			Source: source,
			Target: target,
		},
	})
	t.Cleanup(engine.Stop)
	srv, err := NewServer(Config{Orchestrator: engine, Source: source, Target: target})
	require.NoError(t, err)
	return srv.Router(), source, target
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobEndToEnd(t *testing.T) {
	h, source, _ := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, source.Put(ctx, fmt.Sprintf("docs/%d.pdf", i), []byte("pdf")))
	}

	rec := postJSON(t, h, "/v1/jobs", SubmitJobRequest{
		SourcePrefix: "docs/",
		TargetPrefix: "out/",
		BatchSize:    2,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)
	require.Zero(t, resp.Skipped)
	require.Equal(t, 2, resp.Batches)
	require.Len(t, resp.TaskIDs, 2)

	for _, id := range resp.TaskIDs {
		require.Eventually(t, func() bool {
			rec := get(t, h, "/v1/tasks/"+id+"/result")
			return rec.Code == http.StatusOK
		}, 2*time.Second, 10*time.Millisecond)

		rec := get(t, h, "/v1/tasks/"+id+"/result")
		var res ResultResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		require.Equal(t, "success", res.Status)
		require.NotNil(t, res.Result)
		require.Zero(t, res.Result.NumFailed)
	}

	// A second submission finds every output in place and plans nothing.
	rec = postJSON(t, h, "/v1/jobs", SubmitJobRequest{
		SourcePrefix: "docs/",
		TargetPrefix: "out/",
		BatchSize:    2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp2 SubmitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp2))
	require.Empty(t, resp2.TaskIDs)
	require.Equal(t, 3, resp2.Skipped)
}

func TestSubmitJobValidation(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := postJSON(t, h, "/v1/jobs", SubmitJobRequest{SourcePrefix: "docs/"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte("not json")))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Planner validation surfaces as a 400 too.
	rec = postJSON(t, h, "/v1/jobs", SubmitJobRequest{
		SourcePrefix: "docs/",
		TargetPrefix: "out/",
		BatchSize:    -1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskLookupAndCancel(t *testing.T) {
	h, source, _ := newTestServer(t)
	require.NoError(t, source.Put(context.Background(), "docs/a.pdf", []byte("pdf")))

	rec := postJSON(t, h, "/v1/jobs", SubmitJobRequest{
		SourcePrefix: "docs/",
		TargetPrefix: "out/",
		BatchSize:    1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.TaskIDs, 1)
	id := resp.TaskIDs[0]

	rec = get(t, h, "/v1/tasks/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var task docrelay.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	require.Equal(t, id, task.ID)

	req := httptest.NewRequest(http.MethodDelete, "/v1/tasks/"+id, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestUnknownTaskIs404(t *testing.T) {
	h, _, _ := newTestServer(t)

	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/tasks/ghost").Code)
	require.Equal(t, http.StatusNotFound, get(t, h, "/v1/tasks/ghost/result").Code)

	req := httptest.NewRequest(http.MethodDelete, "/v1/tasks/ghost", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	h, _, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/metrics").Code)
}
