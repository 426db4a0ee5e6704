package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/background"
	"github.com/jmalik/finsights/internal/cache"
	"github.com/jmalik/finsights/internal/config"
	"github.com/jmalik/finsights/internal/document"
	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/metrics"
	"github.com/jmalik/finsights/internal/pipeline"
)

// stubStages returns canned output per stage so handler tests never touch a
// real model backend.
type stubStages struct {
	outputs map[string]string
}

func (s *stubStages) RunStage(ctx context.Context, stage, text, query string) (string, error) {
	out, ok := s.outputs[stage]
	if !ok {
		return "", fmt.Errorf("stage %s: no stub output", stage)
	}
	return out, nil
}

func happyStages() *stubStages {
	long := strings.Repeat("analysis output ", 20)
	return &stubStages{outputs: map[string]string{
		"verify":     "financial",
		"extract":    `{"company_name": "Acme", "key_metrics": {}}`,
		"investment": long,
		"risk":       long,
		"synthesize": "FINAL REPORT: " + long,
		"fallback":   long,
	}}
}

func newTestServer(t *testing.T, stages *stubStages) (*Server, *jobs.MemStore) {
	t.Helper()

	store := jobs.NewMemStore()
	docs, err := document.NewManager(t.TempDir(), t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	cfg := pipeline.DefaultConfig()
	exec := pipeline.NewExecutor(stages, cache.NewMemory(), metrics.NewRegistry(), zap.NewNop(), cfg)
	runner := background.New(store, time.Minute, zap.NewNop())

	srvCfg := config.Default()
	srv, err := New(srvCfg, Options{
		Store:     store,
		Runner:    runner,
		Executor:  exec,
		Documents: docs,
		Metrics:   metrics.NewRegistry(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	// Handler tests feed plain text through the extraction seam instead of
	// real PDF bytes.
	srv.extract = func(path string, maxChars int) (*document.Text, error) {
		return &document.Text{Content: "Quarterly revenue was $4.2M, up 12% YoY."}, nil
	}
	return srv, store
}

func multipartUpload(t *testing.T, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 test document body"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func submitJob(t *testing.T, srv *Server, owner string, fields map[string]string) SubmitResponse {
	t.Helper()

	body, contentType := multipartUpload(t, fields)
	req := httptest.NewRequest(http.MethodPost, "/analyses", body)
	req.Header.Set("Content-Type", contentType)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, owner))
	w := httptest.NewRecorder()

	srv.handleSubmit(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func mustParse(t *testing.T, id string) uuid.UUID {
	t.Helper()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	return parsed
}

func TestHandleSubmit_AcceptedAndNeverPending(t *testing.T) {
	srv, store := newTestServer(t, happyStages())

	resp := submitJob(t, srv, "alice", nil)
	assert.Equal(t, "processing", resp.Status)

	// The gate ran synchronously: the stored job is already past pending.
	id := mustParse(t, resp.JobID)
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, jobs.StatusPending, job.Status)

	srv.runner.Wait()
}

func TestHandleSubmit_RejectsNonPDF(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("plain text"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	srv.handleSubmit(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmit_MissingFile(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("query", "what are the risks"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()

	srv.handleSubmit(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "file field is required")
}

func TestEndToEnd_SubmitThenPollToCompletion(t *testing.T) {
	srv, store := newTestServer(t, happyStages())

	resp := submitJob(t, srv, "alice", map[string]string{"query": "assess the quarter"})
	id := mustParse(t, resp.JobID)

	srv.runner.Wait()

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, job.Status)
	assert.True(t, strings.HasPrefix(job.Result, "FINAL REPORT:"))
	assert.Greater(t, job.ProcessingTime(), time.Duration(0))

	// The full record reflects completion.
	req := httptest.NewRequest(http.MethodGet, "/analyses/"+resp.JobID, nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w := httptest.NewRecorder()
	srv.handleGet(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var full JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &full))
	assert.Equal(t, "completed", full.Status)
	assert.True(t, strings.HasPrefix(full.Result, "FINAL REPORT:"))
	require.NotNil(t, full.ProcessingTimeSeconds)
	assert.Greater(t, *full.ProcessingTimeSeconds, 0.0)
}

func TestHandleStatus_ProgressAndViewedAudit(t *testing.T) {
	srv, store := newTestServer(t, happyStages())

	resp := submitJob(t, srv, "alice", nil)
	srv.runner.Wait()

	req := httptest.NewRequest(http.MethodGet, "/analyses/"+resp.JobID+"/status", nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w := httptest.NewRecorder()
	srv.handleStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 100, status.ProgressPercentage)

	events, err := store.ListAudit(context.Background(), mustParse(t, resp.JobID))
	require.NoError(t, err)
	var viewed bool
	for _, ev := range events {
		if ev.Action == jobs.AuditViewed {
			viewed = true
		}
	}
	assert.True(t, viewed, "status poll should append a viewed audit event")
}

func TestHandleStatus_FailedJobCarriesUserFacingMessage(t *testing.T) {
	broken := &stubStages{outputs: map[string]string{}}
	srv, _ := newTestServer(t, broken)

	resp := submitJob(t, srv, "alice", nil)
	srv.runner.Wait()

	req := httptest.NewRequest(http.MethodGet, "/analyses/"+resp.JobID+"/status", nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w := httptest.NewRecorder()
	srv.handleStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "failed", status.Status)
	assert.Equal(t, 100, status.ProgressPercentage)
	assert.NotEmpty(t, status.Message)
	// Raw stage diagnostics stay server-side.
	assert.NotContains(t, status.Message, "no stub output")
}

func TestHandleGet_OtherOwnerReadsAsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	resp := submitJob(t, srv, "alice", nil)
	srv.runner.Wait()

	req := httptest.NewRequest(http.MethodGet, "/analyses/"+resp.JobID, nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "mallory"))
	w := httptest.NewRecorder()
	srv.handleGet(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGet_InvalidID(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	req := httptest.NewRequest(http.MethodGet, "/analyses/not-a-uuid", nil)
	req.SetPathValue("id", "not-a-uuid")
	w := httptest.NewRecorder()
	srv.handleGet(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "invalid job ID")
}

func TestHandleList_PaginationMetadata(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	for i := 0; i < 12; i++ {
		submitJob(t, srv, "alice", nil)
	}
	srv.runner.Wait()

	req := httptest.NewRequest(http.MethodGet, "/analyses?page=1&page_size=5", nil)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w := httptest.NewRecorder()
	srv.handleList(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var list ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 5)
	assert.Equal(t, 12, list.TotalCount)
	assert.True(t, list.HasMore)

	req = httptest.NewRequest(http.MethodGet, "/analyses?page=3&page_size=5", nil)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w = httptest.NewRecorder()
	srv.handleList(w, req)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 2)
	assert.False(t, list.HasMore)
}

func TestHandleList_RejectsUnknownStatusFilter(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	req := httptest.NewRequest(http.MethodGet, "/analyses?status=exploded", nil)
	w := httptest.NewRecorder()
	srv.handleList(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDelete_OwnerScoped(t *testing.T) {
	srv, store := newTestServer(t, happyStages())

	resp := submitJob(t, srv, "alice", nil)
	srv.runner.Wait()
	id := mustParse(t, resp.JobID)

	// Another owner cannot delete it.
	req := httptest.NewRequest(http.MethodDelete, "/analyses/"+resp.JobID, nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "mallory"))
	w := httptest.NewRecorder()
	srv.handleDelete(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The owner can.
	req = httptest.NewRequest(http.MethodDelete, "/analyses/"+resp.JobID, nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w = httptest.NewRecorder()
	srv.handleDelete(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	// A repeat delete reads as absent.
	req = httptest.NewRequest(http.MethodDelete, "/analyses/"+resp.JobID, nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w = httptest.NewRecorder()
	srv.handleDelete(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleEvents_TerminalJobCompletesImmediately(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	resp := submitJob(t, srv, "alice", nil)
	srv.runner.Wait()

	req := httptest.NewRequest(http.MethodGet, "/analyses/"+resp.JobID+"/events", nil)
	req.SetPathValue("id", resp.JobID)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w := httptest.NewRecorder()
	srv.handleEvents(w, req)

	body := w.Body.String()
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"status":"completed"`)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestHandleStatistics_PerOwnerAggregate(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	for i := 0; i < 3; i++ {
		submitJob(t, srv, "alice", nil)
	}
	submitJob(t, srv, "bob", nil)
	srv.runner.Wait()

	req := httptest.NewRequest(http.MethodGet, "/statistics", nil)
	req = req.WithContext(context.WithValue(req.Context(), ownerKey, "alice"))
	w := httptest.NewRecorder()
	srv.handleStatistics(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats jobs.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[jobs.StatusCompleted])
	assert.Equal(t, 0, stats.ByStatus[jobs.StatusFailed])
	assert.Greater(t, stats.AvgProcessingSeconds, 0.0)
}

func TestProgressFor(t *testing.T) {
	assert.Equal(t, 0, progressFor(jobs.StatusPending))
	assert.Equal(t, 50, progressFor(jobs.StatusProcessing))
	assert.Equal(t, 100, progressFor(jobs.StatusCompleted))
	assert.Equal(t, 100, progressFor(jobs.StatusFailed))
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, happyStages())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "ok", resp["store"])
}
