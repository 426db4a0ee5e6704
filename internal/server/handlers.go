package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/background"
	"github.com/jmalik/finsights/internal/document"
	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/pipeline"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// SubmitResponse represents the response for POST /analyses.
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StatusResponse represents the response for GET /analyses/{id}/status.
type StatusResponse struct {
	JobID              string `json:"job_id"`
	Status             string `json:"status"`
	ProgressPercentage int    `json:"progress_percentage"`
	Message            string `json:"message"`
}

// JobResponse represents a full job record.
type JobResponse struct {
	JobID                 string   `json:"job_id"`
	FileName              string   `json:"file_name"`
	Query                 string   `json:"query"`
	Status                string   `json:"status"`
	Result                string   `json:"result,omitempty"`
	Error                 string   `json:"error,omitempty"`
	CreatedAt             string   `json:"created_at"`
	CompletedAt           string   `json:"completed_at,omitempty"`
	ProcessingTimeSeconds *float64 `json:"processing_time_seconds,omitempty"`
}

// ListResponse represents a page of jobs.
type ListResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	TotalCount int           `json:"total_count"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	HasMore    bool          `json:"has_more"`
}

// handleSubmit accepts a multipart PDF upload, creates the job, and takes it
// through the processing gate before responding. Pollers never observe a
// pending job.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1024*1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read upload: "+err.Error())
		return
	}

	if err := document.Validate(header.Filename, content, s.maxUploadBytes); err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	query := jobs.NormalizeQuery(r.FormValue("query"))
	keepFile, _ := strconv.ParseBool(r.FormValue("keep_file"))

	documentRef, err := s.docs.SaveUpload(header.Filename, content)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	job, err := s.store.Create(r.Context(), jobs.CreateInput{
		OwnerID:     ownerID,
		DocumentRef: documentRef,
		FileName:    header.Filename,
		Query:       query,
	})
	if err != nil {
		s.docs.Cleanup(documentRef)
		s.errorResponse(w, HTTPStatus(err), "failed to create job")
		return
	}

	cleanup := func() {
		if keepFile {
			if _, err := s.docs.Promote(documentRef); err != nil {
				s.logger.Warn("failed to retain document",
					zap.String("job_id", job.ID.String()), zap.Error(err))
			}
			return
		}
		s.docs.Cleanup(documentRef)
	}

	if err := s.runner.Schedule(job.ID, s.analysisWork(job), cleanup); err != nil {
		s.docs.Cleanup(documentRef)
		s.errorResponse(w, HTTPStatus(err), "failed to start analysis")
		return
	}

	s.jsonResponse(w, http.StatusAccepted, SubmitResponse{
		JobID:  job.ID.String(),
		Status: string(jobs.StatusProcessing),
	})
}

// analysisWork builds the background execution for one job: extract the PDF
// text, then run the stage graph, streaming progress to SSE subscribers.
func (s *Server) analysisWork(job *jobs.Job) background.Work {
	jobID, documentRef, query := job.ID, job.DocumentRef, job.Query
	return func(ctx context.Context) (string, error) {
		text, err := s.extract(documentRef, s.maxDocumentChars)
		if err != nil {
			return "", &pipeline.Failure{
				Kind:   jobs.ErrorKindValidation,
				Stage:  "text_extraction",
				Err:    err,
				Detail: "could not extract text from the uploaded PDF",
			}
		}
		return s.executor.Run(ctx, text.Content, query, func(ev pipeline.ProgressEvent) {
			s.hub.publish(jobID, ev)
		})
	}
}

// handleStatus returns the lightweight polling view of a job and records a
// best-effort viewed audit event.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	if err := s.store.AppendAudit(r.Context(), job.ID, jobs.AuditViewed, OwnerID(r.Context()), ""); err != nil {
		s.logger.Debug("failed to record viewed audit event",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	s.jsonResponse(w, http.StatusOK, StatusResponse{
		JobID:              job.ID.String(),
		Status:             string(job.Status),
		ProgressPercentage: progressFor(job.Status),
		Message:            statusMessage(job),
	})
}

// handleGet returns the full job record, including the report for completed
// jobs.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, toJobResponse(job))
}

// handleList returns the owner's jobs newest first, with paging metadata.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerID(r.Context())

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(r, "page_size", defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := jobs.ListFilter{Page: page, PageSize: pageSize}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := jobs.Status(raw)
		if !status.Valid() {
			s.errorResponse(w, http.StatusBadRequest, "unknown status filter: "+raw)
			return
		}
		filter.Status = status
	}

	list, total, err := s.store.List(r.Context(), ownerID, filter)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), "failed to list jobs")
		return
	}

	out := make([]JobResponse, 0, len(list))
	for _, job := range list {
		out = append(out, toJobResponse(job))
	}
	s.jsonResponse(w, http.StatusOK, ListResponse{
		Jobs:       out,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
		HasMore:    page*pageSize < total,
	})
}

// handleStatistics returns the caller's aggregate job numbers.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), OwnerID(r.Context()))
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), "failed to aggregate jobs")
		return
	}
	s.jsonResponse(w, http.StatusOK, stats)
}

// handleDelete removes a job, its audit trail, and any retained document.
// Deletion does not cancel an in-flight analysis; a late terminal transition
// for a deleted job is discarded by the runner.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerID(r.Context())
	id, err := parseJobID(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "job not found")
			return
		}
		s.errorResponse(w, HTTPStatus(err), "failed to load job")
		return
	}

	deleted, err := s.store.Delete(r.Context(), id, ownerID)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}
	if deleted {
		s.docs.Cleanup(job.DocumentRef)
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// handleEvents streams stage progress for a job as Server-Sent Events until
// the job reaches a terminal status or the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	stream, err := newSSEStream(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if job.Status.Terminal() {
		stream.complete(job.ID.String(), string(job.Status))
		return
	}

	events, cancel := s.hub.subscribe(job.ID)
	defer cancel()

	// Progress arrives via the hub; the ticker catches terminal transitions
	// that happen without a trailing event (deadline kills, failures).
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := stream.event("stage", ev); err != nil {
				return
			}
		case <-ticker.C:
			current, err := s.store.Get(r.Context(), job.ID)
			if err != nil {
				stream.fail("job no longer available")
				return
			}
			if current.Status.Terminal() {
				stream.complete(current.ID.String(), string(current.Status))
				return
			}
		}
	}
}

// ownedJob loads the path's job and enforces owner scoping. Other owners'
// jobs read as absent.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id, err := parseJobID(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "job not found")
		} else {
			s.errorResponse(w, HTTPStatus(err), "failed to load job")
		}
		return nil, false
	}
	if job.OwnerID != OwnerID(r.Context()) {
		s.errorResponse(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("id")
	if idStr == "" {
		return uuid.Nil, &ErrBadRequest{Message: "job ID is required"}
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, &ErrBadRequest{Message: "invalid job ID format"}
	}
	return id, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// progressFor maps a status onto the coarse percentage the polling UI shows.
func progressFor(status jobs.Status) int {
	switch status {
	case jobs.StatusPending:
		return 0
	case jobs.StatusProcessing:
		return 50
	default:
		return 100
	}
}

func statusMessage(job *jobs.Job) string {
	switch job.Status {
	case jobs.StatusPending:
		return "Analysis is queued."
	case jobs.StatusProcessing:
		return "Analysis is in progress."
	case jobs.StatusCompleted:
		return "Analysis completed."
	default:
		return job.ErrorKind.Message()
	}
}

func toJobResponse(job *jobs.Job) JobResponse {
	resp := JobResponse{
		JobID:     job.ID.String(),
		FileName:  job.FileName,
		Query:     job.Query,
		Status:    string(job.Status),
		Result:    job.Result,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	}
	if job.Status == jobs.StatusFailed {
		resp.Error = job.ErrorKind.Message()
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.Format(time.RFC3339)
		secs := job.ProcessingTime().Seconds()
		resp.ProcessingTimeSeconds = &secs
	}
	return resp
}
