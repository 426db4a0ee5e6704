// Package jobs defines the analysis job domain model: the job lifecycle
// state machine, the audit trail, and the Store contract shared by the
// in-memory and Postgres implementations.
package jobs

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an analysis job.
type Status string

// Job lifecycle states. Completed and failed are terminal.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from one
// status to another. The only legal moves are pending -> processing and
// processing -> completed/failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// ErrorKind classifies why a job failed.
type ErrorKind string

// Error kinds surfaced on a failed job.
const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindValidation       ErrorKind = "validation_error"
	ErrorKindStage            ErrorKind = "stage_error"
	ErrorKindIncompleteResult ErrorKind = "incomplete_result"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindQuotaExceeded    ErrorKind = "quota_exceeded"
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindAuthFailure      ErrorKind = "auth_failure"
	ErrorKindNetwork          ErrorKind = "network_error"
	ErrorKindUnknown          ErrorKind = "unknown"
)

// Message returns the short, user-facing description for the kind. Full
// diagnostic detail stays server-side.
func (k ErrorKind) Message() string {
	switch k {
	case ErrorKindValidation:
		return "The submitted document or query was invalid."
	case ErrorKindStage:
		return "The analysis pipeline could not process this document."
	case ErrorKindIncompleteResult:
		return "The analysis did not produce a usable result. Please try again."
	case ErrorKindTimeout:
		return "The analysis took too long and was stopped."
	case ErrorKindQuotaExceeded:
		return "The analysis backend quota is exhausted. Please try again later."
	case ErrorKindRateLimited:
		return "The analysis backend is rate limiting requests. Please retry shortly."
	case ErrorKindAuthFailure:
		return "The analysis backend rejected our credentials."
	case ErrorKindNetwork:
		return "A network error interrupted the analysis."
	default:
		return "An unexpected error occurred during analysis."
	}
}

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyTerminal   = errors.New("job already in a terminal status")
	ErrForbidden         = errors.New("job owned by another user")
)

// Job is a single end-to-end analysis request and its lifecycle record.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     string     `json:"owner_id"`
	DocumentRef string     `json:"document_ref"`
	FileName    string     `json:"file_name"`
	Query       string     `json:"query"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProcessingTime returns completed_at - started_at, or zero while the job is
// still in flight.
func (j *Job) ProcessingTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// AuditAction identifies an entry in a job's audit trail.
type AuditAction string

// Audit trail actions.
const (
	AuditCreated       AuditAction = "created"
	AuditStatusChanged AuditAction = "status_changed"
	AuditViewed        AuditAction = "viewed"
	AuditDeleted       AuditAction = "deleted"
)

// AuditEvent is one append-only audit record owned by a job.
type AuditEvent struct {
	ID        uuid.UUID   `json:"id"`
	JobID     uuid.UUID   `json:"job_id"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// MaxQueryLength bounds the free-text instruction, in code points.
const MaxQueryLength = 1000

// DefaultQuery is substituted when a submission carries a blank query.
const DefaultQuery = "Analyze this financial document for investment insights"

// NormalizeQuery trims, defaults, and bounds a submitted query.
func NormalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return DefaultQuery
	}
	if runes := []rune(q); len(runes) > MaxQueryLength {
		return string(runes[:MaxQueryLength])
	}
	return q
}
