package jobs

import (
	"context"

	"github.com/google/uuid"
)

// CreateInput carries the fields set by the submission path.
type CreateInput struct {
	OwnerID     string
	DocumentRef string
	FileName    string
	Query       string
}

// TransitionPayload carries the terminal fields written alongside a status
// change. Result is only honored for completed, ErrorKind/ErrorDetail only
// for failed.
type TransitionPayload struct {
	Result      string
	ErrorKind   ErrorKind
	ErrorDetail string
	Actor       string
}

// Stats aggregates one owner's jobs for the statistics endpoint.
type Stats struct {
	Total int `json:"total"`
	// ByStatus carries a count for every known status, zero included.
	ByStatus map[Status]int `json:"by_status"`
	// AvgProcessingSeconds averages ProcessingTime over completed jobs;
	// zero when none have completed.
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
}

// ListFilter narrows and pages a job listing. Page is 1-based.
type ListFilter struct {
	Page     int
	PageSize int
	Status   Status // empty means all statuses
}

// Store is the persistence contract for jobs and their audit trail.
//
// Transition enforces the state machine: it returns ErrAlreadyTerminal when
// the job is already completed or failed, ErrInvalidTransition for any other
// illegal move, and serializes concurrent calls for the same job so exactly
// one writer wins. Every successful transition appends a status_changed
// audit event.
type Store interface {
	Create(ctx context.Context, in CreateInput) (*Job, error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	Transition(ctx context.Context, id uuid.UUID, to Status, payload TransitionPayload) (*Job, error)
	// List returns the owner's jobs ordered by created_at descending,
	// along with the total count before paging.
	List(ctx context.Context, ownerID string, filter ListFilter) ([]*Job, int, error)
	// Delete removes a job and cascades its audit events. It returns
	// ErrForbidden on owner mismatch and (false, nil) when the job is
	// already absent.
	Delete(ctx context.Context, id uuid.UUID, ownerID string) (bool, error)
	// Stats aggregates the owner's jobs: totals per status and the average
	// processing time of completed jobs.
	Stats(ctx context.Context, ownerID string) (*Stats, error)

	AppendAudit(ctx context.Context, jobID uuid.UUID, action AuditAction, actor, detail string) error
	ListAudit(ctx context.Context, jobID uuid.UUID) ([]*AuditEvent, error)

	Ping(ctx context.Context) error
	Close()
}
