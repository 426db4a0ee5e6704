package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used by tests and cacheless local runs.
// A single mutex serializes all mutations, which also serializes concurrent
// transitions for the same job.
type MemStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*Job
	audits map[uuid.UUID][]*AuditEvent

	// Now is swappable so tests can drive timestamps.
	Now func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:   make(map[uuid.UUID]*Job),
		audits: make(map[uuid.UUID][]*AuditEvent),
		Now:    time.Now,
	}
}

// Create inserts a new pending job.
func (s *MemStore) Create(ctx context.Context, in CreateInput) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:          uuid.New(),
		OwnerID:     in.OwnerID,
		DocumentRef: in.DocumentRef,
		FileName:    in.FileName,
		Query:       NormalizeQuery(in.Query),
		Status:      StatusPending,
		CreatedAt:   s.Now(),
	}
	s.jobs[job.ID] = job
	s.appendAuditLocked(job.ID, AuditCreated, in.OwnerID, "analysis job created")

	copied := *job
	return &copied, nil
}

// Get returns a copy of the job or ErrNotFound.
func (s *MemStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *job
	return &copied, nil
}

// Transition applies a status change under the state machine rules.
func (s *MemStore) Transition(ctx context.Context, id uuid.UUID, to Status, payload TransitionPayload) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if !CanTransition(job.Status, to) {
		return nil, ErrInvalidTransition
	}

	now := s.Now()
	from := job.Status
	job.Status = to
	switch to {
	case StatusProcessing:
		job.StartedAt = &now
	case StatusCompleted:
		job.Result = payload.Result
		job.CompletedAt = &now
	case StatusFailed:
		job.ErrorKind = payload.ErrorKind
		job.ErrorDetail = payload.ErrorDetail
		job.CompletedAt = &now
	}
	s.appendAuditLocked(id, AuditStatusChanged, payload.Actor,
		string(from)+" -> "+string(to))

	copied := *job
	return &copied, nil
}

// List pages the owner's jobs, newest first.
func (s *MemStore) List(ctx context.Context, ownerID string, filter ListFilter) ([]*Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Job
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page, size := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	start := (page - 1) * size
	if start >= total {
		return []*Job{}, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}

	out := make([]*Job, 0, end-start)
	for _, job := range matched[start:end] {
		copied := *job
		out = append(out, &copied)
	}
	return out, total, nil
}

// Delete removes the job and its audit events after an ownership check.
func (s *MemStore) Delete(ctx context.Context, id uuid.UUID, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if job.OwnerID != ownerID {
		return false, ErrForbidden
	}
	delete(s.audits, id)
	delete(s.jobs, id)
	return true, nil
}

// Stats aggregates the owner's jobs.
func (s *MemStore) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{ByStatus: map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}}
	var completedSeconds float64
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		stats.Total++
		stats.ByStatus[job.Status]++
		if job.Status == StatusCompleted {
			completedSeconds += job.ProcessingTime().Seconds()
		}
	}
	if n := stats.ByStatus[StatusCompleted]; n > 0 {
		stats.AvgProcessingSeconds = completedSeconds / float64(n)
	}
	return stats, nil
}

// AppendAudit records an audit event for the job.
func (s *MemStore) AppendAudit(ctx context.Context, jobID uuid.UUID, action AuditAction, actor, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	s.appendAuditLocked(jobID, action, actor, detail)
	return nil
}

// ListAudit returns the job's audit trail in insertion order.
func (s *MemStore) ListAudit(ctx context.Context, jobID uuid.UUID) ([]*AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.audits[jobID]
	out := make([]*AuditEvent, 0, len(events))
	for _, ev := range events {
		copied := *ev
		out = append(out, &copied)
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemStore) Close() {}

func (s *MemStore) appendAuditLocked(jobID uuid.UUID, action AuditAction, actor, detail string) {
	s.audits[jobID] = append(s.audits[jobID], &AuditEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: s.Now(),
	})
}
