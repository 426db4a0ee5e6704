// Package background decouples pipeline execution from the request path.
// The runner owns the pending -> processing gate, the overall wall-clock
// deadline, crash isolation, and temp-resource cleanup for every job.
package background

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmalik/finsights/internal/jobs"
	"github.com/jmalik/finsights/internal/pipeline"
)

// Work produces the final report text for a job. The supplied context
// carries the overall deadline; implementations must respect cancellation.
type Work func(ctx context.Context) (string, error)

// DefaultDeadline bounds one job end to end.
const DefaultDeadline = 15 * time.Minute

const actor = "runner"

// Runner schedules detached job executions against the job store.
type Runner struct {
	store    jobs.Store
	deadline time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// New creates a runner. A non-positive deadline falls back to the default.
func New(store jobs.Store, deadline time.Duration, logger *zap.Logger) *Runner {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: store, deadline: deadline, logger: logger}
}

// Schedule takes the job through the pending -> processing gate
// synchronously, then runs work on its own goroutine. The gate is one-way:
// a second Schedule for the same job fails, so one job never has two
// in-flight executions. cleanup (may be nil) runs on every exit path.
func (r *Runner) Schedule(jobID uuid.UUID, work Work, cleanup func()) error {
	if _, err := r.store.Transition(context.Background(), jobID, jobs.StatusProcessing,
		jobs.TransitionPayload{Actor: actor}); err != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}

	r.wg.Add(1)
	go r.execute(jobID, work, cleanup)
	return nil
}

// Wait blocks until all in-flight executions have settled, including each
// job's cleanup. Executions are bounded by the overall deadline, so Wait
// terminates.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) execute(jobID uuid.UUID, work Work, cleanup func()) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.deadline)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	// The work goroutine is counted in the WaitGroup separately so Wait()
	// cannot return before cleanup has run, even when the deadline forces
	// the terminal state first. Its unwind is bounded by the cancelled
	// context.
	done := make(chan outcome, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if cleanup != nil {
			defer cleanup()
		}
		result, err := r.runProtected(ctx, work)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			r.fail(jobID, out.err)
			return
		}
		r.complete(jobID, out.result)
	case <-ctx.Done():
		// Cancel waiting and force the terminal state now. The work
		// goroutine unwinds on its cancelled context and runs cleanup;
		// any late result it produces is discarded unread.
		r.logger.Warn("job exceeded overall deadline",
			zap.String("job_id", jobID.String()),
			zap.Duration("deadline", r.deadline))
		r.transition(jobID, jobs.StatusFailed, jobs.TransitionPayload{
			ErrorKind:   jobs.ErrorKindTimeout,
			ErrorDetail: fmt.Sprintf("analysis exceeded the %s deadline", r.deadline),
			Actor:       actor,
		})
	}
}

// runProtected invokes work with panic isolation; an uncaught panic becomes
// a classified failure instead of crashing the process.
func (r *Runner) runProtected(ctx context.Context, work Work) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job execution panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("execution panic: %v", p)
		}
	}()
	return work(ctx)
}

func (r *Runner) complete(jobID uuid.UUID, result string) {
	r.transition(jobID, jobs.StatusCompleted, jobs.TransitionPayload{
		Result: result,
		Actor:  actor,
	})
}

func (r *Runner) fail(jobID uuid.UUID, err error) {
	payload := jobs.TransitionPayload{
		ErrorKind:   jobs.ErrorKindUnknown,
		ErrorDetail: err.Error(),
		Actor:       actor,
	}
	var failure *pipeline.Failure
	if errors.As(err, &failure) {
		payload.ErrorKind = failure.Kind
		payload.ErrorDetail = failure.Detail
	} else if errors.Is(err, context.DeadlineExceeded) {
		payload.ErrorKind = jobs.ErrorKindTimeout
		payload.ErrorDetail = "analysis deadline exceeded"
	}
	r.transition(jobID, jobs.StatusFailed, payload)
}

// transition records a terminal state. A rejected write means the job was
// deleted mid-flight or already forced terminal by the deadline; both are
// expected races, logged and dropped.
func (r *Runner) transition(jobID uuid.UUID, to jobs.Status, payload jobs.TransitionPayload) {
	_, err := r.store.Transition(context.Background(), jobID, to, payload)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrAlreadyTerminal), errors.Is(err, jobs.ErrNotFound):
		r.logger.Debug("discarding late job transition",
			zap.String("job_id", jobID.String()),
			zap.String("to", string(to)),
			zap.Error(err))
	default:
		r.logger.Error("failed to record job transition",
			zap.String("job_id", jobID.String()),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}
