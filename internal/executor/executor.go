// Package executor runs a single job against its registered worker (§4.6):
// timeout enforcement, panic recovery, and outcome-to-state-transition
// mapping, mirroring the per-job bookkeeping crawler's worker.Worker does
// around a JobHandler, generalized to the job queue's five outcomes.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/jobqueue/internal/backoff"
	"github.com/jonesrussell/jobqueue/internal/domain"
	joberrors "github.com/jonesrussell/jobqueue/internal/errors"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// DefaultTimeout is used when a job's worker doesn't implement Timeouter.
// Zero means "no timeout" per invariant 12 and matches the spec's default.
const DefaultTimeout = 0

// Executor runs one claimed job to completion and reports its outcome back
// to the store as the corresponding state transition.
type Executor struct {
	store       store.Store
	registry    *Registry
	backoffOpts backoff.Options
	retryConfig backoff.RetryConfig
	log         logger.Logger
}

// New constructs an Executor. backoffOpts governs the delay before a
// retryable job becomes eligible again when its worker doesn't implement
// Backoffer itself.
func New(st store.Store, registry *Registry, backoffOpts backoff.Options, log logger.Logger) *Executor {
	return &Executor{
		store:       st,
		registry:    registry,
		backoffOpts: backoffOpts,
		retryConfig: backoff.DefaultRetryConfig(),
		log:         log,
	}
}

// Run executes job and persists the resulting transition. It never returns
// an error from the worker itself — every worker outcome is translated into
// a store call — but it does return an error if the store calls fail after
// their own internal retries are exhausted.
func (e *Executor) Run(ctx context.Context, job *domain.Job) error {
	w, ok := e.registry.Lookup(job.Worker)
	if !ok {
		e.log.Error("executor: worker not registered", logger.String("worker", job.Worker), logger.Int64("job_id", job.ID))
		return e.persist(ctx, job, Outcome{Kind: OutcomeDiscard, Err: fmt.Errorf("%w: %s", joberrors.ErrWorkerNotFound, job.Worker)})
	}

	timeout := e.timeoutFor(w, job)
	jobCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	outcome := e.perform(jobCtx, w, job)
	duration := time.Since(start)

	switch {
	case outcome.Kind == OutcomeError && jobCtx.Err() == context.DeadlineExceeded:
		outcome.Err = fmt.Errorf("job timed out after %s: %w", timeout, outcome.Err)
	case jobCtx.Err() == context.Canceled && outcome.Kind != OutcomeOK:
		// A producer-initiated cancel (signal{cancel job_id}) takes
		// precedence over whatever the worker itself returned.
		outcome = Outcome{Kind: OutcomeCancel}
	}

	e.log.Info("executor: job finished",
		logger.Int64("job_id", job.ID), logger.String("worker", job.Worker),
		logger.String("queue", job.Queue), logger.String("outcome", outcome.Kind.String()),
		logger.Duration("duration", duration))

	return e.persist(ctx, job, outcome)
}

// perform invokes the worker, converting a panic into an OutcomeError so one
// misbehaving worker can't take down the executor goroutine.
func (e *Executor) perform(ctx context.Context, w Worker, job *domain.Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Kind: OutcomeError, Err: fmt.Errorf("worker panic: %v", r)}
		}
	}()
	return w.Perform(ctx, job)
}

func (e *Executor) timeoutFor(w Worker, job *domain.Job) time.Duration {
	if t, ok := w.(Timeouter); ok {
		return t.Timeout(job)
	}
	return DefaultTimeout
}

func (e *Executor) backoffFor(w Worker, job *domain.Job) time.Duration {
	if b, ok := w.(Backoffer); ok {
		return b.Backoff(job)
	}
	return backoff.Compute(job.Attempt, e.backoffOpts)
}

// persist maps outcome to the corresponding store transition, retrying
// transient failures with the same retry-with-retry wrapper the store's
// other callers use.
func (e *Executor) persist(ctx context.Context, job *domain.Job, outcome Outcome) error {
	switch outcome.Kind {
	case OutcomeOK:
		return backoff.Retry(ctx, e.retryConfig, func() error {
			return e.store.CompleteJob(ctx, job.ID)
		})

	case OutcomeDiscard:
		return backoff.Retry(ctx, e.retryConfig, func() error {
			return e.store.DiscardJob(ctx, job.ID, errMsg(outcome.Err))
		})

	case OutcomeCancel:
		return backoff.Retry(ctx, e.retryConfig, func() error {
			return e.store.CancelJob(ctx, job.ID)
		})

	case OutcomeSnooze:
		delay := time.Duration(outcome.SnoozeSeconds) * time.Second
		return backoff.Retry(ctx, e.retryConfig, func() error {
			return e.store.SnoozeJob(ctx, job.ID, delay)
		})

	case OutcomeError:
		fallthrough
	default:
		if job.HasExhaustedAttempts() {
			return backoff.Retry(ctx, e.retryConfig, func() error {
				return e.store.DiscardJob(ctx, job.ID, errMsg(outcome.Err))
			})
		}
		w, _ := e.registry.Lookup(job.Worker)
		nextAt := time.Now().Add(e.backoffFor(w, job))
		return backoff.Retry(ctx, e.retryConfig, func() error {
			return e.store.ErrorJob(ctx, job.ID, errMsg(outcome.Err), nextAt)
		})
	}
}

func errMsg(err error) string {
	if err == nil {
		return "worker returned an error outcome with no error set"
	}
	return err.Error()
}
