package executor

import (
	"context"
	"time"

	"github.com/jonesrussell/jobqueue/internal/domain"
)

// Worker performs one job. Implementations are registered under the name
// that Job.Worker must match (per the design notes' worker-module mapping).
type Worker interface {
	Perform(ctx context.Context, job *domain.Job) Outcome
}

// Timeouter lets a worker override DefaultTimeout per job. Returning 0 means
// no timeout, matching invariant 12.
type Timeouter interface {
	Timeout(job *domain.Job) time.Duration
}

// Backoffer lets a worker override the default exponential backoff curve
// for its own retry delay, e.g. to honor a Retry-After header.
type Backoffer interface {
	Backoff(job *domain.Job) time.Duration
}

// OutcomeKind is one of the five ways a job execution can conclude.
type OutcomeKind int

const (
	// OutcomeOK transitions executing -> completed.
	OutcomeOK OutcomeKind = iota
	// OutcomeError transitions executing -> retryable (or discarded, if
	// attempts are exhausted).
	OutcomeError
	// OutcomeDiscard transitions executing -> discarded immediately,
	// regardless of remaining attempts.
	OutcomeDiscard
	// OutcomeCancel transitions executing -> cancelled.
	OutcomeCancel
	// OutcomeSnooze transitions executing -> scheduled without counting an
	// attempt.
	OutcomeSnooze
)

// String renders the outcome kind for logging.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeDiscard:
		return "discard"
	case OutcomeCancel:
		return "cancel"
	case OutcomeSnooze:
		return "snooze"
	default:
		return "unknown"
	}
}

// Outcome is what Perform returns. Err is required for Error and Discard,
// ignored otherwise. SnoozeSeconds is only read for OutcomeSnooze.
type Outcome struct {
	Kind          OutcomeKind
	Err           error
	SnoozeSeconds int
}

// OK is the outcome helper for a successfully completed job.
func OK() Outcome { return Outcome{Kind: OutcomeOK} }

// Error is the outcome helper for a retryable failure.
func Error(err error) Outcome { return Outcome{Kind: OutcomeError, Err: err} }

// Discard is the outcome helper for an unretryable, terminal failure.
func Discard(err error) Outcome { return Outcome{Kind: OutcomeDiscard, Err: err} }

// Cancel is the outcome helper for a job that should not be retried but
// isn't a failure either (e.g. its precondition no longer holds).
func Cancel() Outcome { return Outcome{Kind: OutcomeCancel} }

// Snooze is the outcome helper for deferring a job without spending an
// attempt, e.g. when a rate limit or dependency isn't ready yet.
func Snooze(seconds int) Outcome { return Outcome{Kind: OutcomeSnooze, SnoozeSeconds: seconds} }
