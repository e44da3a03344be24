// Package domain defines the Job and Peer records shared by every component,
// and the changeset validation performed before a job ever reaches the table.
package domain

import (
	"fmt"
	"time"

	joberrors "github.com/jonesrussell/jobqueue/internal/errors"
)

// State is one of the job lifecycle's seven states.
type State string

const (
	StateScheduled State = "scheduled"
	StateAvailable State = "available"
	StateExecuting State = "executing"
	StateRetryable State = "retryable"
	StateCompleted State = "completed"
	StateDiscarded State = "discarded"
	StateCancelled State = "cancelled"
)

// IsValid reports whether s is one of the seven defined states.
func (s State) IsValid() bool {
	switch s {
	case StateScheduled, StateAvailable, StateExecuting, StateRetryable,
		StateCompleted, StateDiscarded, StateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is one of the three terminal states that the
// pruner is allowed to delete.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateDiscarded, StateCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts is applied to a job when no explicit value is given.
const DefaultMaxAttempts = 20

// DefaultPriority is the priority assigned when a job does not specify one.
const DefaultPriority = 0

// MinPriority and MaxPriority bound the valid priority range; 0 is highest.
const (
	MinPriority = 0
	MaxPriority = 9
)

// ErrorEntry is one element of a job's ordered error history.
type ErrorEntry struct {
	At      time.Time `db:"at"      json:"at"`
	Attempt int       `db:"attempt" json:"attempt"`
	Error   string    `db:"error"   json:"error"`
}

// Job is the central persisted entity: a unit of work and its lifecycle.
//
// Invariants (enforced by the store adapter, not by this struct):
//   - exactly one terminal timestamp is set for a terminal state;
//   - Attempt <= MaxAttempts always;
//   - State == StateExecuting implies Attempt >= 1, AttemptedAt set, and
//     AttemptedBy non-empty.
type Job struct {
	ID    int64 `db:"id"    json:"id"`
	State State `db:"state" json:"state"`

	Queue  string `db:"queue"  json:"queue"`
	Worker string `db:"worker" json:"worker"`

	Args map[string]any `db:"args" json:"args"`
	Meta map[string]any `db:"meta" json:"meta"`
	Tags []string       `db:"tags" json:"tags"`

	Errors []ErrorEntry `db:"errors" json:"errors"`

	Attempt     int `db:"attempt"      json:"attempt"`
	MaxAttempts int `db:"max_attempts" json:"max_attempts"`
	Priority    int `db:"priority"     json:"priority"`

	InsertedAt  time.Time `db:"inserted_at"  json:"inserted_at"`
	ScheduledAt time.Time `db:"scheduled_at" json:"scheduled_at"`

	AttemptedAt *time.Time `db:"attempted_at" json:"attempted_at,omitempty"`
	AttemptedBy []string   `db:"attempted_by" json:"attempted_by,omitempty"`

	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	DiscardedAt *time.Time `db:"discarded_at" json:"discarded_at,omitempty"`
}

// CanRetry reports whether the job can still be retried.
func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}

// HasExhaustedAttempts reports whether another error should discard rather
// than retry the job.
func (j *Job) HasExhaustedAttempts() bool {
	return j.Attempt >= j.MaxAttempts
}

// Changeset is the validated input to Insert/InsertAll. Construct it with
// NewChangeset rather than the struct literal so defaults and validation run.
type Changeset struct {
	Queue       string
	Worker      string
	Args        map[string]any
	Meta        map[string]any
	Tags        []string
	MaxAttempts int
	Priority    int
	ScheduledAt time.Time
	Unique      *UniqueOpts
}

// UniqueOpts mirrors §4.7: the per-insert uniqueness configuration.
type UniqueOpts struct {
	Period    time.Duration // 0 means "infinity": the window never expires
	Fields    []string      // subset of {worker, queue, args, meta}
	Keys      []string      // subset of keys within args/meta to compare
	States    []State       // job states eligible for the match; nil means a named group
	StateSet  string        // named group: all | incomplete | scheduled | successful
	Timestamp string        // "inserted_at" or "scheduled_at"
	Replace   map[State][]string
}

const (
	maxQueueLen  = 127
	maxWorkerLen = 127
)

// NewChangeset validates and defaults a changeset the way insert_job's
// changeset validation step does, before the job ever reaches the table.
func NewChangeset(queue, worker string, args map[string]any) (*Changeset, error) {
	if queue == "" || len(queue) > maxQueueLen {
		return nil, fmt.Errorf("%w: queue must be 1-%d chars, got %q", joberrors.ErrInvalidJob, maxQueueLen, queue)
	}
	if worker == "" || len(worker) > maxWorkerLen {
		return nil, fmt.Errorf("%w: worker must be 1-%d chars, got %q", joberrors.ErrInvalidJob, maxWorkerLen, worker)
	}
	if args == nil {
		args = map[string]any{}
	}

	return &Changeset{
		Queue:       queue,
		Worker:      worker,
		Args:        args,
		Meta:        map[string]any{},
		Tags:        []string{},
		MaxAttempts: DefaultMaxAttempts,
		Priority:    DefaultPriority,
	}, nil
}

// Validate checks field bounds that don't depend on defaulting.
func (c *Changeset) Validate() error {
	if c.Queue == "" || len(c.Queue) > maxQueueLen {
		return fmt.Errorf("%w: queue must be 1-%d chars", joberrors.ErrInvalidJob, maxQueueLen)
	}
	if c.Worker == "" || len(c.Worker) > maxWorkerLen {
		return fmt.Errorf("%w: worker must be 1-%d chars", joberrors.ErrInvalidJob, maxWorkerLen)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max_attempts must be > 0", joberrors.ErrInvalidJob)
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be in [%d,%d], got %d",
			joberrors.ErrInvalidJob, MinPriority, MaxPriority, c.Priority)
	}
	return nil
}

// Peer is the leader-election record owned by the peer component. Rows are
// ephemeral and keyed by Name; expired rows are swept by non-leaders.
type Peer struct {
	Name      string    `db:"name"       json:"name"`
	Node      string    `db:"node"       json:"node"`
	StartedAt time.Time `db:"started_at" json:"started_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the peer row is stale as of now.
func (p *Peer) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
