// Package store defines the job store adapter contract (§4.1) and its
// PostgreSQL implementation. The rest of the system talks only to the Store
// interface, so a second dialect (or an embedded/SQLite variant, per the
// design notes' "multi-backend store") can be dropped in without touching
// the producer, executor, stager, or plugins.
package store

import (
	"context"
	"time"

	"github.com/jonesrussell/jobqueue/internal/domain"
)

// InsertResult is returned by Insert: either a freshly inserted job, or the
// pre-existing job that a uniqueness check matched (Conflict == true).
type InsertResult struct {
	Job      *domain.Job
	Conflict bool
}

// StagedBatch groups the ids staged for one queue in a single stage_jobs
// call, letting the stager fan out exactly one insert notification per
// queue per tick.
type StagedBatch struct {
	Queue string
	IDs   []int64
}

// RescueResult reports how many executing jobs rescue_jobs touched.
type RescueResult struct {
	Rescued  int
	Discarded int
}

// Store is the only contract the rest of the system uses; every method is
// atomic with respect to concurrent callers on other nodes.
type Store interface {
	// Insert validates cs, resolves uniqueness, and inserts or returns the
	// conflicting job. Initial state is "scheduled" if ScheduledAt is in the
	// future, else "available".
	Insert(ctx context.Context, cs *domain.Changeset) (*InsertResult, error)

	// InsertAll is the batch variant; results are returned in input order.
	InsertAll(ctx context.Context, changesets []*domain.Changeset) ([]*InsertResult, error)

	// StageJobs atomically promotes due scheduled/retryable rows (ScheduledAt
	// <= now) to available, bounded by limit, and returns the staged ids
	// grouped by queue. queueFilter, if non-empty, restricts the move to
	// those queues.
	StageJobs(ctx context.Context, queueFilter []string, limit int) ([]StagedBatch, error)

	// FetchJobs atomically selects up to demand available rows for queue
	// ordered by (priority asc, scheduled_at asc, id asc), transitions them
	// to executing, and records the claiming node.
	FetchJobs(ctx context.Context, queue string, demand int, node string) ([]*domain.Job, error)

	// CompleteJob transitions executing -> completed.
	CompleteJob(ctx context.Context, id int64) error

	// DiscardJob is a terminal failure: executing -> discarded.
	DiscardJob(ctx context.Context, id int64, errMsg string) error

	// ErrorJob is a retryable failure: executing -> retryable, with
	// ScheduledAt set to nextAt for the stager to pick up later.
	ErrorJob(ctx context.Context, id int64, errMsg string, nextAt time.Time) error

	// SnoozeJob moves executing -> scheduled without counting an attempt,
	// bumping max_attempts by one since the snooze itself doesn't count.
	SnoozeJob(ctx context.Context, id int64, delay time.Duration) error

	// CancelJob transitions any non-terminal state to cancelled.
	CancelJob(ctx context.Context, id int64) error

	// RescueJobs reclaims rows stuck in executing longer than rescueAfter:
	// back to available if attempts remain, else discarded.
	RescueJobs(ctx context.Context, rescueAfter time.Duration, now time.Time) (*RescueResult, error)

	// PruneJobs deletes terminal rows whose terminal timestamp is older than
	// now - maxAge, bounded by limit, returning the deleted ids.
	PruneJobs(ctx context.Context, maxAge time.Duration, limit int) ([]int64, error)

	// RetryJob moves a discarded or cancelled job back to available,
	// resetting its terminal timestamp.
	RetryJob(ctx context.Context, id int64) error

	// GetJob fetches a single job by id for inspection/testing.
	GetJob(ctx context.Context, id int64) (*domain.Job, error)

	// CheckQueue reports the current running count for a queue by counting
	// executing rows attempted by this store's configured node — callers
	// combine this with the in-memory producer state for the full picture.
	CheckQueue(ctx context.Context, queue string) (runningCount int, err error)

	// Close releases the underlying connection pool.
	Close() error
}
