// Package workers holds the sample Worker implementations registered by
// cmd/jobqueue, standing in for user-authored job business logic (explicitly
// out of scope per the spec's Non-goals, but a registry needs at least one
// entry to be exercised end to end).
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/jobqueue/internal/domain"
	"github.com/jonesrussell/jobqueue/internal/executor"
)

// RegisterAll registers every sample worker with registry. A real deployment
// would replace this with its own application-specific workers.
func RegisterAll(registry *executor.Registry) {
	registry.Register("noop", NoopWorker{})
	registry.Register("sleep", SleepWorker{})
}

// NoopWorker always succeeds immediately; useful for smoke-testing the
// pipeline without any side effects.
type NoopWorker struct{}

func (NoopWorker) Perform(_ context.Context, _ *domain.Job) executor.Outcome {
	return executor.OK()
}

// SleepWorker sleeps for args["seconds"] (default 1) before succeeding,
// exercising timeout and cancellation handling.
type SleepWorker struct{}

func (SleepWorker) Perform(ctx context.Context, job *domain.Job) executor.Outcome {
	seconds := 1.0
	if v, ok := job.Args["seconds"].(float64); ok {
		seconds = v
	}

	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return executor.OK()
	case <-ctx.Done():
		return executor.Error(fmt.Errorf("sleep worker: %w", ctx.Err()))
	}
}

// Timeout bounds SleepWorker to 30s regardless of the executor's default.
func (SleepWorker) Timeout(_ *domain.Job) time.Duration {
	return 30 * time.Second
}
