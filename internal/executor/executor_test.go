package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/jobqueue/internal/backoff"
	"github.com/jonesrussell/jobqueue/internal/domain"
	joberrors "github.com/jonesrussell/jobqueue/internal/errors"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// fakeStore is an in-memory store.Store stub recording which transition
// method was called, since the executor only needs to observe the resulting
// state-transition call, not a real database.
type fakeStore struct {
	mu sync.Mutex

	completed []int64
	discarded map[int64]string
	errored   map[int64]string
	cancelled []int64
	snoozed   map[int64]time.Duration

	completeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		discarded: map[int64]string{},
		errored:   map[int64]string{},
		snoozed:   map[int64]time.Duration{},
	}
}

func (s *fakeStore) Insert(context.Context, *domain.Changeset) (*store.InsertResult, error) {
	return nil, nil
}
func (s *fakeStore) InsertAll(context.Context, []*domain.Changeset) ([]*store.InsertResult, error) {
	return nil, nil
}
func (s *fakeStore) StageJobs(context.Context, []string, int) ([]store.StagedBatch, error) {
	return nil, nil
}
func (s *fakeStore) FetchJobs(context.Context, string, int, string) ([]*domain.Job, error) {
	return nil, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeStore) DiscardJob(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded[id] = errMsg
	return nil
}

func (s *fakeStore) ErrorJob(_ context.Context, id int64, errMsg string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored[id] = errMsg
	return nil
}

func (s *fakeStore) SnoozeJob(_ context.Context, id int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snoozed[id] = delay
	return nil
}

func (s *fakeStore) CancelJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *fakeStore) RescueJobs(context.Context, time.Duration, time.Time) (*store.RescueResult, error) {
	return nil, nil
}
func (s *fakeStore) PruneJobs(context.Context, time.Duration, int) ([]int64, error) { return nil, nil }
func (s *fakeStore) RetryJob(context.Context, int64) error                          { return nil }
func (s *fakeStore) GetJob(context.Context, int64) (*domain.Job, error)             { return nil, nil }
func (s *fakeStore) CheckQueue(context.Context, string) (int, error)                { return 0, nil }
func (s *fakeStore) Close() error                                                   { return nil }

func testExecLogger(t *testing.T) logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return l
}

type okWorker struct{}

func (okWorker) Perform(context.Context, *domain.Job) Outcome { return OK() }

func TestExecutor_Run_SuccessCompletesJob(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()
	reg.Register("ok", okWorker{})

	e := New(st, reg, backoff.DefaultOptions(), testExecLogger(t))
	job := &domain.Job{ID: 1, Worker: "ok", Attempt: 1, MaxAttempts: 3}

	require.NoError(t, e.Run(context.Background(), job))
	assert.Equal(t, []int64{1}, st.completed)
}

func TestExecutor_Run_UnregisteredWorkerDiscards(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()

	e := New(st, reg, backoff.DefaultOptions(), testExecLogger(t))
	job := &domain.Job{ID: 2, Worker: "missing", Attempt: 1, MaxAttempts: 3}

	require.NoError(t, e.Run(context.Background(), job))
	assert.Contains(t, st.discarded[2], joberrors.ErrWorkerNotFound.Error())
}

type panicWorker struct{}

func (panicWorker) Perform(context.Context, *domain.Job) Outcome { panic("boom") }

func TestExecutor_Run_WorkerPanicBecomesErrorOutcome(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()
	reg.Register("panicky", panicWorker{})

	e := New(st, reg, backoff.Options{Cap: 0.001}, testExecLogger(t))
	job := &domain.Job{ID: 3, Worker: "panicky", Attempt: 1, MaxAttempts: 3}

	require.NoError(t, e.Run(context.Background(), job))
	assert.Contains(t, st.errored[3], "worker panic")
}

type errWorker struct{ err error }

func (w errWorker) Perform(context.Context, *domain.Job) Outcome { return Error(w.err) }

func TestExecutor_Run_ErrorWithAttemptsRemainingGoesRetryable(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()
	reg.Register("failing", errWorker{err: errors.New("boom")})

	e := New(st, reg, backoff.Options{Cap: 0.001}, testExecLogger(t))
	job := &domain.Job{ID: 4, Worker: "failing", Attempt: 1, MaxAttempts: 3}

	require.NoError(t, e.Run(context.Background(), job))
	assert.Equal(t, "boom", st.errored[4])
}

func TestExecutor_Run_ErrorWithExhaustedAttemptsDiscards(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()
	reg.Register("failing", errWorker{err: errors.New("boom")})

	e := New(st, reg, backoff.Options{Cap: 0.001}, testExecLogger(t))
	job := &domain.Job{ID: 5, Worker: "failing", Attempt: 3, MaxAttempts: 3}

	require.NoError(t, e.Run(context.Background(), job))
	assert.Equal(t, "boom", st.discarded[5])
}

type slowWorker struct{}

func (slowWorker) Perform(ctx context.Context, _ *domain.Job) Outcome {
	select {
	case <-time.After(200 * time.Millisecond):
		return OK()
	case <-ctx.Done():
		return Error(ctx.Err())
	}
}

func (slowWorker) Timeout(*domain.Job) time.Duration { return 10 * time.Millisecond }

func TestExecutor_Run_TimeoutWrapsDeadlineExceeded(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()
	reg.Register("slow", slowWorker{})

	e := New(st, reg, backoff.Options{Cap: 0.001}, testExecLogger(t))
	job := &domain.Job{ID: 6, Worker: "slow", Attempt: 1, MaxAttempts: 3}

	require.NoError(t, e.Run(context.Background(), job))
	assert.Contains(t, st.errored[6], "timed out")
}

type snoozeWorker struct{}

func (snoozeWorker) Perform(context.Context, *domain.Job) Outcome { return Snooze(30) }

func TestExecutor_Run_SnoozeReschedulesWithoutAttempt(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()
	reg.Register("snoozy", snoozeWorker{})

	e := New(st, reg, backoff.DefaultOptions(), testExecLogger(t))
	job := &domain.Job{ID: 7, Worker: "snoozy", Attempt: 1, MaxAttempts: 3}

	require.NoError(t, e.Run(context.Background(), job))
	assert.Equal(t, 30*time.Second, st.snoozed[7])
}
