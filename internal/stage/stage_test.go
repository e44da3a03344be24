package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/jobqueue/internal/domain"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// fakeStore reports a canned StageJobs result and records the arguments the
// loop called it with; every other Store method is unused by the stager.
type fakeStore struct {
	batches     []store.StagedBatch
	err         error
	gotQueues   []string
	gotLimit    int
	calledCount int
}

func (s *fakeStore) StageJobs(_ context.Context, queues []string, limit int) ([]store.StagedBatch, error) {
	s.calledCount++
	s.gotQueues = queues
	s.gotLimit = limit
	return s.batches, s.err
}

func (s *fakeStore) Insert(context.Context, *domain.Changeset) (*store.InsertResult, error) {
	return nil, nil
}
func (s *fakeStore) InsertAll(context.Context, []*domain.Changeset) ([]*store.InsertResult, error) {
	return nil, nil
}
func (s *fakeStore) FetchJobs(context.Context, string, int, string) ([]*domain.Job, error) {
	return nil, nil
}
func (s *fakeStore) CompleteJob(context.Context, int64) error                 { return nil }
func (s *fakeStore) DiscardJob(context.Context, int64, string) error          { return nil }
func (s *fakeStore) ErrorJob(context.Context, int64, string, time.Time) error { return nil }
func (s *fakeStore) SnoozeJob(context.Context, int64, time.Duration) error    { return nil }
func (s *fakeStore) CancelJob(context.Context, int64) error                  { return nil }
func (s *fakeStore) RescueJobs(context.Context, time.Duration, time.Time) (*store.RescueResult, error) {
	return nil, nil
}
func (s *fakeStore) PruneJobs(context.Context, time.Duration, int) ([]int64, error) { return nil, nil }
func (s *fakeStore) RetryJob(context.Context, int64) error                          { return nil }
func (s *fakeStore) GetJob(context.Context, int64) (*domain.Job, error)             { return nil, nil }
func (s *fakeStore) CheckQueue(context.Context, string) (int, error)                { return 0, nil }
func (s *fakeStore) Close() error                                                   { return nil }

func testStageLogger(t *testing.T) logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return l
}

func TestNew_AppliesDefaults(t *testing.T) {
	l := New(&fakeStore{}, nil, testStageLogger(t), 0, 0, nil)
	assert.Equal(t, DefaultInterval, l.interval)
	assert.Equal(t, DefaultLimit, l.limit)
}

func TestTick_PublishesInsertPerStagedQueue(t *testing.T) {
	st := &fakeStore{batches: []store.StagedBatch{
		{Queue: "emails", IDs: []int64{1, 2}},
		{Queue: "reports", IDs: []int64{3}},
	}}
	n := notifier.NewMemoryNotifier()

	var published []string
	require.NoError(t, n.Listen(context.Background(), notifier.ChannelInsert, func(payload []byte) {
		ev, err := notifier.DecodeInsert(payload)
		require.NoError(t, err)
		published = append(published, ev.Queue)
	}))

	l := New(st, n, testStageLogger(t), time.Second, 100, []string{"emails", "reports"})
	l.tick(context.Background())

	assert.ElementsMatch(t, []string{"emails", "reports"}, published)
	assert.Equal(t, []string{"emails", "reports"}, st.gotQueues)
	assert.Equal(t, 100, st.gotLimit)
}

func TestTick_StoreErrorSkipsPublish(t *testing.T) {
	st := &fakeStore{err: errors.New("db down")}
	n := notifier.NewMemoryNotifier()

	called := false
	require.NoError(t, n.Listen(context.Background(), notifier.ChannelInsert, func([]byte) { called = true }))

	l := New(st, n, testStageLogger(t), time.Second, 100, nil)
	l.tick(context.Background())

	assert.False(t, called)
}

func TestTick_NilNotifierDoesNotPanic(t *testing.T) {
	st := &fakeStore{batches: []store.StagedBatch{{Queue: "emails", IDs: []int64{1}}}}
	l := New(st, nil, testStageLogger(t), time.Second, 100, nil)

	assert.NotPanics(t, func() { l.tick(context.Background()) })
}

func TestStartStop_RunsAndStopsCleanly(t *testing.T) {
	st := &fakeStore{}
	l := New(st, nil, testStageLogger(t), 10*time.Millisecond, 100, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	require.Eventually(t, func() bool { return st.calledCount > 0 }, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	l.Stop(stopCtx)
}
