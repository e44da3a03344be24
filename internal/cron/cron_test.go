package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/jobqueue/internal/domain"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// fakePeer is a minimal peer.Peer stand-in whose leadership is toggled
// directly by the test, rather than going through an election.
type fakePeer struct {
	leader bool
}

func (p *fakePeer) Start(context.Context) error { return nil }
func (p *fakePeer) Stop(context.Context) error  { return nil }
func (p *fakePeer) IsLeader() bool              { return p.leader }
func (p *fakePeer) ID() string                  { return "node-1" }

// fakeStore records every Insert call; every other Store method is an
// untouched no-op since the scheduler only calls Insert.
type fakeStore struct {
	mu      sync.Mutex
	inserts []*domain.Changeset
	nextID  int64
}

func (s *fakeStore) Insert(_ context.Context, cs *domain.Changeset) (*store.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, cs)
	s.nextID++
	return &store.InsertResult{Job: &domain.Job{ID: s.nextID}}, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
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
func (s *fakeStore) CompleteJob(context.Context, int64) error                     { return nil }
func (s *fakeStore) DiscardJob(context.Context, int64, string) error              { return nil }
func (s *fakeStore) ErrorJob(context.Context, int64, string, time.Time) error     { return nil }
func (s *fakeStore) SnoozeJob(context.Context, int64, time.Duration) error        { return nil }
func (s *fakeStore) CancelJob(context.Context, int64) error                      { return nil }
func (s *fakeStore) RescueJobs(context.Context, time.Duration, time.Time) (*store.RescueResult, error) {
	return nil, nil
}
func (s *fakeStore) PruneJobs(context.Context, time.Duration, int) ([]int64, error) { return nil, nil }
func (s *fakeStore) RetryJob(context.Context, int64) error                          { return nil }
func (s *fakeStore) GetJob(context.Context, int64) (*domain.Job, error)              { return nil, nil }
func (s *fakeStore) CheckQueue(context.Context, string) (int, error)                { return 0, nil }
func (s *fakeStore) Close() error                                                    { return nil }

func testCronLogger(t *testing.T) logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	return l
}

func TestNewEntry_ParsesValidExpression(t *testing.T) {
	e, err := NewEntry("*/5 * * * *", "default", "SendDigest", nil)
	require.NoError(t, err)
	assert.False(t, e.reboot)
	assert.NotNil(t, e.schedule)
}

func TestNewEntry_RebootIsSpecialCased(t *testing.T) {
	e, err := NewEntry("@reboot", "default", "Warmup", nil)
	require.NoError(t, err)
	assert.True(t, e.reboot)
}

func TestNewEntry_InvalidExpressionFails(t *testing.T) {
	_, err := NewEntry("not a cron expression", "default", "Worker", nil)
	assert.Error(t, err)
}

func TestScheduler_SkipsTickWhenNotLeader(t *testing.T) {
	e, err := NewEntry("* * * * *", "default", "EveryMinute", nil)
	require.NoError(t, err)

	st := &fakeStore{}
	p := &fakePeer{leader: false}
	s := New([]Entry{e}, st, p, testCronLogger(t))

	s.tick(context.Background(), time.Now().Add(time.Hour))
	assert.Equal(t, 0, st.count())
}

func TestScheduler_FiresDueEntryWhenLeader(t *testing.T) {
	e, err := NewEntry("* * * * *", "default", "EveryMinute", nil)
	require.NoError(t, err)

	st := &fakeStore{}
	p := &fakePeer{leader: true}
	s := New([]Entry{e}, st, p, testCronLogger(t))

	// force next due immediately
	s.entries[0].next = time.Now().Add(-time.Minute)
	s.tick(context.Background(), time.Now())

	assert.Equal(t, 1, st.count())
	assert.Equal(t, "EveryMinute", st.inserts[0].Worker)
}

func TestScheduler_RebootEntryFiresOnlyOnce(t *testing.T) {
	e, err := NewEntry("@reboot", "default", "Warmup", nil)
	require.NoError(t, err)

	st := &fakeStore{}
	p := &fakePeer{leader: true}
	s := New([]Entry{e}, st, p, testCronLogger(t))

	s.tick(context.Background(), time.Now())
	s.tick(context.Background(), time.Now())

	assert.Equal(t, 1, st.count())
}

func TestScheduler_SetsDedupeUniqueOpts(t *testing.T) {
	e, err := NewEntry("* * * * *", "default", "EveryMinute", nil)
	require.NoError(t, err)

	st := &fakeStore{}
	p := &fakePeer{leader: true}
	s := New([]Entry{e}, st, p, testCronLogger(t))
	s.entries[0].next = time.Now().Add(-time.Minute)

	s.tick(context.Background(), time.Now())

	require.Len(t, st.inserts, 1)
	require.NotNil(t, st.inserts[0].Unique)
	assert.Equal(t, DefaultDedupeWindow, st.inserts[0].Unique.Period)
}
