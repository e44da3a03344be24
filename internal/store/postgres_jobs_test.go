package store

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/jobqueue/internal/domain"
	joberrors "github.com/jonesrussell/jobqueue/internal/errors"
	"github.com/jonesrussell/jobqueue/internal/notifier"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &PostgresStore{db: sqlx.NewDb(db, "postgres"), prefix: "public", node: "node-1"}, mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "state", "queue", "worker", "args", "meta", "tags", "errors",
		"attempt", "max_attempts", "priority",
		"inserted_at", "scheduled_at",
		"attempted_at", "attempted_by",
		"completed_at", "cancelled_at", "discarded_at",
	})
}

func addJobRow(rows *sqlmock.Rows, id int64, state string, attempt int) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(
		id, state, "default", "SendEmail", []byte(`{}`), []byte(`{}`), driver.Value(nil), []byte(`[]`),
		attempt, 20, 0,
		now, now,
		nil, driver.Value(nil),
		nil, nil, nil,
	)
}

func TestInsert_NoUnique_InsertsAvailable(t *testing.T) {
	s, mock := newMockStore(t)

	cs, err := domain.NewChangeset("default", "SendEmail", map[string]any{"to": "a@b.com"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnRows(addJobRow(jobRows(), 1, "available", 0))
	mock.ExpectCommit()

	res, err := s.Insert(context.Background(), cs)
	require.NoError(t, err)
	assert.False(t, res.Conflict)
	assert.Equal(t, int64(1), res.Job.ID)
	assert.Equal(t, domain.StateAvailable, res.Job.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_AvailableInsert_PublishesInsertNotification(t *testing.T) {
	s, mock := newMockStore(t)
	n := notifier.NewMemoryNotifier()
	s.SetNotifier(n)

	var received notifier.InsertEvent
	require.NoError(t, n.Listen(context.Background(), notifier.ChannelInsert, func(payload []byte) {
		ev, err := notifier.DecodeInsert(payload)
		require.NoError(t, err)
		received = ev
	}))

	cs, err := domain.NewChangeset("default", "SendEmail", map[string]any{"to": "a@b.com"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnRows(addJobRow(jobRows(), 1, "available", 0))
	mock.ExpectCommit()

	_, err = s.Insert(context.Background(), cs)
	require.NoError(t, err)
	assert.Equal(t, "default", received.Queue)
}

func TestInsert_ScheduledInsert_DoesNotNotify(t *testing.T) {
	s, mock := newMockStore(t)
	n := notifier.NewMemoryNotifier()
	s.SetNotifier(n)

	notified := false
	require.NoError(t, n.Listen(context.Background(), notifier.ChannelInsert, func([]byte) { notified = true }))

	cs, err := domain.NewChangeset("default", "SendEmail", nil)
	require.NoError(t, err)
	cs.ScheduledAt = time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnRows(addJobRow(jobRows(), 2, "scheduled", 0))
	mock.ExpectCommit()

	_, err = s.Insert(context.Background(), cs)
	require.NoError(t, err)
	assert.False(t, notified)
}

func TestInsert_FutureScheduledAt_InsertsScheduled(t *testing.T) {
	s, mock := newMockStore(t)

	cs, err := domain.NewChangeset("default", "SendEmail", nil)
	require.NoError(t, err)
	cs.ScheduledAt = time.Now().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnRows(addJobRow(jobRows(), 2, "scheduled", 0))
	mock.ExpectCommit()

	res, err := s.Insert(context.Background(), cs)
	require.NoError(t, err)
	assert.Equal(t, domain.StateScheduled, res.Job.State)
}

func TestInsert_InvalidChangeset_NeverTouchesDB(t *testing.T) {
	s, mock := newMockStore(t)

	cs := &domain.Changeset{Queue: "", Worker: "w", MaxAttempts: 1}
	_, err := s.Insert(context.Background(), cs)
	assert.ErrorIs(t, err, joberrors.ErrInvalidJob)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_UniqueConflict_ReturnsExistingJob(t *testing.T) {
	s, mock := newMockStore(t)

	cs, err := domain.NewChangeset("default", "SendEmail", map[string]any{"to": "a@b.com"})
	require.NoError(t, err)
	cs.Unique = &domain.UniqueOpts{}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WillReturnRows(addJobRow(jobRows(), 5, "available", 0))
	mock.ExpectCommit()

	res, err := s.Insert(context.Background(), cs)
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	assert.Equal(t, int64(5), res.Job.ID)
}

func TestInsert_UniqueConflict_MatchesOnPersistedFingerprint(t *testing.T) {
	s, mock := newMockStore(t)

	cs, err := domain.NewChangeset("default", "SendEmail", map[string]any{"to": "a@b.com"})
	require.NoError(t, err)
	cs.Unique = &domain.UniqueOpts{Fields: []string{"worker", "queue", "args"}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE unique_key = $1 AND state = ANY($2)")).
		WillReturnRows(jobRows())
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs")).
		WillReturnRows(addJobRow(jobRows(), 9, "available", 0))
	mock.ExpectCommit()

	res, err := s.Insert(context.Background(), cs)
	require.NoError(t, err)
	assert.False(t, res.Conflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchJobs_ReturnsClaimedRows(t *testing.T) {
	s, mock := newMockStore(t)

	rows := addJobRow(addJobRow(jobRows(), 1, "executing", 1), 2, "executing", 1)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs")).
		WithArgs("default", 2, "node-1").
		WillReturnRows(rows)

	jobs, err := s.FetchJobs(context.Background(), "default", 2, "node-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, domain.StateExecuting, jobs[0].State)
}

func TestFetchJobs_ZeroDemand_ReturnsNilWithoutQuery(t *testing.T) {
	s, mock := newMockStore(t)
	jobs, err := s.FetchJobs(context.Background(), "default", 0, "node-1")
	require.NoError(t, err)
	assert.Nil(t, jobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteJob_NoMatchingRow_ReturnsNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'completed'")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CompleteJob(context.Background(), 9)
	assert.ErrorIs(t, err, joberrors.ErrNotFound)
}

func TestCompleteJob_Success(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'completed'")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CompleteJob(context.Background(), 9)
	assert.NoError(t, err)
}

func TestCancelJob_ExcludesTerminalStates(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'cancelled'")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CancelJob(context.Background(), 3)
	assert.NoError(t, err)
}

func TestRetryJob_Success(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'available'")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.RetryJob(context.Background(), 7)
	assert.NoError(t, err)
}

func TestGetJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(jobRows())

	_, err := s.GetJob(context.Background(), 42)
	assert.ErrorIs(t, err, joberrors.ErrNotFound)
}

func TestGetJob_Found(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(42)).
		WillReturnRows(addJobRow(jobRows(), 42, "available", 0))

	job, err := s.GetJob(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.ID)
}

func TestErrorJob_AppendsErrorAndReschedules(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(4)).
		WillReturnRows(addJobRow(jobRows(), 4, "executing", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'retryable'")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.ErrorJob(context.Background(), 4, "boom", time.Now().Add(time.Minute))
	assert.NoError(t, err)
}

func TestDiscardJob_ExhaustedAttempts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(int64(4)).
		WillReturnRows(addJobRow(jobRows(), 4, "executing", 20))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state = 'discarded'")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.DiscardJob(context.Background(), 4, "fatal")
	assert.NoError(t, err)
}

func TestCheckQueue_CountsByNode(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM jobs")).
		WithArgs("default", "node-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CheckQueue(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
