package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/jobqueue/internal/domain"
	joberrors "github.com/jonesrussell/jobqueue/internal/errors"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/uniqueness"
)

// jobColumns is the single source for SELECT/RETURNING column lists, so a
// schema change only needs updating here.
const jobColumns = `
	id, state, queue, worker, args, meta, tags, errors,
	attempt, max_attempts, priority,
	inserted_at, scheduled_at,
	attempted_at, attempted_by,
	completed_at, cancelled_at, discarded_at
`

// jobRow mirrors the jobs table's physical layout; jsonb/array columns are
// scanned into driver-friendly types and converted in toDomain.
type jobRow struct {
	ID          int64          `db:"id"`
	State       string         `db:"state"`
	Queue       string         `db:"queue"`
	Worker      string         `db:"worker"`
	Args        []byte         `db:"args"`
	Meta        []byte         `db:"meta"`
	Tags        pq.StringArray `db:"tags"`
	Errors      []byte         `db:"errors"`
	Attempt     int            `db:"attempt"`
	MaxAttempts int            `db:"max_attempts"`
	Priority    int            `db:"priority"`
	InsertedAt  time.Time      `db:"inserted_at"`
	ScheduledAt time.Time      `db:"scheduled_at"`
	AttemptedAt sql.NullTime   `db:"attempted_at"`
	AttemptedBy pq.StringArray `db:"attempted_by"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	CancelledAt sql.NullTime   `db:"cancelled_at"`
	DiscardedAt sql.NullTime   `db:"discarded_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	var args, meta map[string]any
	if err := json.Unmarshal(r.Args, &args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := json.Unmarshal(r.Meta, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	var errs []domain.ErrorEntry
	if len(r.Errors) > 0 {
		if err := json.Unmarshal(r.Errors, &errs); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}

	job := &domain.Job{
		ID:          r.ID,
		State:       domain.State(r.State),
		Queue:       r.Queue,
		Worker:      r.Worker,
		Args:        args,
		Meta:        meta,
		Tags:        []string(r.Tags),
		Errors:      errs,
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		Priority:    r.Priority,
		InsertedAt:  r.InsertedAt,
		ScheduledAt: r.ScheduledAt,
		AttemptedBy: []string(r.AttemptedBy),
	}
	if r.AttemptedAt.Valid {
		t := r.AttemptedAt.Time
		job.AttemptedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	if r.CancelledAt.Valid {
		t := r.CancelledAt.Time
		job.CancelledAt = &t
	}
	if r.DiscardedAt.Valid {
		t := r.DiscardedAt.Time
		job.DiscardedAt = &t
	}
	return job, nil
}

func scanJob(rows *sqlx.Rows) (*domain.Job, error) {
	var row jobRow
	if err := rows.StructScan(&row); err != nil {
		return nil, err
	}
	return row.toDomain()
}

// Insert implements §4.1 insert_job: validate, resolve uniqueness under a
// transactional advisory lock, then insert or return the conflicting job.
func (s *PostgresStore) Insert(ctx context.Context, cs *domain.Changeset) (*InsertResult, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, s.classify(err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var uniqueKey sql.NullString
	if cs.Unique != nil {
		fp := uniqueness.Compute(cs, cs.Unique)
		uniqueKey = sql.NullString{String: fp.Canonical, Valid: true}

		existing, err := s.findUniqueConflict(ctx, tx, cs, fp)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if fields, ok := cs.Unique.Replace[existing.State]; ok {
				if err := s.applyReplace(ctx, tx, existing.ID, cs, fields); err != nil {
					return nil, err
				}
			}
			if err := tx.Commit(); err != nil {
				return nil, s.classify(err)
			}
			return &InsertResult{Job: existing, Conflict: true}, nil
		}
	}

	now := time.Now().UTC()
	state := domain.StateAvailable
	scheduledAt := cs.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	if scheduledAt.After(now) {
		state = domain.StateScheduled
	}

	job, err := s.insertRow(ctx, tx, cs, state, scheduledAt, now, uniqueKey)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, s.classify(err)
	}

	if job.State == domain.StateAvailable && s.notif != nil {
		// Best-effort: the job is already committed, so a notify failure
		// must not fail the insert. Staging + polling cover a missed signal.
		_ = notifier.PublishInsert(ctx, s.notif, job.Queue)
	}

	return &InsertResult{Job: job, Conflict: false}, nil
}

func (s *PostgresStore) insertRow(
	ctx context.Context, tx *sqlx.Tx, cs *domain.Changeset, state domain.State, scheduledAt, now time.Time,
	uniqueKey sql.NullString,
) (*domain.Job, error) {
	args, err := json.Marshal(cs.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	meta, err := json.Marshal(cs.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO jobs (state, queue, worker, args, meta, tags, errors, attempt, max_attempts, priority, inserted_at, scheduled_at, unique_key)
		VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, 0, $7, $8, $9, $10, $11)
		RETURNING %s`, jobColumns)

	rows, err := tx.QueryxContext(ctx, query,
		string(state), cs.Queue, cs.Worker, args, meta, pq.Array(cs.Tags),
		cs.MaxAttempts, cs.Priority, now, scheduledAt, uniqueKey,
	)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, joberrors.ErrDBFatal
	}
	return scanJob(rows)
}

// findUniqueConflict implements §4.7 steps 1-3: advisory lock on the
// fingerprint's hash, then a search for an existing row whose own persisted
// unique_key matches the canonical projection of this changeset's
// Fields/Keys (not just worker/queue), within the configured window and
// state set.
func (s *PostgresStore) findUniqueConflict(
	ctx context.Context, tx *sqlx.Tx, cs *domain.Changeset, fp uniqueness.Fingerprint,
) (*domain.Job, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, fp.Hash); err != nil {
		return nil, s.classify(err)
	}

	states := uniqueness.ResolveStates(cs.Unique)
	stateStrs := make([]string, len(states))
	for i, st := range states {
		stateStrs[i] = string(st)
	}

	timestampCol := "inserted_at"
	if cs.Unique.Timestamp == "scheduled_at" {
		timestampCol = "scheduled_at"
	}

	var windowClause string
	args := []any{fp.Canonical, pq.Array(stateStrs)}
	if cs.Unique.Period > 0 {
		windowClause = fmt.Sprintf(" AND %s >= $3", timestampCol)
		args = append(args, time.Now().UTC().Add(-cs.Unique.Period))
	}

	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE unique_key = $1 AND state = ANY($2)%s
		ORDER BY id ASC
		LIMIT 1`, jobColumns, windowClause)

	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	return scanJob(rows)
}

func (s *PostgresStore) applyReplace(ctx context.Context, tx *sqlx.Tx, id int64, cs *domain.Changeset, fields []string) error {
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	idx := 1

	for _, f := range fields {
		switch f {
		case "args":
			b, _ := json.Marshal(cs.Args)
			sets = append(sets, fmt.Sprintf("args = $%d", idx))
			args = append(args, b)
		case "max_attempts":
			sets = append(sets, fmt.Sprintf("max_attempts = $%d", idx))
			args = append(args, cs.MaxAttempts)
		case "meta":
			b, _ := json.Marshal(cs.Meta)
			sets = append(sets, fmt.Sprintf("meta = $%d", idx))
			args = append(args, b)
		case "priority":
			sets = append(sets, fmt.Sprintf("priority = $%d", idx))
			args = append(args, cs.Priority)
		case "queue":
			sets = append(sets, fmt.Sprintf("queue = $%d", idx))
			args = append(args, cs.Queue)
		case "scheduled_at":
			sets = append(sets, fmt.Sprintf("scheduled_at = $%d", idx))
			args = append(args, cs.ScheduledAt)
		case "tags":
			sets = append(sets, fmt.Sprintf("tags = $%d", idx))
			args = append(args, pq.Array(cs.Tags))
		case "worker":
			sets = append(sets, fmt.Sprintf("worker = $%d", idx))
			args = append(args, cs.Worker)
		default:
			continue
		}
		idx++
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", joinSets(sets), idx)
	args = append(args, id)
	_, err := tx.ExecContext(ctx, query, args...)
	return s.classify(err)
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// InsertAll is the batch variant. The store advertises uniqueness support so
// each changeset still resolves conflicts; an adapter that doesn't would
// insert unconditionally here instead.
func (s *PostgresStore) InsertAll(ctx context.Context, changesets []*domain.Changeset) ([]*InsertResult, error) {
	results := make([]*InsertResult, len(changesets))
	for i, cs := range changesets {
		r, err := s.Insert(ctx, cs)
		if err != nil {
			return nil, fmt.Errorf("insert_all[%d]: %w", i, err)
		}
		results[i] = r
	}
	return results, nil
}

// StageJobs implements §4.1 stage_jobs: atomically moves due scheduled and
// retryable rows to available, bounded by limit, grouped by queue.
func (s *PostgresStore) StageJobs(ctx context.Context, queueFilter []string, limit int) ([]StagedBatch, error) {
	if limit <= 0 {
		limit = 5000
	}

	queueClause := ""
	args := []any{limit}
	if len(queueFilter) > 0 {
		queueClause = " AND queue = ANY($2)"
		args = append(args, pq.Array(queueFilter))
	}

	query := fmt.Sprintf(`
		UPDATE jobs
		SET state = 'available'
		WHERE id IN (
			SELECT id FROM jobs
			WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= NOW()%s
			ORDER BY scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue`, queueClause)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	byQueue := map[string][]int64{}
	order := []string{}
	for rows.Next() {
		var id int64
		var queue string
		if err := rows.Scan(&id, &queue); err != nil {
			return nil, err
		}
		if _, ok := byQueue[queue]; !ok {
			order = append(order, queue)
		}
		byQueue[queue] = append(byQueue[queue], id)
	}

	batches := make([]StagedBatch, 0, len(order))
	for _, q := range order {
		batches = append(batches, StagedBatch{Queue: q, IDs: byQueue[q]})
	}
	return batches, nil
}

// FetchJobs implements §4.1 fetch_jobs: the canonical atomic claim via
// UPDATE ... WHERE id IN (SELECT ... FOR UPDATE SKIP LOCKED) RETURNING.
func (s *PostgresStore) FetchJobs(ctx context.Context, queue string, demand int, node string) ([]*domain.Job, error) {
	if demand <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		UPDATE jobs
		SET state = 'executing',
		    attempt = attempt + 1,
		    attempted_at = NOW(),
		    attempted_by = array_append(attempted_by, $3::text)
		WHERE id IN (
			SELECT id FROM jobs
			WHERE state = 'available' AND queue = $1
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns)

	rows, err := s.db.QueryxContext(ctx, query, queue, demand, node)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return s.classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.classify(err)
	}
	if n == 0 {
		return joberrors.ErrNotFound
	}
	return nil
}

// CompleteJob: executing -> completed.
func (s *PostgresStore) CompleteJob(ctx context.Context, id int64) error {
	return s.execExpectOneRow(ctx,
		`UPDATE jobs SET state = 'completed', completed_at = NOW() WHERE id = $1 AND state = 'executing'`, id)
}

// DiscardJob: executing -> discarded, appending the error.
func (s *PostgresStore) DiscardJob(ctx context.Context, id int64, errMsg string) error {
	return s.appendErrorAndTransition(ctx, id, errMsg,
		`UPDATE jobs SET state = 'discarded', discarded_at = NOW(), errors = errors || $2::jsonb
		 WHERE id = $1 AND state = 'executing'`)
}

// ErrorJob: executing -> retryable, scheduled for nextAt.
func (s *PostgresStore) ErrorJob(ctx context.Context, id int64, errMsg string, nextAt time.Time) error {
	return s.appendErrorAndTransition(ctx, id, errMsg,
		`UPDATE jobs SET state = 'retryable', scheduled_at = $3, errors = errors || $2::jsonb
		 WHERE id = $1 AND state = 'executing'`, nextAt)
}

func (s *PostgresStore) appendErrorAndTransition(ctx context.Context, id int64, errMsg, query string, extra ...any) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	entry := domain.ErrorEntry{At: time.Now().UTC(), Attempt: job.Attempt, Error: errMsg}
	b, err := json.Marshal([]domain.ErrorEntry{entry})
	if err != nil {
		return err
	}

	args := []any{id, b}
	args = append(args, extra...)
	return s.execExpectOneRow(ctx, query, args...)
}

// SnoozeJob: executing -> scheduled, without counting an attempt; bumps
// max_attempts by one since the snooze itself shouldn't cost a retry.
func (s *PostgresStore) SnoozeJob(ctx context.Context, id int64, delay time.Duration) error {
	return s.execExpectOneRow(ctx,
		`UPDATE jobs SET state = 'scheduled', scheduled_at = NOW() + $2::interval, max_attempts = max_attempts + 1
		 WHERE id = $1 AND state = 'executing'`, id, delay.String())
}

// CancelJob transitions any non-terminal state to cancelled.
func (s *PostgresStore) CancelJob(ctx context.Context, id int64) error {
	return s.execExpectOneRow(ctx,
		`UPDATE jobs SET state = 'cancelled', cancelled_at = NOW()
		 WHERE id = $1 AND state NOT IN ('completed', 'cancelled', 'discarded')`, id)
}

// RetryJob moves a discarded/cancelled job back to available.
func (s *PostgresStore) RetryJob(ctx context.Context, id int64) error {
	return s.execExpectOneRow(ctx,
		`UPDATE jobs SET state = 'available', scheduled_at = NOW(),
		    discarded_at = NULL, cancelled_at = NULL
		 WHERE id = $1 AND state IN ('discarded', 'cancelled')`, id)
}

// RescueJobs implements §4.1 rescue_jobs: rows stuck in executing longer
// than rescueAfter go back to available (if attempts remain) or discarded.
func (s *PostgresStore) RescueJobs(ctx context.Context, rescueAfter time.Duration, now time.Time) (*RescueResult, error) {
	cutoff := now.Add(-rescueAfter)

	rescueRes, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'available', scheduled_at = NOW()
		WHERE state = 'executing' AND attempted_at < $1 AND attempt < max_attempts`, cutoff)
	if err != nil {
		return nil, s.classify(err)
	}
	rescued, _ := rescueRes.RowsAffected()

	discardRes, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'discarded', discarded_at = NOW(),
		    errors = errors || '[{"error":"rescued: attempts exhausted"}]'::jsonb
		WHERE state = 'executing' AND attempted_at < $1 AND attempt >= max_attempts`, cutoff)
	if err != nil {
		return nil, s.classify(err)
	}
	discarded, _ := discardRes.RowsAffected()

	return &RescueResult{Rescued: int(rescued), Discarded: int(discarded)}, nil
}

// PruneJobs deletes terminal rows older than maxAge, bounded by limit.
// It never touches available/scheduled/executing/retryable rows.
func (s *PostgresStore) PruneJobs(ctx context.Context, maxAge time.Duration, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 10000
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	rows, err := s.db.QueryxContext(ctx, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (state = 'completed' AND completed_at < $1)
			   OR (state = 'cancelled' AND cancelled_at < $1)
			   OR (state = 'discarded' AND discarded_at < $1)
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, cutoff, limit)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetJob fetches a single job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	rows, err := s.db.QueryxContext(ctx, query, id)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, joberrors.ErrNotFound
	}
	return scanJob(rows)
}

// CheckQueue counts rows currently executing for queue, claimed by this
// store's node.
func (s *PostgresStore) CheckQueue(ctx context.Context, queue string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM jobs
		WHERE queue = $1 AND state = 'executing' AND $2 = ANY(attempted_by)`, queue, s.node)
	if err != nil {
		return 0, s.classify(err)
	}
	return count, nil
}

// classify maps a driver error onto the §7 taxonomy: fatal schema/permission
// errors surface as ErrDBFatal immediately (a retry cannot fix them); every
// other error is left for internal/backoff.IsTransientDBError to judge.
func (s *PostgresStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Class() {
		case "42": // syntax_error_or_access_rule_violation (includes undefined_table)
			return fmt.Errorf("%w: %v", joberrors.ErrDBFatal, err)
		case "28": // invalid_authorization_specification
			return fmt.Errorf("%w: %v", joberrors.ErrDBFatal, err)
		}
	}
	return err
}
