package store

import "context"

// Reindex issues Postgres's own bloat-reduction statement against the jobs
// table, driven by the reindexer plugin (§4.9). CONCURRENTLY avoids taking
// the exclusive lock a plain REINDEX would, at the cost of not running
// inside a transaction block.
func (s *PostgresStore) Reindex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `REINDEX TABLE CONCURRENTLY jobs`)
	return err
}
