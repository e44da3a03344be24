package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jonesrussell/jobqueue/internal/domain"
)

// PeerStore is the subset of the contract the peer component needs against
// the peers table described in §6: (name PK, node, started_at, expires_at).
type PeerStore interface {
	// TryAcquire attempts to become leader for name: deletes the incumbent
	// row first if it is expired, then inserts with ON CONFLICT DO NOTHING.
	// Returns true if this call won the election.
	TryAcquire(ctx context.Context, name, node string, ttl time.Duration) (bool, error)

	// Renew refreshes expires_at for the row this node currently holds.
	// Returns false if the row no longer belongs to this node (lost
	// leadership, e.g. to a stale-row sweep on another node).
	Renew(ctx context.Context, name, node string, ttl time.Duration) (bool, error)

	// Release deletes the row this node holds, so peers can re-elect
	// immediately rather than waiting for expiry.
	Release(ctx context.Context, name, node string) error

	// CurrentPeer returns the current row for name, if any.
	CurrentPeer(ctx context.Context, name string) (*domain.Peer, error)
}

// TryAcquire implements §4.3's DB peer election: sweep the incumbent if
// expired, then attempt an unconditional insert.
func (s *PostgresStore) TryAcquire(ctx context.Context, name, node string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, s.classify(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM peers WHERE name = $1 AND expires_at < NOW()`, name); err != nil {
		return false, s.classify(err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO peers (name, node, started_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING`,
		name, node, now, now.Add(ttl))
	if err != nil {
		return false, s.classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.classify(err)
	}

	if err := tx.Commit(); err != nil {
		return false, s.classify(err)
	}
	return n == 1, nil
}

// Renew refreshes this node's leadership claim.
func (s *PostgresStore) Renew(ctx context.Context, name, node string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET expires_at = $3
		WHERE name = $1 AND node = $2`,
		name, node, time.Now().UTC().Add(ttl))
	if err != nil {
		return false, s.classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.classify(err)
	}
	return n == 1, nil
}

// Release deletes this node's leadership claim so peers re-elect immediately.
func (s *PostgresStore) Release(ctx context.Context, name, node string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM peers WHERE name = $1 AND node = $2`, name, node)
	return s.classify(err)
}

// CurrentPeer returns the row for name, if any.
func (s *PostgresStore) CurrentPeer(ctx context.Context, name string) (*domain.Peer, error) {
	var p domain.Peer
	err := s.db.GetContext(ctx, &p, `
		SELECT name, node, started_at, expires_at FROM peers WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.classify(err)
	}
	return &p, nil
}
