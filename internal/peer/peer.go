// Package peer elects a single leader per instance name (§4.3) so that
// singleton plugins — cron, pruner, lifeline, reindexer — run exactly once
// across the cluster.
package peer

import (
	"context"
	"time"
)

// Peer is the contract both the DB-backed and Redis Cluster-backed
// implementations satisfy.
type Peer interface {
	// Start begins the election/renewal loop in the background.
	Start(ctx context.Context) error
	// Stop releases this node's claim (if held) and publishes leader{down}.
	// Other nodes contest the released claim on their next election tick.
	Stop(ctx context.Context) error
	// IsLeader reports this node's current belief about its own leadership.
	// It is a local, eventually-consistent view, not a linearizable read.
	IsLeader() bool
	// ID is this node's election identifier.
	ID() string
}

// Config governs the election/renewal cadence shared by both
// implementations, matching §4.3's defaults.
type Config struct {
	// InstanceName scopes the election; singleton plugins for one
	// InstanceName elect independently of any other.
	InstanceName string
	// Node is this process's identifier, used as the peer row/lock's owner.
	Node string
	// ElectionInterval is how often a non-leader attempts to become leader.
	// Default 30s.
	ElectionInterval time.Duration
	// RenewalBoost divides ElectionInterval to get the leader's refresh
	// cadence (renewal runs more often than election). Default 2.
	RenewalBoost int
}

// DefaultElectionInterval and DefaultRenewalBoost match §4.3's defaults.
const (
	DefaultElectionInterval = 30 * time.Second
	DefaultRenewalBoost     = 2
)

func (c *Config) setDefaults() {
	if c.ElectionInterval <= 0 {
		c.ElectionInterval = DefaultElectionInterval
	}
	if c.RenewalBoost <= 0 {
		c.RenewalBoost = DefaultRenewalBoost
	}
}

func (c Config) renewalInterval() time.Duration {
	return c.ElectionInterval / time.Duration(c.RenewalBoost)
}

func (c Config) ttl() time.Duration {
	return c.ElectionInterval
}

// OnElected and OnLost are optional callbacks fired on leadership
// transitions, letting the supervisor start/stop leader-only plugins.
type Callbacks struct {
	OnElected func()
	OnLost    func()
}
