package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// DBPeer implements the DB peer variant of §4.3: an upserted row in the
// peers table, refreshed by the incumbent and contested by everyone else.
type DBPeer struct {
	cfg   Config
	store store.PeerStore
	notif notifier.Notifier
	log   logger.Logger
	cb    Callbacks

	isLeader atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDBPeer constructs a DB-backed peer. cfg.Node is required; a caller with
// no stable node identity should generate one (e.g. uuid.NewString()) before
// constructing.
func NewDBPeer(cfg Config, st store.PeerStore, notif notifier.Notifier, log logger.Logger, cb Callbacks) *DBPeer {
	cfg.setDefaults()
	return &DBPeer{
		cfg:    cfg,
		store:  st,
		notif:  notif,
		log:    log,
		cb:     cb,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ID is this node's identifier.
func (p *DBPeer) ID() string { return p.cfg.Node }

// IsLeader reports this node's current local belief.
func (p *DBPeer) IsLeader() bool { return p.isLeader.Load() }

// Start runs the election/renewal loop in the background until Stop or ctx
// is cancelled.
func (p *DBPeer) Start(ctx context.Context) error {
	go p.run(ctx)
	return nil
}

func (p *DBPeer) run(ctx context.Context) {
	defer close(p.doneCh)

	electionTicker := time.NewTicker(p.cfg.ElectionInterval)
	defer electionTicker.Stop()
	renewalTicker := time.NewTicker(p.cfg.renewalInterval())
	defer renewalTicker.Stop()

	// Attempt an immediate election so a freshly started node doesn't wait
	// out a full ElectionInterval before contesting leadership.
	p.tryBecomeLeader(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-electionTicker.C:
			if !p.IsLeader() {
				p.tryBecomeLeader(ctx)
			}
		case <-renewalTicker.C:
			if p.IsLeader() {
				p.renew(ctx)
			}
		}
	}
}

func (p *DBPeer) tryBecomeLeader(ctx context.Context) {
	won, err := p.store.TryAcquire(ctx, p.cfg.InstanceName, p.cfg.Node, p.cfg.ttl())
	if err != nil {
		p.log.Error("peer: election attempt failed", logger.Error(err))
		return
	}
	if won && p.isLeader.CompareAndSwap(false, true) {
		p.log.Info("peer: elected leader",
			logger.String("instance_name", p.cfg.InstanceName), logger.String("node", p.cfg.Node))
		if p.cb.OnElected != nil {
			p.cb.OnElected()
		}
	}
}

func (p *DBPeer) renew(ctx context.Context) {
	ok, err := p.store.Renew(ctx, p.cfg.InstanceName, p.cfg.Node, p.cfg.ttl())
	if err != nil {
		p.log.Error("peer: renewal failed", logger.Error(err))
		return
	}
	if !ok {
		p.handleLostLeadership(ctx)
	}
}

func (p *DBPeer) handleLostLeadership(ctx context.Context) {
	if p.isLeader.CompareAndSwap(true, false) {
		p.log.Warn("peer: lost leadership", logger.String("instance_name", p.cfg.InstanceName))
		if p.cb.OnLost != nil {
			p.cb.OnLost()
		}
		if p.notif != nil {
			_ = notifier.PublishLeaderDown(ctx, p.notif, p.cfg.InstanceName)
		}
	}
}

// Stop releases this node's claim if held and publishes leader{down}. No
// peer in this package subscribes to that channel; other nodes take over the
// released claim on their next election tick.
func (p *DBPeer) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	select {
	case <-p.doneCh:
	case <-ctx.Done():
	}

	if p.isLeader.CompareAndSwap(true, false) {
		if err := p.store.Release(ctx, p.cfg.InstanceName, p.cfg.Node); err != nil {
			p.log.Error("peer: release on shutdown failed", logger.Error(err))
		}
		if p.notif != nil {
			_ = notifier.PublishLeaderDown(ctx, p.notif, p.cfg.InstanceName)
		}
	}
	return nil
}
