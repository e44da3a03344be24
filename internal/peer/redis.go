package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
)

// renewScript atomically renews the lock only if this node still holds it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseScript atomically deletes the lock only if this node still holds it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// ClusterPeer implements the Cluster peer variant of §4.3: a Redis global
// lock keyed by instance name, acquired with SETNX and renewed/released via
// compare-and-swap Lua scripts so a node can never clobber another's claim.
type ClusterPeer struct {
	cfg    Config
	client *redis.Client
	notif  notifier.Notifier
	log    logger.Logger
	cb     Callbacks

	lockValue string // unique per ClusterPeer, distinguishes this holder
	isLeader  atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

// NewClusterPeer constructs a Redis-backed peer.
func NewClusterPeer(cfg Config, client *redis.Client, notif notifier.Notifier, log logger.Logger, cb Callbacks) *ClusterPeer {
	cfg.setDefaults()
	return &ClusterPeer{
		cfg:       cfg,
		client:    client,
		notif:     notif,
		log:       log,
		cb:        cb,
		lockValue: uuid.NewString(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (p *ClusterPeer) key() string { return "jobqueue:peer:" + p.cfg.InstanceName }

// ID is this node's election identifier, distinct from its Redis lock value.
func (p *ClusterPeer) ID() string { return p.cfg.Node }

// IsLeader reports this node's current local belief.
func (p *ClusterPeer) IsLeader() bool { return p.isLeader.Load() }

// Start runs the election/renewal loop in the background.
func (p *ClusterPeer) Start(ctx context.Context) error {
	go p.run(ctx)
	return nil
}

func (p *ClusterPeer) run(ctx context.Context) {
	defer close(p.doneCh)

	electionTicker := time.NewTicker(p.cfg.ElectionInterval)
	defer electionTicker.Stop()
	renewalTicker := time.NewTicker(p.cfg.renewalInterval())
	defer renewalTicker.Stop()

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

func (p *ClusterPeer) tryBecomeLeader(ctx context.Context) {
	won, err := p.client.SetNX(ctx, p.key(), p.lockValue, p.cfg.ttl()).Result()
	if err != nil {
		p.log.Error("cluster peer: election attempt failed", logger.Error(err))
		return
	}
	if won && p.isLeader.CompareAndSwap(false, true) {
		p.log.Info("cluster peer: elected leader",
			logger.String("instance_name", p.cfg.InstanceName), logger.String("node", p.cfg.Node))
		if p.cb.OnElected != nil {
			p.cb.OnElected()
		}
	}
}

func (p *ClusterPeer) renew(ctx context.Context) {
	res, err := renewScript.Run(ctx, p.client, []string{p.key()}, p.lockValue, p.cfg.ttl().Milliseconds()).Result()
	if err != nil {
		p.log.Error("cluster peer: renewal failed", logger.Error(err))
		return
	}
	if n, _ := res.(int64); n == 0 {
		p.handleLostLeadership(ctx)
	}
}

func (p *ClusterPeer) handleLostLeadership(ctx context.Context) {
	if p.isLeader.CompareAndSwap(true, false) {
		p.log.Warn("cluster peer: lost leadership", logger.String("instance_name", p.cfg.InstanceName))
		if p.cb.OnLost != nil {
			p.cb.OnLost()
		}
		if p.notif != nil {
			_ = notifier.PublishLeaderDown(ctx, p.notif, p.cfg.InstanceName)
		}
	}
}

// Stop releases the lock if held and publishes leader{down}.
func (p *ClusterPeer) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	select {
	case <-p.doneCh:
	case <-ctx.Done():
	}

	if p.isLeader.CompareAndSwap(true, false) {
		if _, err := releaseScript.Run(ctx, p.client, []string{p.key()}, p.lockValue).Result(); err != nil {
			p.log.Error("cluster peer: release on shutdown failed", logger.Error(err))
		}
		if p.notif != nil {
			_ = notifier.PublishLeaderDown(ctx, p.notif, p.cfg.InstanceName)
		}
	}
	return nil
}
