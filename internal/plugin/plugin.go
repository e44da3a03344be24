// Package plugin implements the leader-only maintenance jobs of §4.9:
// pruner, lifeline, and reindexer. All three share the same ticker-loop
// shape as publisher's OutboxWorker (poll, process, sleep), generalized
// to gate every tick on current leadership instead of running
// unconditionally.
package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/peer"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// loop is the shared run/stop scaffolding every plugin embeds.
type loop struct {
	interval time.Duration
	peer     peer.Peer
	log      logger.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newLoop(interval time.Duration, p peer.Peer, log logger.Logger) loop {
	return loop{
		interval: interval,
		peer:     p,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (l *loop) run(ctx context.Context, tick func(context.Context)) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if l.peer.IsLeader() {
				tick(ctx)
			}
		}
	}
}

func (l *loop) stop(ctx context.Context) {
	l.stopOnce.Do(func() { close(l.stopCh) })
	select {
	case <-l.doneCh:
	case <-ctx.Done():
	}
}

// Pruner deletes terminal job rows older than MaxAge, in bounded batches.
type Pruner struct {
	loop
	st      store.Store
	maxAge  time.Duration
	limit   int
}

// DefaultPrunerInterval, DefaultMaxAge, and DefaultPrunerLimit match §4.9.
const (
	DefaultPrunerInterval = 30 * time.Second
	DefaultMaxAge         = 7 * 24 * time.Hour
	DefaultPrunerLimit    = 10000
)

// NewPruner constructs a pruner with the given cadence; a zero interval,
// maxAge, or limit falls back to the §4.9 defaults.
func NewPruner(st store.Store, p peer.Peer, log logger.Logger, interval, maxAge time.Duration, limit int) *Pruner {
	if interval <= 0 {
		interval = DefaultPrunerInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if limit <= 0 {
		limit = DefaultPrunerLimit
	}
	return &Pruner{loop: newLoop(interval, p, log), st: st, maxAge: maxAge, limit: limit}
}

// Start runs the prune loop in the background.
func (pr *Pruner) Start(ctx context.Context) { go pr.run(ctx, pr.tick) }

// Stop halts the loop.
func (pr *Pruner) Stop(ctx context.Context) { pr.stop(ctx) }

func (pr *Pruner) tick(ctx context.Context) {
	ids, err := pr.st.PruneJobs(ctx, pr.maxAge, pr.limit)
	if err != nil {
		pr.log.Error("pruner: prune_jobs failed", logger.Error(err))
		return
	}
	pr.log.Info("pruner: stop", logger.Int("pruned_count", len(ids)))
}

// Lifeline reclaims executing jobs abandoned by a crashed node.
type Lifeline struct {
	loop
	st           store.Store
	rescueAfter  time.Duration
}

// DefaultLifelineInterval and DefaultRescueAfter match §4.9.
const (
	DefaultLifelineInterval = 60 * time.Second
	DefaultRescueAfter      = 60 * time.Minute
)

// NewLifeline constructs a lifeline plugin.
func NewLifeline(st store.Store, p peer.Peer, log logger.Logger, interval, rescueAfter time.Duration) *Lifeline {
	if interval <= 0 {
		interval = DefaultLifelineInterval
	}
	if rescueAfter <= 0 {
		rescueAfter = DefaultRescueAfter
	}
	return &Lifeline{loop: newLoop(interval, p, log), st: st, rescueAfter: rescueAfter}
}

// Start runs the rescue loop in the background.
func (lf *Lifeline) Start(ctx context.Context) { go lf.run(ctx, lf.tick) }

// Stop halts the loop.
func (lf *Lifeline) Stop(ctx context.Context) { lf.stop(ctx) }

func (lf *Lifeline) tick(ctx context.Context) {
	result, err := lf.st.RescueJobs(ctx, lf.rescueAfter, time.Now())
	if err != nil {
		lf.log.Error("lifeline: rescue_jobs failed", logger.Error(err))
		return
	}
	lf.log.Info("lifeline: stop", logger.Int("rescued_jobs", result.Rescued), logger.Int("discarded_jobs", result.Discarded))
}

// Reindexer periodically issues index maintenance against the job table.
// A failed statement is logged and skipped rather than treated as fatal:
// index bloat is a performance concern, not a correctness one.
type Reindexer struct {
	loop
	reindex func(ctx context.Context) error
}

// DefaultReindexerInterval matches §4.9.
const DefaultReindexerInterval = 24 * time.Hour

// NewReindexer constructs a reindexer. reindex performs the dialect-specific
// maintenance statement (e.g. the store's Reindex method); it is injected
// rather than hard-coded so a non-Postgres store can supply its own
// equivalent, or a no-op for dialects without one.
func NewReindexer(reindex func(ctx context.Context) error, p peer.Peer, log logger.Logger, interval time.Duration) *Reindexer {
	if interval <= 0 {
		interval = DefaultReindexerInterval
	}
	return &Reindexer{loop: newLoop(interval, p, log), reindex: reindex}
}

// Start runs the reindex loop in the background.
func (r *Reindexer) Start(ctx context.Context) { go r.run(ctx, r.tick) }

// Stop halts the loop.
func (r *Reindexer) Stop(ctx context.Context) { r.stop(ctx) }

func (r *Reindexer) tick(ctx context.Context) {
	start := time.Now()
	if err := r.reindex(ctx); err != nil {
		r.log.Warn("reindexer: statement failed, skipping", logger.Error(err))
		return
	}
	r.log.Info("reindexer: stop", logger.Duration("duration", time.Since(start)))
}
