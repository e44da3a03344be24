// Package supervisor wires the store, notifier, peer, stager, producers,
// cron scheduler, and maintenance plugins into one lifecycle, mirroring
// crawler's v2 Scheduler orchestrator: a single Start/Stop pair, a
// leader-aware drain on shutdown, and a Health snapshot for the admin
// surface.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonesrussell/jobqueue/internal/backoff"
	"github.com/jonesrussell/jobqueue/internal/config"
	"github.com/jonesrussell/jobqueue/internal/cron"
	"github.com/jonesrussell/jobqueue/internal/domain"
	"github.com/jonesrussell/jobqueue/internal/executor"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/peer"
	"github.com/jonesrussell/jobqueue/internal/plugin"
	"github.com/jonesrussell/jobqueue/internal/producer"
	"github.com/jonesrussell/jobqueue/internal/stage"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// reindexable is implemented by stores that support the reindexer plugin;
// a store that doesn't (e.g. a future embedded/SQLite dialect) simply
// never gets one started.
type reindexable interface {
	Reindex(ctx context.Context) error
}

// Supervisor owns every long-running component's lifecycle.
type Supervisor struct {
	cfg   *config.Config
	log   logger.Logger
	store store.Store
	notif notifier.Notifier
	peer  peer.Peer

	registry *executor.Registry
	exec     *executor.Executor

	stageLoop interface {
		Start(ctx context.Context)
		Stop(ctx context.Context)
	}
	producers map[string]*producer.Producer
	cron      *cron.Scheduler
	pruner    *plugin.Pruner
	lifeline  *plugin.Lifeline
	reindexer *plugin.Reindexer

	mu       sync.RWMutex
	running  bool
	draining bool
}

// New builds every component from cfg but starts nothing.
func New(cfg *config.Config, log logger.Logger, st store.Store, notif notifier.Notifier, p peer.Peer, registry *executor.Registry) (*Supervisor, error) {
	s := &Supervisor{
		cfg:       cfg,
		log:       log,
		store:     st,
		notif:     notif,
		peer:      p,
		registry:  registry,
		producers: make(map[string]*producer.Producer),
	}

	s.exec = executor.New(st, registry, backoff.DefaultOptions(), log)

	if cfg.Testing != config.ModeManual {
		s.stageLoop = newStageLoop(st, notif, log, cfg.Stage)
	}

	for _, qc := range cfg.Queues {
		prod := producer.New(qc.Name, cfg.Node, qc.Limit, qc.Paused, st, notif, s.exec, log)
		prod.SetPollInterval(cfg.Stage.Interval)
		s.producers[qc.Name] = prod
	}

	if len(cfg.Cron) > 0 {
		entries := make([]cron.Entry, 0, len(cfg.Cron))
		for _, ec := range cfg.Cron {
			e, err := cron.NewEntry(ec.Expression, ec.Queue, ec.Worker, ec.Args)
			if err != nil {
				return nil, fmt.Errorf("supervisor: %w", err)
			}
			entries = append(entries, e)
		}
		s.cron = cron.New(entries, st, p, log)
	}

	s.pruner = plugin.NewPruner(st, p, log, cfg.Pruner.Interval, cfg.Pruner.MaxAge, cfg.Pruner.Limit)
	s.lifeline = plugin.NewLifeline(st, p, log, cfg.Lifeline.Interval, cfg.Lifeline.RescueAfter)

	if rs, ok := st.(reindexable); ok {
		s.reindexer = plugin.NewReindexer(rs.Reindex, p, log, cfg.Reindexer.Interval)
	}

	return s, nil
}

// Start brings up every component. In manual testing mode, only the peer is
// started; the caller drives staging, dispatch, and plugins explicitly.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.peer.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start peer: %w", err)
	}

	if s.cfg.Testing == config.ModeManual {
		s.running = true
		return nil
	}

	if s.stageLoop != nil {
		s.stageLoop.Start(ctx)
	}
	for _, p := range s.producers {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("supervisor: start producer: %w", err)
		}
	}
	if s.cron != nil {
		s.cron.Start(ctx)
	}
	s.pruner.Start(ctx)
	s.lifeline.Start(ctx)
	if s.reindexer != nil {
		s.reindexer.Start(ctx)
	}

	s.running = true
	s.log.Info("supervisor: started", logger.Int("queues", len(s.producers)))
	return nil
}

// Stop drains producers for up to the configured grace period, then tears
// down every other component. Jobs still executing when the grace period
// expires are left for the lifeline to rescue on the next start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	gracePeriod := s.cfg.ShutdownGracePeriod
	if gracePeriod <= 0 {
		gracePeriod = config.DefaultShutdownGracePeriod
	}
	drainCtx, cancel := context.WithTimeout(ctx, gracePeriod)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range s.producers {
		wg.Add(1)
		go func(p *producer.Producer) {
			defer wg.Done()
			p.Stop(drainCtx)
		}(p)
	}
	wg.Wait()

	// In manual mode Start ran none of these loops, and their Stop waits for
	// a loop exit that would never come.
	manual := s.cfg.Testing == config.ModeManual
	if s.stageLoop != nil {
		s.stageLoop.Stop(ctx)
	}
	if s.cron != nil && !manual {
		s.cron.Stop(ctx)
	}
	if !manual {
		s.pruner.Stop(ctx)
		s.lifeline.Stop(ctx)
	}
	if s.reindexer != nil && !manual {
		s.reindexer.Stop(ctx)
	}
	if err := s.peer.Stop(ctx); err != nil {
		s.log.Error("supervisor: stop peer failed", logger.Error(err))
	}
	if err := s.notif.Close(); err != nil {
		s.log.Error("supervisor: close notifier failed", logger.Error(err))
	}

	s.mu.Lock()
	s.running = false
	s.draining = false
	s.mu.Unlock()

	s.log.Info("supervisor: stopped")
	return nil
}

// InsertAndRun implements the `inline` testing mode: the job is inserted and
// run synchronously on the calling goroutine, bypassing the producer and
// notifier entirely, so a test observes its terminal state deterministically.
func (s *Supervisor) InsertAndRun(ctx context.Context, cs *domain.Changeset) (*store.InsertResult, error) {
	result, err := s.store.Insert(ctx, cs)
	if err != nil {
		return nil, err
	}
	if result.Conflict {
		return result, nil
	}
	if err := s.exec.Run(ctx, result.Job); err != nil {
		return result, err
	}
	return result, nil
}

// Health is a point-in-time snapshot for the admin /healthz surface.
type Health struct {
	Running  bool
	IsLeader bool
	Draining bool
	Queues   []producer.Stats
}

// Health returns the current snapshot.
func (s *Supervisor) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{Running: s.running, Draining: s.draining, IsLeader: s.peer.IsLeader()}
	for _, p := range s.producers {
		h.Queues = append(h.Queues, p.Stats())
	}
	return h
}

// Producer returns the producer for queue, if configured, for admin
// pause/resume/scale calls.
func (s *Supervisor) Producer(queue string) (*producer.Producer, bool) {
	p, ok := s.producers[queue]
	return p, ok
}

// Store exposes the underlying store for the admin surface's direct
// operations (retry_job, get_job, check_queue, cancel_job).
func (s *Supervisor) Store() store.Store { return s.store }

// Notifier exposes the underlying notifier so the admin surface can publish
// signal events (pause/resume/scale/cancel) that reach every node's producer.
func (s *Supervisor) Notifier() notifier.Notifier { return s.notif }

func newStageLoop(st store.Store, notif notifier.Notifier, log logger.Logger, cfg config.StageConfig) *stage.Loop {
	return stage.New(st, notif, log, cfg.Interval, cfg.Limit, cfg.Queues)
}
