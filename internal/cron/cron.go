// Package cron inserts jobs on a schedule, on the leader only (§4.8).
// Expressions are parsed once at configuration time with robfig/cron's
// standard 5-field parser, the same grammar crawler's DBScheduler uses
// (github.com/robfig/cron/v3, Minute|Hour|Dom|Month|Dow) — but unlike
// DBScheduler, which hands control to cron.Cron's own goroutine, we drive a
// tick loop ourselves so every fire can be gated on current leadership and
// deduplicated through the store's uniqueness check rather than trusting
// the library to run exactly once across a cluster.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/jobqueue/internal/domain"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/peer"
	"github.com/jonesrussell/jobqueue/internal/store"
	"github.com/jonesrussell/jobqueue/internal/uniqueness"
)

// DefaultDedupeWindow is the uniqueness period applied to cron-inserted
// jobs: a second insert of the same worker, queue and args within 59s of
// the first returns the existing job instead. The window is shorter than an
// hour, so it does not absorb a second match of a schedule in a DST
// fall-back's repeated hour.
const DefaultDedupeWindow = 59 * time.Second

// DefaultTickInterval is how often the scheduler wakes to check entries.
// Standard cron expressions only ever fire on a minute boundary, so this is
// the coarsest interval that never misses one.
const DefaultTickInterval = time.Minute

// parser is the shared 5-field grammar: minute hour dom month dow, plus the
// usual @yearly/@monthly/... aliases. @reboot is handled by NewEntry before
// the parser is reached.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry is one schedule-to-job binding, resolved once at configuration
// time into a parsed cron.Schedule (or flagged as @reboot).
type Entry struct {
	Expression string
	Queue      string
	Worker     string
	Args       map[string]any

	reboot   bool
	schedule cron.Schedule
	next     time.Time
}

// NewEntry parses expr once; returns an error immediately for a malformed
// expression rather than deferring the failure to the first tick.
func NewEntry(expr, queue, worker string, args map[string]any) (Entry, error) {
	e := Entry{Expression: expr, Queue: queue, Worker: worker, Args: args}

	if expr == "@reboot" {
		e.reboot = true
		return e, nil
	}

	schedule, err := parser.Parse(expr)
	if err != nil {
		return Entry{}, fmt.Errorf("cron: invalid expression %q for worker %q: %w", expr, worker, err)
	}
	e.schedule = schedule
	return e, nil
}

// Scheduler ticks once a minute, inserting a job for every entry due since
// its last check, but only while this node holds leadership.
type Scheduler struct {
	entries      []Entry
	st           store.Store
	peer         peer.Peer
	log          logger.Logger
	dedupeWindow time.Duration
	tickInterval time.Duration

	rebootDone bool
	mu         sync.Mutex

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a scheduler. peer is consulted on every tick; a tick on a
// node that isn't leader does nothing, so an entry that came due meanwhile
// fires once on the first tick after this node becomes leader.
func New(entries []Entry, st store.Store, p peer.Peer, log logger.Logger) *Scheduler {
	now := time.Now()
	for i := range entries {
		if !entries[i].reboot {
			entries[i].next = entries[i].schedule.Next(now)
		}
	}
	return &Scheduler{
		entries:      entries,
		st:           st,
		peer:         p,
		log:          log,
		dedupeWindow: DefaultDedupeWindow,
		tickInterval: DefaultTickInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !s.peer.IsLeader() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		e := &s.entries[i]

		if e.reboot {
			if !s.rebootDone {
				s.rebootDone = true
				s.fire(ctx, e)
			}
			continue
		}

		if !now.Before(e.next) {
			s.fire(ctx, e)
			e.next = e.schedule.Next(now)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *Entry) {
	cs, err := domain.NewChangeset(e.Queue, e.Worker, e.Args)
	if err != nil {
		s.log.Error("cron: invalid entry", logger.String("worker", e.Worker), logger.String("expression", e.Expression), logger.Error(err))
		return
	}
	cs.Unique = &domain.UniqueOpts{
		Period:   s.dedupeWindow,
		Fields:   uniqueness.DefaultFields,
		StateSet: uniqueness.GroupAll,
	}

	result, err := s.st.Insert(ctx, cs)
	if err != nil {
		s.log.Error("cron: insert failed", logger.String("worker", e.Worker), logger.String("expression", e.Expression), logger.Error(err))
		return
	}

	if result.Conflict {
		s.log.Debug("cron: fire deduped", logger.String("worker", e.Worker), logger.String("expression", e.Expression))
		return
	}
	s.log.Info("cron: fired", logger.String("worker", e.Worker), logger.String("queue", e.Queue),
		logger.String("expression", e.Expression), logger.Int64("job_id", result.Job.ID))
}

// Stop halts the tick loop.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
	case <-ctx.Done():
	}
}
