// Package stage implements the staging loop (§4.4): on every tick, promote
// due scheduled/retryable rows to available and fan out one insert
// notification per affected queue.
package stage

import (
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// DefaultInterval and DefaultLimit match §6's configuration defaults.
const (
	DefaultInterval = time.Second
	DefaultLimit    = 5000
)

// Loop runs the staging tick on its own goroutine. It is safe to run
// concurrently on every node: stage_jobs is atomic, so concurrent tickers
// never double-stage a row (testable property 6, idempotence).
type Loop struct {
	store    store.Store
	notif    notifier.Notifier
	log      logger.Logger
	interval time.Duration
	limit    int
	queues   []string

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a staging loop. queues, if non-empty, restricts staging to
// those queues; an empty slice stages every queue.
func New(st store.Store, notif notifier.Notifier, log logger.Logger, interval time.Duration, limit int, queues []string) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Loop{
		store:    st,
		notif:    notif,
		log:      log,
		interval: interval,
		limit:    limit,
		queues:   queues,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
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
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	batches, err := l.store.StageJobs(ctx, l.queues, l.limit)
	if err != nil {
		l.log.Error("stager: stage_jobs failed", logger.Error(err))
		return
	}

	staged := 0
	for _, b := range batches {
		staged += len(b.IDs)
		if l.notif != nil {
			if err := notifier.PublishInsert(ctx, l.notif, b.Queue); err != nil {
				l.log.Warn("stager: publish insert failed", logger.String("queue", b.Queue), logger.Error(err))
			}
		}
	}

	l.log.Debug("stager: stop", logger.Int("staged_count", staged))
}

// Stop halts the loop and waits for the in-flight tick, if any, to finish.
func (l *Loop) Stop(ctx context.Context) {
	l.stopOnce.Do(func() { close(l.stopCh) })
	select {
	case <-l.doneCh:
	case <-ctx.Done():
	}
}
