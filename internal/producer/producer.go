// Package producer maintains per-queue demand (§4.5): it listens for insert
// and signal notifications, fetches batches of available jobs up to its
// limit, and launches one executor run per job. Concurrency is bounded by a
// running-job counter rather than a fixed-capacity channel, since scale
// signals change the limit at runtime (crawler's worker.Pool, by contrast,
// sizes its semaphore once at construction because its pool size is fixed).
package producer

import (
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/jobqueue/internal/domain"
	"github.com/jonesrussell/jobqueue/internal/executor"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/store"
)

// DefaultCooldown is the minimum interval between successive fetch_jobs
// calls for one queue, per §4.5.
const DefaultCooldown = 5 * time.Millisecond

// DefaultPollInterval matches stage_interval's default. The refresh_timer
// tick is the producer's half of local mode (§4.4): it fetches newly
// available rows on its own schedule, so dispatch never depends solely on
// an insert notification arriving.
const DefaultPollInterval = time.Second

// Stats is a point-in-time snapshot of a producer's demand state, used by
// the admin health surface.
type Stats struct {
	Queue        string
	Limit        int
	RunningCount int
	Paused       bool
}

// Producer owns the fetch-and-dispatch loop for a single queue.
type Producer struct {
	queue    string
	node     string
	st       store.Store
	notif    notifier.Notifier
	exec     *executor.Executor
	log      logger.Logger
	cooldown time.Duration
	poll     time.Duration

	mu           sync.Mutex
	limit        int
	runningCount int
	paused       bool
	pendingTimer *time.Timer
	lastDispatch time.Time
	tracked      map[int64]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a producer for queue, not yet started.
func New(queue, node string, limit int, paused bool, st store.Store, notif notifier.Notifier, exec *executor.Executor, log logger.Logger) *Producer {
	return &Producer{
		queue:    queue,
		node:     node,
		st:       st,
		notif:    notif,
		exec:     exec,
		log:      log,
		cooldown: DefaultCooldown,
		poll:     DefaultPollInterval,
		limit:    limit,
		paused:   paused,
		tracked:  make(map[int64]context.CancelFunc),
	}
}

// SetPollInterval overrides the refresh_timer cadence; call before Start.
func (p *Producer) SetPollInterval(d time.Duration) {
	if d > 0 {
		p.poll = d
	}
}

// Start registers for insert/signal notifications, issues an initial
// dispatch if the producer isn't paused, and starts the refresh_timer poll
// loop so dispatch never depends solely on a notification arriving.
func (p *Producer) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if err := p.notif.Listen(p.ctx, notifier.ChannelInsert, p.handleInsert); err != nil {
		return err
	}
	if err := p.notif.Listen(p.ctx, notifier.ChannelSignal, p.handleSignal); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.pollLoop()

	p.mu.Lock()
	shouldDispatch := !p.paused && p.limit > 0
	p.mu.Unlock()
	if shouldDispatch {
		p.scheduleDispatch()
	}
	return nil
}

// pollLoop is the refresh_timer of §4.5: it ticks at roughly stage_interval
// cadence so a missed or never-sent insert notification (local mode, §4.4)
// doesn't stall dispatch of newly available rows.
func (p *Producer) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.scheduleDispatch()
		}
	}
}

// Stop cancels in-flight job contexts' parent and waits for running jobs to
// return, bounded by ctx.
func (p *Producer) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("producer: stop timed out waiting for running jobs", logger.String("queue", p.queue))
	}
}

// Stats returns a point-in-time snapshot.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Queue: p.queue, Limit: p.limit, RunningCount: p.runningCount, Paused: p.paused}
}

func (p *Producer) handleInsert(payload []byte) {
	ev, err := notifier.DecodeInsert(payload)
	if err != nil {
		p.log.Warn("producer: malformed insert payload", logger.String("queue", p.queue), logger.Error(err))
		return
	}
	if ev.Queue == p.queue {
		p.scheduleDispatch()
	}
}

func (p *Producer) handleSignal(payload []byte) {
	ev, err := notifier.DecodeSignal(payload)
	if err != nil {
		p.log.Warn("producer: malformed signal payload", logger.String("queue", p.queue), logger.Error(err))
		return
	}

	if ev.Action == notifier.ActionCancel {
		p.handleCancel(ev.JobID)
		return
	}

	if ev.Queue != p.queue {
		return
	}

	switch ev.Action {
	case notifier.ActionPause:
		p.Pause()
	case notifier.ActionResume:
		p.Resume()
	case notifier.ActionScale:
		p.Scale(ev.Limit)
	}
}

func (p *Producer) handleCancel(jobID int64) {
	p.mu.Lock()
	cancel, ok := p.tracked[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Pause stops this producer from dispatching further jobs on this node.
// Exported so the admin surface's local_only operations can apply it
// directly, without round-tripping through the notifier.
func (p *Producer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.log.Info("producer: paused", logger.String("queue", p.queue))
}

// Resume re-enables dispatch on this node and kicks off an immediate check.
func (p *Producer) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.log.Info("producer: resumed", logger.String("queue", p.queue))
	p.scheduleDispatch()
}

// Scale changes this node's concurrency limit for the queue.
func (p *Producer) Scale(limit int) {
	p.mu.Lock()
	p.limit = limit
	p.mu.Unlock()
	p.log.Info("producer: scaled", logger.String("queue", p.queue), logger.Int("limit", limit))
	p.scheduleDispatch()
}

// CancelJob cancels a tracked job's context if it is running on this node.
func (p *Producer) CancelJob(jobID int64) {
	p.handleCancel(jobID)
}

// scheduleDispatch debounces dispatch calls to respect the cooldown,
// coalescing a burst of notifications into a single fetch.
func (p *Producer) scheduleDispatch() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pendingTimer != nil {
		return
	}

	wait := p.cooldown - time.Since(p.lastDispatch)
	if wait < 0 {
		wait = 0
	}
	p.pendingTimer = time.AfterFunc(wait, func() {
		p.mu.Lock()
		p.pendingTimer = nil
		p.mu.Unlock()
		p.dispatch()
	})
}

func (p *Producer) dispatch() {
	p.mu.Lock()
	if p.paused {
		p.mu.Unlock()
		return
	}
	demand := p.limit - p.runningCount
	if demand <= 0 {
		p.mu.Unlock()
		return
	}
	p.lastDispatch = time.Now()
	p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}

	jobs, err := p.st.FetchJobs(p.ctx, p.queue, demand, p.node)
	if err != nil {
		p.log.Error("producer: fetch_jobs failed", logger.String("queue", p.queue), logger.Error(err))
		return
	}

	for _, job := range jobs {
		p.launch(job)
	}
}

func (p *Producer) launch(job *domain.Job) {
	jobCtx, cancel := context.WithCancel(p.ctx)

	p.mu.Lock()
	p.runningCount++
	p.tracked[job.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		if err := p.exec.Run(jobCtx, job); err != nil {
			p.log.Error("producer: executor run failed", logger.String("queue", p.queue),
				logger.Int64("job_id", job.ID), logger.Error(err))
		}

		p.mu.Lock()
		delete(p.tracked, job.ID)
		p.runningCount--
		hasDemand := p.limit-p.runningCount > 0
		paused := p.paused
		p.mu.Unlock()

		if hasDemand && !paused {
			p.scheduleDispatch()
		}
	}()
}
