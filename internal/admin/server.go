// Package admin exposes the supervisor's public surface (§6) over HTTP using
// gin, following the teacher's internal/api handler style: thin handlers that
// decode the request, call one collaborator method, and respond with gin.H.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/jobqueue/internal/config"
	"github.com/jonesrussell/jobqueue/internal/domain"
	joberrors "github.com/jonesrussell/jobqueue/internal/errors"
	"github.com/jonesrussell/jobqueue/internal/logger"
	"github.com/jonesrussell/jobqueue/internal/notifier"
	"github.com/jonesrussell/jobqueue/internal/producer"
	"github.com/jonesrussell/jobqueue/internal/store"
	"github.com/jonesrussell/jobqueue/internal/supervisor"
)

// Server wraps a gin.Engine bound to a Supervisor and the running config.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	sup    *supervisor.Supervisor
	cfg    *config.Config
	log    logger.Logger
}

// New builds the admin server's routes but does not start listening.
func New(cfg *config.Config, sup *supervisor.Supervisor, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, sup: sup, cfg: cfg, log: log}
	s.registerRoutes()

	s.http = &http.Server{
		Addr:         cfg.Admin.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/config", s.getConfig)

	jobs := s.engine.Group("/jobs")
	jobs.POST("", s.insertJob)
	jobs.GET("/:id", s.getJob)
	jobs.POST("/:id/cancel", s.cancelJob)
	jobs.POST("/:id/retry", s.retryJob)

	queues := s.engine.Group("/queues")
	queues.GET("/:queue", s.checkQueue)
	queues.POST("/:queue/pause", s.pauseQueue)
	queues.POST("/:queue/resume", s.resumeQueue)
	queues.POST("/:queue/scale", s.scaleQueue)
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin: server failed", logger.Error(err))
		}
	}()
	s.log.Info("admin: listening", logger.String("address", s.cfg.Admin.Address))
}

// Stop gracefully shuts the HTTP server down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	h := s.sup.Health()
	status := http.StatusOK
	if !h.Running {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"running":   h.Running,
		"is_leader": h.IsLeader,
		"draining":  h.Draining,
		"queues":    h.Queues,
	})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node":                  s.cfg.Node,
		"driver":                s.cfg.Driver,
		"queues":                s.cfg.Queues,
		"shutdown_grace_period": s.cfg.ShutdownGracePeriod,
		"stage_interval":        s.cfg.Stage.Interval,
	})
}

type insertJobRequest struct {
	Queue       string         `json:"queue" binding:"required"`
	Worker      string         `json:"worker" binding:"required"`
	Args        map[string]any `json:"args"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

func (s *Server) insertJob(c *gin.Context) {
	var req insertJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cs, err := domain.NewChangeset(req.Queue, req.Worker, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Priority != 0 {
		cs.Priority = req.Priority
	}
	if req.MaxAttempts != 0 {
		cs.MaxAttempts = req.MaxAttempts
	}
	if req.ScheduledAt != nil {
		cs.ScheduledAt = *req.ScheduledAt
	}

	var result *store.InsertResult
	if s.cfg.Testing == config.ModeInline {
		result, err = s.sup.InsertAndRun(c.Request.Context(), cs)
	} else {
		result, err = s.sup.Store().Insert(c.Request.Context(), cs)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusCreated
	if result.Conflict {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"job": result.Job, "conflict": result.Conflict})
}

func (s *Server) getJob(c *gin.Context) {
	id, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.sup.Store().GetJob(c.Request.Context(), id)
	if err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	id, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if localOnly(c) {
		if job, err := s.sup.Store().GetJob(c.Request.Context(), id); err == nil {
			if p, ok := s.sup.Producer(job.Queue); ok {
				p.CancelJob(id)
			}
		}
	} else if err := s.sup.Notifier().Notify(c.Request.Context(), notifier.ChannelSignal,
		notifier.SignalEvent{Action: notifier.ActionCancel, JobID: id}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.sup.Store().CancelJob(c.Request.Context(), id); err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) retryJob(c *gin.Context) {
	id, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.Store().RetryJob(c.Request.Context(), id); err != nil {
		respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) checkQueue(c *gin.Context) {
	queue := c.Param("queue")
	runningCount, err := s.sup.Store().CheckQueue(c.Request.Context(), queue)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"queue": queue, "running_count": runningCount}
	if p, ok := s.sup.Producer(queue); ok {
		stats := p.Stats()
		resp["limit"] = stats.Limit
		resp["paused"] = stats.Paused
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) pauseQueue(c *gin.Context) {
	s.applyQueueSignal(c, notifier.ActionPause, 0)
}

func (s *Server) resumeQueue(c *gin.Context) {
	s.applyQueueSignal(c, notifier.ActionResume, 0)
}

type scaleRequest struct {
	Limit int `json:"limit" binding:"required"`
}

func (s *Server) scaleQueue(c *gin.Context) {
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.applyQueueSignal(c, notifier.ActionScale, req.Limit)
}

func (s *Server) applyQueueSignal(c *gin.Context, action notifier.SignalAction, limit int) {
	queue := c.Param("queue")

	if localOnly(c) {
		p, ok := s.sup.Producer(queue)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("queue %q not configured", queue)})
			return
		}
		applyLocal(p, action, limit)
		c.JSON(http.StatusOK, gin.H{"ok": true, "local_only": true})
		return
	}

	ev := notifier.SignalEvent{Action: action, Queue: queue, Limit: limit}
	if err := s.sup.Notifier().Notify(c.Request.Context(), notifier.ChannelSignal, ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "local_only": false})
}

func applyLocal(p *producer.Producer, action notifier.SignalAction, limit int) {
	switch action {
	case notifier.ActionPause:
		p.Pause()
	case notifier.ActionResume:
		p.Resume()
	case notifier.ActionScale:
		p.Scale(limit)
	}
}

func localOnly(c *gin.Context) bool {
	return c.Query("local_only") == "true"
}

func parseJobID(c *gin.Context) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(c.Param("id"), "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid job id %q", c.Param("id"))
	}
	return id, nil
}

func respondStoreErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, joberrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, joberrors.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
