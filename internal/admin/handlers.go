package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"throttleq/internal/history"
	"throttleq/internal/task/engine"
	"throttleq/internal/task/trigger"
	logx "throttleq/pkg/logx"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// HistoryReader is the read side of a history store.
type HistoryReader interface {
	Recent(ctx context.Context, n int) ([]history.Run, error)
}

type statusResponse struct {
	Scheduler engine.Snapshot        `json:"scheduler"`
	Pending   []string               `json:"pending"`
	Schedules []trigger.ScheduleInfo `json:"schedules,omitempty"`
	Time      time.Time              `json:"time"`
}

func (s *Server) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) status(c *gin.Context) {
	if s.deps.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not running"})
		return
	}
	resp := statusResponse{
		Scheduler: s.deps.Scheduler.Snapshot(),
		Pending:   s.deps.Scheduler.Pending(),
		Time:      time.Now(),
	}
	if s.deps.Schedules != nil {
		resp.Schedules = s.deps.Schedules()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) history(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	n := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		n = min(v, maxHistoryLimit)
	}
	runs, err := s.deps.History.Recent(c.Request.Context(), n)
	if err != nil {
		s.log.Error("history read failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history read failed"})
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) runJob(c *gin.Context) {
	name := c.Param("name")
	if s.deps.RunJob == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "jobs unavailable"})
		return
	}
	if err := s.deps.RunJob(name); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.log.Warn("job enqueue failed", logx.String("job", name), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("job enqueued via admin", logx.String("job", name))
	c.JSON(http.StatusAccepted, gin.H{"enqueued": name})
}

func (s *Server) stop(c *gin.Context) {
	if s.deps.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not running"})
		return
	}
	dropped := s.deps.Scheduler.Snapshot().Backlog
	s.deps.Scheduler.Stop()
	s.log.Info("scheduler stopped via admin", logx.Int("backlog", dropped))
	c.JSON(http.StatusOK, gin.H{"stopped": true, "backlog": dropped})
}
