package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tpsl-core/internal/position"
	"tpsl-core/pkg/db"
)

func (s *Server) getSystemHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.GetSystemHealth())
}

func (s *Server) getSystemStats(c *gin.Context) {
	queueStats, err := s.queue.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime":            s.manager.GetUptime().String(),
		"last_health_check": s.manager.GetLastHealthCheck(),
		"pricing":           s.pricing.GetStats(),
		"queue":             queueStats,
		"worker":            s.worker.Stats(),
		"closure":           s.closer.Stats(),
		"events_dropped":    s.bus.Dropped(),
	})
}

func (s *Server) getUptime(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime":     s.manager.GetUptime().String(),
		"uptime_sec": s.manager.GetUptime().Seconds(),
	})
}

// shutdownSystem drains gracefully and then exits. The response is sent
// before the drain starts so the caller is not cut off mid-request.
func (s *Server) shutdownSystem(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting down"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.manager.Shutdown(ctx); err != nil {
			s.log.Error("graceful shutdown failed", zap.Error(err))
		}
	}()
}

func (s *Server) emergencyStop(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "emergency stop"})
	go s.manager.EmergencyStop()
}

func (s *Server) getQueueStats(c *gin.Context) {
	stats, err := s.queue.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":     stats,
		"healthy":   s.queue.Healthy(),
		"completed": s.queue.CompletedHistory(),
		"failed":    s.queue.FailedHistory(),
	})
}

func (s *Server) pauseQueue(c *gin.Context) {
	s.queue.Pause()
	s.log.Warn("queue paused by operator", zap.String("request_id", c.GetString(requestIDKey)))
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeQueue(c *gin.Context) {
	s.queue.Resume()
	s.log.Info("queue resumed by operator", zap.String("request_id", c.GetString(requestIDKey)))
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

type jobView struct {
	ID        string                  `json:"id"`
	DealID    string                  `json:"deal_id"`
	Order     position.MonitoredOrder `json:"order"`
	Priority  int                     `json:"priority"`
	State     string                  `json:"state"`
	Attempts  int                     `json:"attempts"`
	LastError string                  `json:"last_error,omitempty"`
	NextRunAt time.Time               `json:"next_run_at"`
	ExpiresAt time.Time               `json:"expires_at"`
}

func toJobView(j db.Job) jobView {
	v := jobView{
		ID:        j.ID,
		DealID:    j.DealID,
		Priority:  j.Priority,
		State:     j.State,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		NextRunAt: j.NextRunAt,
		ExpiresAt: j.ExpiresAt,
	}
	// A payload that fails to decode still shows the job's envelope.
	_ = json.Unmarshal(j.Payload, &v.Order)
	return v
}

func (s *Server) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	jobs, err := s.store.ListJobs(c.Request.Context(), c.Query("state"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views, "count": len(views)})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toJobView(*job))
}

func (s *Server) removeOrder(c *gin.Context) {
	dealID := c.Param("dealId")
	existed := s.manager.RemoveOrderFromMonitoring(c.Request.Context(), dealID, c.Query("symbol"))
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "no monitoring for deal", "deal_id": dealID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "deal_id": dealID})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.store.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]position.DeadLetterEntry, 0, len(entries))
	for _, e := range entries {
		view := position.DeadLetterEntry{JobID: e.ID, Error: e.Error, FailedAt: e.FailedAt}
		_ = json.Unmarshal(e.Payload, &view.Order)
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"entries": views, "count": len(views)})
}

// requeueDeadLetter re-admits a dead-lettered order to monitoring and, on
// success, removes it from the dead-letter store.
func (s *Server) requeueDeadLetter(c *gin.Context) {
	ctx := c.Request.Context()
	entry, err := s.store.GetDeadLetter(ctx, c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var order position.MonitoredOrder
	if err := json.Unmarshal(entry.Payload, &order); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "corrupt dead letter payload"})
		return
	}
	if !s.manager.AddOrderToMonitoring(ctx, order) {
		c.JSON(http.StatusConflict, gin.H{"error": "re-admission failed", "deal_id": order.DealID})
		return
	}
	if _, err := s.store.DeleteDeadLetter(ctx, entry.ID); err != nil {
		s.log.Error("dead letter cleanup after requeue failed",
			zap.String("id", entry.ID), zap.Error(err))
	}
	s.log.Info("dead letter requeued", zap.String("deal_id", order.DealID))
	c.JSON(http.StatusOK, gin.H{"status": "requeued", "deal_id": order.DealID})
}

func (s *Server) deleteDeadLetter(c *gin.Context) {
	existed, err := s.store.DeleteDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) getClosureErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"errors": s.closer.RecentErrors(),
		"stats":  s.closer.Stats(),
	})
}

func (s *Server) getClosureHistory(c *gin.Context) {
	history, err := s.ledger.History(c.Request.Context(), c.Param("dealId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closures": history, "count": len(history)})
}
