package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeman/codeman/internal/respawn"
)

func (s *Server) handleRespawnGet(c *gin.Context) {
	snap, err := s.core.RespawnSnapshot(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"respawn": snap})
}

func (s *Server) handleRespawnStart(c *gin.Context) {
	var cfg *respawn.Config
	if c.Request.ContentLength > 0 {
		var body respawn.Config
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, "invalid_request", "invalid request: "+err.Error())
			return
		}
		cfg = &body
	}
	if err := s.core.RespawnStart(c.Param("id"), cfg); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": true})
}

func (s *Server) handleRespawnStop(c *gin.Context) {
	if err := s.core.RespawnStop(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleRespawnConfig(c *gin.Context) {
	var cfg respawn.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}
	if err := s.core.RespawnUpdateConfig(c.Param("id"), cfg); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	if err := s.core.ResetBreaker(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// handleSessionHistory returns the recorded respawn cycles and breaker
// transitions for one session.
func (s *Server) handleSessionHistory(c *gin.Context) {
	hist := s.core.History()
	if hist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "history_disabled", "message": "history disabled"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	id := c.Param("id")
	cycles, err := hist.CyclesForSession(ctx, id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	transitions, err := hist.BreakerTransitionsForSession(ctx, id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cycles":              cycles,
		"breaker_transitions": transitions,
	})
}

// handleRecentHookEvents returns the latest ingested hook events across
// all sessions, newest first.
func (s *Server) handleRecentHookEvents(c *gin.Context) {
	hist := s.core.History()
	if hist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "history_disabled", "message": "history disabled"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	events, err := hist.RecentHookEvents(ctx, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hook_events": events})
}
