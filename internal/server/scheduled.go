package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type createScheduledRequest struct {
	Prompt          string `json:"prompt"`
	WorkingDir      string `json:"working_dir"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (s *Server) handleListScheduled(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scheduled": s.core.Scheduler().List()})
}

func (s *Server) handleCreateScheduled(c *gin.Context) {
	var req createScheduledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}
	if err := validatePrompt(req.Prompt); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}
	if err := validateWorkingDir(req.WorkingDir); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}
	if err := validateDuration(req.DurationMinutes); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}

	run, err := s.core.Scheduler().Create(req.Prompt, req.WorkingDir, req.DurationMinutes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run": run})
}

func (s *Server) handleGetScheduled(c *gin.Context) {
	run, err := s.core.Scheduler().Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleStopScheduled(c *gin.Context) {
	if err := s.core.Scheduler().Stop(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}
