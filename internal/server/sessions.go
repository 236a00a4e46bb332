package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/codeman/codeman/internal/respawn"
	"github.com/codeman/codeman/internal/supervisor"
)

type createSessionRequest struct {
	Name       string            `json:"name,omitempty"`
	WorkingDir string            `json:"working_dir"`
	Command    []string          `json:"command,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Respawn    *respawn.Config   `json:"respawn,omitempty"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.core.ListSessions()})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}

	if err := validateName(req.Name); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}
	if err := validateWorkingDir(req.WorkingDir); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}
	if err := validateCommand(req.Command); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}
	if err := validateEnv(req.Env, s.cfg.Agent.EnvAllowPrefixes); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}

	info, err := s.core.CreateSession(supervisor.CreateOptions{
		Name:       req.Name,
		WorkingDir: req.WorkingDir,
		Command:    req.Command,
		Env:        req.Env,
		Respawn:    req.Respawn,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": info})
}

func (s *Server) handleGetSession(c *gin.Context) {
	info, err := s.core.GetSession(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": info})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.core.DeleteSession(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleStopSession(c *gin.Context) {
	if err := s.core.StopSession(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

type sendInputRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendInput(c *gin.Context) {
	var req sendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}
	if err := validateInput(req.Text); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}
	if err := s.core.SendInput(c.Param("id"), req.Text); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(c *gin.Context) {
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}
	if err := validateDims(req.Cols, req.Rows); err != nil {
		badRequest(c, "validation_failed", err.Error())
		return
	}
	if err := s.core.Resize(c.Param("id"), req.Cols, req.Rows); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resized": true})
}

func (s *Server) handleMessages(c *gin.Context) {
	messages, err := s.core.Messages(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleOutput(c *gin.Context) {
	n, _ := strconv.Atoi(c.Query("bytes"))
	tail, err := s.core.RawTail(c.Param("id"), clampTail(n))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", tail)
}

// handlePane returns the multiplexer's view of the session pane. Useful
// right after a restart, when the in-process buffers are still empty.
func (s *Server) handlePane(c *gin.Context) {
	lines, _ := strconv.Atoi(c.Query("lines"))
	if lines <= 0 || lines > 10000 {
		lines = 2000
	}
	pane, err := s.core.CapturePane(c.Param("id"), lines)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", pane)
}
