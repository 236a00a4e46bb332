package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleRalphGet(c *gin.Context) {
	st, err := s.core.RalphState(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ralph": st})
}

type ralphConfigureRequest struct {
	CompletionPhrase string `json:"completion_phrase"`
	MaxIterations    int    `json:"max_iterations,omitempty"`
}

func (s *Server) handleRalphConfigure(c *gin.Context) {
	var req ralphConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}
	if req.CompletionPhrase == "" {
		badRequest(c, "validation_failed", "completion_phrase is required")
		return
	}
	if req.MaxIterations < 0 {
		badRequest(c, "validation_failed", "max_iterations must not be negative")
		return
	}
	if err := s.core.RalphConfigure(c.Param("id"), req.CompletionPhrase, req.MaxIterations); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": true})
}

type ralphPhraseRequest struct {
	Phrase string `json:"phrase"`
}

func (s *Server) handleRalphAddPhrase(c *gin.Context) {
	var req ralphPhraseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Phrase == "" {
		badRequest(c, "validation_failed", "phrase is required")
		return
	}
	if err := s.core.RalphAddPhrase(c.Param("id"), req.Phrase); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": true})
}

func (s *Server) handleRalphRemovePhrase(c *gin.Context) {
	var req ralphPhraseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Phrase == "" {
		badRequest(c, "validation_failed", "phrase is required")
		return
	}
	if err := s.core.RalphRemovePhrase(c.Param("id"), req.Phrase); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}
