package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// keepaliveInterval is how often an SSE comment is written to hold
// idle connections open through proxies.
const keepaliveInterval = 25 * time.Second

// handleEvents streams the fanout hub over SSE. The first frame is the
// full state snapshot; everything after is incremental.
func (s *Server) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "streaming_unsupported", "message": "streaming unsupported"})
		return
	}

	client := s.core.Hub().Register()
	defer s.core.Hub().Unregister(client)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-client.Done():
			return
		case payload := <-client.Recv():
			if _, err := c.Writer.Write(payload); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := c.Writer.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type hookEventRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload,omitempty"`
}

// handleHookEvent ingests an agent hook notification. The endpoint is
// loopback-only and carries no cookie; agent hooks fire from the same
// machine.
func (s *Server) handleHookEvent(c *gin.Context) {
	var req hookEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}
	if req.Kind == "" {
		badRequest(c, "validation_failed", "kind is required")
		return
	}
	s.core.IngestHookEvent(req.SessionID, req.Kind, req.Payload)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}
