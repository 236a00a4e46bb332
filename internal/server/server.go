// Package server exposes codeman's HTTP surface: the REST API, the SSE
// event stream, and the websocket terminal attach.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/config"
	"github.com/codeman/codeman/internal/common/httpmw"
	"github.com/codeman/codeman/internal/common/logger"
	"github.com/codeman/codeman/internal/fanout"
	"github.com/codeman/codeman/internal/history"
	"github.com/codeman/codeman/internal/ralph"
	"github.com/codeman/codeman/internal/respawn"
	"github.com/codeman/codeman/internal/scheduler"
	"github.com/codeman/codeman/internal/session"
	"github.com/codeman/codeman/internal/supervisor"
)

// Core is the supervisor surface the HTTP handlers drive.
type Core interface {
	CreateSession(opts supervisor.CreateOptions) (session.Info, error)
	ListSessions() []session.Info
	GetSession(id string) (session.Info, error)
	StopSession(id string) error
	DeleteSession(id string) error
	SendInput(id, text string) error
	WriteRaw(id string, data []byte) error
	Resize(id string, cols, rows int) error
	Messages(id string) ([]session.Message, error)
	RawTail(id string, n int) ([]byte, error)
	CapturePane(id string, lines int) ([]byte, error)
	TapOutput(id string, fn func([]byte)) (func(), error)

	RespawnStart(id string, cfg *respawn.Config) error
	RespawnStop(id string) error
	RespawnSnapshot(id string) (respawn.Snapshot, error)
	RespawnUpdateConfig(id string, cfg respawn.Config) error
	ResetBreaker(id string) error

	RalphState(id string) (ralph.State, error)
	RalphConfigure(id, phrase string, maxIterations int) error
	RalphAddPhrase(id, phrase string) error
	RalphRemovePhrase(id, phrase string) error

	IngestHookEvent(sessionID, kind, payload string)

	Hub() *fanout.Hub
	Scheduler() *scheduler.Scheduler
	History() *history.Store
}

// Server is the codeman HTTP API server.
type Server struct {
	cfg    *config.Config
	core   Core
	auth   *authManager
	logger *logger.Logger
	router *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, core Core, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		core:   core,
		auth:   newAuthManager(cfg.Auth),
		logger: log.WithComponent("server"),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Cookie auth guards the upgrade; origins stay open for
				// local tooling.
				return true
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "codeman"))
	s.router.Use(httpmw.OtelTracing("codeman"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/api/auth/login", s.handleLogin)
	s.router.POST("/api/auth/logout", s.handleLogout)
	s.router.GET("/api/auth/status", s.handleAuthStatus)

	// Agent hooks post from the local machine and carry no cookie.
	s.router.POST("/api/hook-event", loopbackOnly(), s.handleHookEvent)

	api := s.router.Group("/api", s.auth.middleware())
	{
		api.GET("/sessions", s.handleListSessions)
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
		api.POST("/sessions/:id/stop", s.handleStopSession)
		api.POST("/sessions/:id/input", s.handleSendInput)
		api.POST("/sessions/:id/resize", s.handleResize)
		api.GET("/sessions/:id/messages", s.handleMessages)
		api.GET("/sessions/:id/output", s.handleOutput)
		api.GET("/sessions/:id/pane", s.handlePane)

		api.GET("/sessions/:id/respawn", s.handleRespawnGet)
		api.POST("/sessions/:id/respawn/start", s.handleRespawnStart)
		api.POST("/sessions/:id/respawn/stop", s.handleRespawnStop)
		api.PUT("/sessions/:id/respawn/config", s.handleRespawnConfig)
		api.POST("/sessions/:id/respawn/reset-breaker", s.handleResetBreaker)

		api.GET("/sessions/:id/ralph", s.handleRalphGet)
		api.POST("/sessions/:id/ralph/configure", s.handleRalphConfigure)
		api.POST("/sessions/:id/ralph/phrases", s.handleRalphAddPhrase)
		api.DELETE("/sessions/:id/ralph/phrases", s.handleRalphRemovePhrase)

		api.GET("/sessions/:id/history", s.handleSessionHistory)
		api.GET("/hook-events", s.handleRecentHookEvents)

		api.GET("/scheduled", s.handleListScheduled)
		api.POST("/scheduled", s.handleCreateScheduled)
		api.GET("/scheduled/:id", s.handleGetScheduled)
		api.POST("/scheduled/:id/stop", s.handleStopScheduled)

		api.GET("/events", s.handleEvents)
	}

	s.router.GET("/ws/sessions/:id", s.auth.middleware(), s.handleTerminalWS)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HTTPServer wraps the router in an http.Server configured from the
// server section. Callers own graceful shutdown.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Server.Host + ":" + strconv.Itoa(s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}
}

func (s *Server) errStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, supervisor.ErrSessionNotFound), errors.Is(err, scheduler.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrMultiline), errors.Is(err, session.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errCode is the machine-readable error kind clients dispatch on.
func errCode(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, scheduler.ErrRunNotFound):
		return "run_not_found"
	case errors.Is(err, session.ErrMultiline):
		return "multiline_input"
	case errors.Is(err, session.ErrNotRunning):
		return "session_not_running"
	default:
		return "internal_error"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := s.errStatus(err)
	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"code": errCode(err), "message": err.Error()})
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": code, "message": message})
}
