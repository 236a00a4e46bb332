package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeman/codeman/internal/common/config"
)

const sessionCookie = "codeman_session"

// authSession is one live cookie session. TTL is sliding: every
// authenticated request pushes the expiry forward.
type authSession struct {
	token     string
	expiresAt time.Time
	lastSeen  time.Time
}

// failState tracks failed login attempts per remote address.
type failState struct {
	count       int
	lockedUntil time.Time
}

// authManager owns cookie sessions and login rate limiting. When auth
// is not configured every request passes.
type authManager struct {
	cfg config.AuthConfig

	mu       sync.Mutex
	sessions map[string]*authSession
	failed   map[string]*failState
}

func newAuthManager(cfg config.AuthConfig) *authManager {
	return &authManager{
		cfg:      cfg,
		sessions: make(map[string]*authSession),
		failed:   make(map[string]*failState),
	}
}

func (a *authManager) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.cfg.Enabled() {
			c.Next()
			return
		}
		token, err := c.Cookie(sessionCookie)
		if err != nil || !a.touch(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "auth_required", "message": "authentication required"})
			return
		}
		c.Next()
	}
}

// touch validates a token and slides its TTL forward.
func (a *authManager) touch(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[token]
	if !ok {
		return false
	}
	now := time.Now()
	if now.After(sess.expiresAt) {
		delete(a.sessions, token)
		return false
	}
	sess.lastSeen = now
	sess.expiresAt = now.Add(a.cfg.SessionTTL())
	return true
}

// login validates credentials and mints a session token. Returns the
// token and whether the caller is currently locked out.
func (a *authManager) login(remoteAddr, username, password string) (token string, locked bool, ok bool) {
	addr := hostOnly(remoteAddr)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if fs, exists := a.failed[addr]; exists {
		if now.Before(fs.lockedUntil) {
			return "", true, false
		}
		if !fs.lockedUntil.IsZero() && now.After(fs.lockedUntil) {
			delete(a.failed, addr)
		}
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.Password)) == 1
	if !userOK || !passOK {
		fs := a.failed[addr]
		if fs == nil {
			fs = &failState{}
			a.failed[addr] = fs
		}
		fs.count++
		if fs.count >= a.cfg.RateLimitMax {
			fs.lockedUntil = now.Add(a.cfg.RateLimitWindow())
		}
		return "", false, false
	}
	delete(a.failed, addr)

	token = newToken()
	a.sessions[token] = &authSession{
		token:     token,
		expiresAt: now.Add(a.cfg.SessionTTL()),
		lastSeen:  now,
	}
	a.evictLocked()
	return token, false, true
}

func (a *authManager) logout(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, token)
}

// evictLocked drops least-recently-used sessions past the cap.
func (a *authManager) evictLocked() {
	for len(a.sessions) > a.cfg.MaxSessions {
		var oldest *authSession
		for _, sess := range a.sessions {
			if oldest == nil || sess.lastSeen.Before(oldest.lastSeen) {
				oldest = sess
			}
		}
		delete(a.sessions, oldest.token)
	}
}

func newToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// loopbackOnly restricts an endpoint to requests from the local host.
// Hook events bypass cookie auth; the network boundary is the check.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(hostOnly(c.Request.RemoteAddr))
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "forbidden", "message": "loopback only"})
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.cfg.Auth.Enabled() {
		c.JSON(http.StatusOK, gin.H{"authenticated": true, "auth_disabled": true})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "invalid request: "+err.Error())
		return
	}

	token, locked, ok := s.auth.login(c.Request.RemoteAddr, req.Username, req.Password)
	if locked {
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "message": "too many failed attempts"})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "invalid_credentials", "message": "invalid credentials"})
		return
	}

	maxAge := int(s.cfg.Auth.SessionTTL().Seconds())
	c.SetCookie(sessionCookie, token, maxAge, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"authenticated": true})
}

func (s *Server) handleLogout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookie); err == nil {
		s.auth.logout(token)
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"authenticated": false})
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	if !s.cfg.Auth.Enabled() {
		c.JSON(http.StatusOK, gin.H{"authenticated": true, "auth_disabled": true})
		return
	}
	token, err := c.Cookie(sessionCookie)
	authenticated := err == nil && s.auth.touch(token)
	c.JSON(http.StatusOK, gin.H{"authenticated": authenticated})
}
