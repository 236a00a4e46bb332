package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeman/codeman/internal/common/config"
	"github.com/codeman/codeman/internal/common/logger"
)

func authedConfig() *config.Config {
	cfg := testServerConfig()
	cfg.Auth = config.AuthConfig{
		Username:        "admin",
		Password:        "secret",
		MaxSessions:     3,
		SessionTTLHours: 24,
		RateLimitMax:    3,
		RateLimitMins:   15,
	}
	return cfg
}

func doJSONFrom(t *testing.T, s *Server, method, path, remoteAddr string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestAuthRequiredWhenConfigured(t *testing.T) {
	s := NewServer(authedConfig(), newFakeCore(t), logger.Default())
	w := doJSON(t, s, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthDisabledAllowsAll(t *testing.T) {
	s := newTestServer(t, newFakeCore(t))
	w := doJSON(t, s, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginFlow(t *testing.T) {
	s := NewServer(authedConfig(), newFakeCore(t), logger.Default())

	w := doJSONFrom(t, s, http.MethodPost, "/api/auth/login", "10.0.0.1:1000",
		jsonBody{"username": "admin", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSONFrom(t, s, http.MethodPost, "/api/auth/login", "10.0.0.1:1000",
		jsonBody{"username": "admin", "password": "secret"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	var sessCookie *http.Cookie
	for _, ck := range cookies {
		if ck.Name == sessionCookie {
			sessCookie = ck
		}
	}
	require.NotNil(t, sessCookie)
	assert.True(t, sessCookie.HttpOnly)

	w = doJSONFrom(t, s, http.MethodGet, "/api/sessions", "10.0.0.1:1000", nil, sessCookie)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSONFrom(t, s, http.MethodPost, "/api/auth/logout", "10.0.0.1:1000", nil, sessCookie)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSONFrom(t, s, http.MethodGet, "/api/sessions", "10.0.0.1:1000", nil, sessCookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginRateLimit(t *testing.T) {
	s := NewServer(authedConfig(), newFakeCore(t), logger.Default())

	for i := 0; i < 3; i++ {
		w := doJSONFrom(t, s, http.MethodPost, "/api/auth/login", "10.9.9.9:1000",
			jsonBody{"username": "admin", "password": "wrong"}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// locked out now, even with correct credentials
	w := doJSONFrom(t, s, http.MethodPost, "/api/auth/login", "10.9.9.9:1000",
		jsonBody{"username": "admin", "password": "secret"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a different address is unaffected
	w = doJSONFrom(t, s, http.MethodPost, "/api/auth/login", "10.7.7.7:1000",
		jsonBody{"username": "admin", "password": "secret"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionLRUEviction(t *testing.T) {
	cfg := authedConfig()
	a := newAuthManager(cfg.Auth)

	tokens := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		token, locked, ok := a.login("10.0.0.1:1", "admin", "secret")
		require.False(t, locked)
		require.True(t, ok)
		tokens = append(tokens, token)
	}

	// cap is 3; the first token was least recently used and got evicted
	assert.False(t, a.touch(tokens[0]))
	assert.True(t, a.touch(tokens[3]))
}
