// Package config provides configuration management for codeman.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for codeman.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Mux     MuxConfig     `mapstructure:"mux"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Respawn RespawnConfig `mapstructure:"respawn"`
	Arbiter ArbiterConfig `mapstructure:"arbiter"`
	NATS    NATSConfig    `mapstructure:"nats"`
	State   StateConfig   `mapstructure:"state"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AuthConfig holds authentication configuration.
// Auth is optional: when Username is empty, all requests are allowed.
type AuthConfig struct {
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	MaxSessions     int    `mapstructure:"maxSessions"`     // concurrent cookie sessions (LRU evicted)
	SessionTTLHours int    `mapstructure:"sessionTtlHours"` // sliding TTL
	RateLimitMax    int    `mapstructure:"rateLimitMax"`    // failed attempts before lockout
	RateLimitMins   int    `mapstructure:"rateLimitMins"`   // lockout duration
}

// MuxConfig holds terminal multiplexer configuration.
type MuxConfig struct {
	// Backend selects the multiplexer: "auto", "tmux", or "screen".
	Backend string `mapstructure:"backend"`
}

// AgentConfig holds the agent CLI invocation configuration.
type AgentConfig struct {
	// Command is the interactive agent CLI started inside each session.
	Command []string `mapstructure:"command"`
	// EnvAllowPrefixes restricts which environment overrides requests may set.
	EnvAllowPrefixes []string `mapstructure:"envAllowPrefixes"`
}

// RespawnConfig holds the per-session respawn defaults.
type RespawnConfig struct {
	IdleTimeoutMs         int    `mapstructure:"idleTimeoutMs"`         // no-output window before SUSPECTED_IDLE
	CompletionConfirmMs   int    `mapstructure:"completionConfirmMs"`   // confirmation timer in SUSPECTED_IDLE
	NoOutputTimeoutMs     int    `mapstructure:"noOutputTimeoutMs"`     // heuristic fallback after arbiter failure
	CooldownMs            int    `mapstructure:"cooldownMs"`            // COOLING_DOWN duration
	InterStepDelayMs      int    `mapstructure:"interStepDelayMs"`      // delay between literal text and Enter
	MaxCycles             int    `mapstructure:"maxCycles"`             // 0 = unlimited
	AIIdleCheck           bool   `mapstructure:"aiIdleCheck"`           // consult the arbiter before injecting
	AIIdleCheckTimeoutMs  int    `mapstructure:"aiIdleCheckTimeoutMs"`  //
	AIIdleCheckCooldownMs int    `mapstructure:"aiIdleCheckCooldownMs"` // cooldown after WORKING verdict
	Prompt                string `mapstructure:"prompt"`                // default follow-up prompt
}

// ArbiterConfig holds the one-shot AI idle-check configuration.
type ArbiterConfig struct {
	Command              []string `mapstructure:"command"`              // headless agent argv; prompt appended
	TimeoutMs            int      `mapstructure:"timeoutMs"`            //
	CooldownMs           int      `mapstructure:"cooldownMs"`           // after WORKING verdict
	ErrorCooldownMs      int      `mapstructure:"errorCooldownMs"`      // after ERROR verdict
	MaxConsecutiveErrors int      `mapstructure:"maxConsecutiveErrors"` // self-disable threshold
	WindowBytes          int      `mapstructure:"windowBytes"`          // terminal snapshot size
}

// NATSConfig holds NATS messaging configuration.
// Empty URL means use the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StateConfig holds persistent state configuration.
type StateConfig struct {
	Path       string `mapstructure:"path"`
	DebounceMs int    `mapstructure:"debounceMs"`
}

// HistoryConfig holds the SQLite history store configuration.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionTTL returns the cookie session TTL as a time.Duration.
func (a *AuthConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionTTLHours) * time.Hour
}

// RateLimitWindow returns the lockout duration as a time.Duration.
func (a *AuthConfig) RateLimitWindow() time.Duration {
	return time.Duration(a.RateLimitMins) * time.Minute
}

// Enabled reports whether authentication is configured.
func (a *AuthConfig) Enabled() bool {
	return a.Username != ""
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CODEMAN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // 0: SSE streams must not be cut off

	// Auth defaults - empty username disables auth
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.maxSessions", 100)
	v.SetDefault("auth.sessionTtlHours", 24)
	v.SetDefault("auth.rateLimitMax", 10)
	v.SetDefault("auth.rateLimitMins", 15)

	// Multiplexer defaults
	v.SetDefault("mux.backend", "auto")

	// Agent defaults
	v.SetDefault("agent.command", []string{"claude"})
	v.SetDefault("agent.envAllowPrefixes", []string{"CODEMAN_", "ANTHROPIC_", "CLAUDE_"})

	// Respawn defaults
	v.SetDefault("respawn.idleTimeoutMs", 60000)
	v.SetDefault("respawn.completionConfirmMs", 10000)
	v.SetDefault("respawn.noOutputTimeoutMs", 120000)
	v.SetDefault("respawn.cooldownMs", 30000)
	v.SetDefault("respawn.interStepDelayMs", 120)
	v.SetDefault("respawn.maxCycles", 0)
	v.SetDefault("respawn.aiIdleCheck", false)
	v.SetDefault("respawn.aiIdleCheckTimeoutMs", 30000)
	v.SetDefault("respawn.aiIdleCheckCooldownMs", 120000)
	v.SetDefault("respawn.prompt", "Continue working on the current task. If everything is done, output the completion phrase.")

	// Arbiter defaults
	v.SetDefault("arbiter.command", []string{"claude", "-p"})
	v.SetDefault("arbiter.timeoutMs", 30000)
	v.SetDefault("arbiter.cooldownMs", 120000)
	v.SetDefault("arbiter.errorCooldownMs", 300000)
	v.SetDefault("arbiter.maxConsecutiveErrors", 3)
	v.SetDefault("arbiter.windowBytes", 8192)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// State defaults
	v.SetDefault("state.path", "~/.codeman/state.json")
	v.SetDefault("state.debounceMs", 500)

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "~/.codeman/history.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEMAN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.codeman/, or /etc/codeman/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("auth.username", "CODEMAN_AUTH_USERNAME")
	_ = v.BindEnv("auth.password", "CODEMAN_AUTH_PASSWORD")
	_ = v.BindEnv("state.path", "CODEMAN_STATE_PATH")
	_ = v.BindEnv("history.path", "CODEMAN_HISTORY_PATH")
	_ = v.BindEnv("mux.backend", "CODEMAN_MUX_BACKEND")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.codeman")
	}
	v.AddConfigPath("/etc/codeman/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	expandPaths(&cfg)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Auth.Enabled() && cfg.Auth.Password == "" {
		errs = append(errs, "auth.password is required when auth.username is set")
	}
	if cfg.Auth.MaxSessions <= 0 {
		errs = append(errs, "auth.maxSessions must be positive")
	}
	if cfg.Auth.RateLimitMax <= 0 {
		errs = append(errs, "auth.rateLimitMax must be positive")
	}

	switch cfg.Mux.Backend {
	case "auto", "tmux", "screen":
	default:
		errs = append(errs, "mux.backend must be one of: auto, tmux, screen")
	}

	if len(cfg.Agent.Command) == 0 {
		errs = append(errs, "agent.command must not be empty")
	}
	if len(cfg.Arbiter.Command) == 0 {
		errs = append(errs, "arbiter.command must not be empty")
	}

	if cfg.Respawn.IdleTimeoutMs <= 0 {
		errs = append(errs, "respawn.idleTimeoutMs must be positive")
	}
	if cfg.Respawn.CompletionConfirmMs <= 0 {
		errs = append(errs, "respawn.completionConfirmMs must be positive")
	}
	if cfg.State.DebounceMs <= 0 {
		errs = append(errs, "state.debounceMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandPaths resolves "~/" prefixes in configured paths.
func expandPaths(cfg *Config) {
	cfg.State.Path = expandHome(cfg.State.Path)
	cfg.History.Path = expandHome(cfg.History.Path)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
