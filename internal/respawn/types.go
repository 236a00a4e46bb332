// Package respawn drives an idle agent back to work. A per-session
// state machine observes tracker events, session status, and wall-clock
// timers, confirms idleness (optionally via an AI arbiter), and injects
// the next prompt through the session's multiplexer write path. A
// circuit breaker halts injection when the agent stops making progress.
package respawn

import "time"

// State is the controller's position in the observe/inject loop.
type State string

const (
	StateDormant       State = "DORMANT"
	StateObserving     State = "OBSERVING"
	StateSuspectedIdle State = "SUSPECTED_IDLE"
	StateAIChecking    State = "AI_CHECKING"
	StateInjecting     State = "INJECTING"
	StateCoolingDown   State = "COOLING_DOWN"
	StateBroken        State = "BROKEN"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
	BreakerOpen     BreakerState = "OPEN"
)

// Breaker reason codes. Stable strings; clients dispatch on them.
const (
	ReasonNoProgress    = "no_progress"
	ReasonBlockedStatus = "blocked_status"
	ReasonTestsFailing  = "tests_failing_too_long"
	ReasonManualReset   = "manual_reset"
	ReasonSessionGone   = "session_gone"
)

// Mode selects where injection prompts come from.
type Mode string

const (
	// ModePrompt reinjects the session's configured respawn prompt.
	ModePrompt Mode = "prompt"
	// ModeRalphTodo walks the tracker's pending todo queue.
	ModeRalphTodo Mode = "ralph-todo"
)

// Config is the per-session controller configuration.
type Config struct {
	Enabled bool   `json:"enabled"`
	Prompt  string `json:"prompt"`
	Mode    Mode   `json:"mode"`

	MaxIterations int `json:"max_iterations,omitempty"`

	IdleTimeoutMs       int `json:"idle_timeout_ms"`
	CompletionConfirmMs int `json:"completion_confirm_ms"`
	NoOutputTimeoutMs   int `json:"no_output_timeout_ms"`
	CooldownMs          int `json:"cooldown_ms"`

	AIIdleCheck           bool `json:"ai_idle_check"`
	AIIdleCheckTimeoutMs  int  `json:"ai_idle_check_timeout_ms"`
	AIIdleCheckCooldownMs int  `json:"ai_idle_check_cooldown_ms"`
}

// DefaultConfig returns the stock controller tuning.
func DefaultConfig() Config {
	return Config{
		Mode:                  ModePrompt,
		IdleTimeoutMs:         60000,
		CompletionConfirmMs:   10000,
		NoOutputTimeoutMs:     120000,
		CooldownMs:            5000,
		AIIdleCheckTimeoutMs:  30000,
		AIIdleCheckCooldownMs: 60000,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Config) idleTimeout() time.Duration     { return ms(c.IdleTimeoutMs) }
func (c Config) confirmDelay() time.Duration    { return ms(c.CompletionConfirmMs) }
func (c Config) noOutputTimeout() time.Duration { return ms(c.NoOutputTimeoutMs) }
func (c Config) cooldown() time.Duration        { return ms(c.CooldownMs) }
func (c Config) aiCheckTimeout() time.Duration  { return ms(c.AIIdleCheckTimeoutMs) }
func (c Config) aiCheckCooldown() time.Duration { return ms(c.AIIdleCheckCooldownMs) }

// shortCooldown gates the heuristic fallback after an arbiter error.
const shortCooldown = 2 * time.Second

// BreakerSnapshot is the breaker's externally visible state.
type BreakerSnapshot struct {
	State              BreakerState `json:"state"`
	Reason             string       `json:"reason,omitempty"`
	ConsecNoProgress   int          `json:"consecutive_no_progress"`
	ConsecTestsFailing int          `json:"consecutive_tests_failing"`
	LastTransitionAt   time.Time    `json:"last_transition_at"`
}

// Snapshot is the controller's externally visible state.
type Snapshot struct {
	State         State           `json:"state"`
	Config        Config          `json:"config"`
	CycleCount    int             `json:"cycle_count"`
	Breaker       BreakerSnapshot `json:"breaker"`
	HealthScore   int             `json:"health_score"`
	LastInjection time.Time       `json:"last_injection,omitzero"`
}

// Events are the controller's emission sinks, invoked outside the
// controller lock.
type Events struct {
	OnStateChanged   func(old, new State, reason string)
	OnCycleStarted   func(cycle int, prompt string)
	OnBlocked        func(reason string)
	OnExitGateMet    func()
	OnBreakerChanged func(BreakerSnapshot)
}
