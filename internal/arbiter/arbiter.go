// Package arbiter wraps a one-shot headless agent invocation that
// judges whether a terminal window shows an agent still working or
// sitting idle. It is deliberately defensive: one check at a time,
// cooldowns after non-IDLE verdicts, and self-disable after repeated
// errors so a broken checker cannot stall the respawn loop.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/logger"
)

// Verdict is the arbiter's judgment of the terminal window.
type Verdict string

const (
	VerdictIdle    Verdict = "IDLE"
	VerdictWorking Verdict = "WORKING"
	VerdictError   Verdict = "ERROR"
)

// Result is the outcome of one check.
type Result struct {
	Verdict   Verdict       `json:"verdict"`
	Reasoning string        `json:"reasoning,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

var (
	// ErrAlreadyChecking rejects a concurrent check.
	ErrAlreadyChecking = errors.New("already checking")
	// ErrCoolingDown rejects a check during a post-verdict cooldown.
	ErrCoolingDown = errors.New("arbiter cooling down")
	// ErrDisabled rejects checks after the error budget is spent.
	ErrDisabled = errors.New("arbiter disabled")
)

// Config tunes the arbiter.
type Config struct {
	// Command is the argv template for the headless invocation; the
	// composed prompt is appended as the final argument.
	Command []string

	CooldownMs      int
	ErrorCooldownMs int

	// MaxConsecutiveErrors before the arbiter disables itself.
	MaxConsecutiveErrors int
}

// DefaultConfig returns the stock arbiter tuning.
func DefaultConfig() Config {
	return Config{
		Command:              []string{"claude", "-p"},
		CooldownMs:           30000,
		ErrorCooldownMs:      60000,
		MaxConsecutiveErrors: 3,
	}
}

// Events are the arbiter's emission sinks.
type Events struct {
	OnDisabled func(reason string)
}

// Arbiter runs one-shot idle checks through an external agent binary.
type Arbiter struct {
	cfg    Config
	logger *logger.Logger
	events Events

	// runCommand is swappable in tests.
	runCommand func(ctx context.Context, argv []string) (string, error)

	mu            sync.Mutex
	checking      bool
	cooldownUntil time.Time
	consecErrors  int
	disabled      bool
}

// New creates an arbiter.
func New(cfg Config, log *logger.Logger, events Events) *Arbiter {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultConfig().Command
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultConfig().MaxConsecutiveErrors
	}
	return &Arbiter{
		cfg:    cfg,
		logger: log.WithComponent("arbiter"),
		events: events,
		runCommand: func(ctx context.Context, argv []string) (string, error) {
			out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
			return string(out), err
		},
	}
}

// Available reports whether a check would be accepted right now.
func (a *Arbiter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disabled && !a.checking && time.Now().After(a.cooldownUntil)
}

// Check judges the given terminal window. Returns ErrAlreadyChecking,
// ErrCoolingDown, or ErrDisabled without running anything when the
// arbiter cannot accept the call. A cancelled context discards the
// check with no cooldown and no error accounting.
func (a *Arbiter) Check(ctx context.Context, window string) (Result, error) {
	a.mu.Lock()
	switch {
	case a.disabled:
		a.mu.Unlock()
		return Result{Verdict: VerdictError}, ErrDisabled
	case a.checking:
		a.mu.Unlock()
		return Result{Verdict: VerdictError}, ErrAlreadyChecking
	case time.Now().Before(a.cooldownUntil):
		a.mu.Unlock()
		return Result{Verdict: VerdictError}, ErrCoolingDown
	}
	a.checking = true
	a.mu.Unlock()

	start := time.Now()
	argv := append(append([]string(nil), a.cfg.Command...), buildPrompt(window))
	out, err := a.runCommand(ctx, argv)
	duration := time.Since(start)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.checking = false

	if ctx.Err() != nil {
		// caller cancelled or timed out; verdict discarded, no side effect
		return Result{Verdict: VerdictError, Duration: duration}, ctx.Err()
	}
	if err != nil {
		return a.recordError(fmt.Sprintf("invocation failed: %v", err), duration)
	}

	verdict, reasoning := parseVerdict(out)
	switch verdict {
	case VerdictIdle:
		a.consecErrors = 0
		return Result{Verdict: VerdictIdle, Reasoning: reasoning, Duration: duration}, nil
	case VerdictWorking:
		a.consecErrors = 0
		a.cooldownUntil = time.Now().Add(time.Duration(a.cfg.CooldownMs) * time.Millisecond)
		return Result{Verdict: VerdictWorking, Reasoning: reasoning, Duration: duration}, nil
	default:
		return a.recordError("no verdict in output", duration)
	}
}

// recordError applies the error cooldown and the self-disable budget.
// Must hold a.mu.
func (a *Arbiter) recordError(reasoning string, duration time.Duration) (Result, error) {
	a.consecErrors++
	a.cooldownUntil = time.Now().Add(time.Duration(a.cfg.ErrorCooldownMs) * time.Millisecond)
	a.logger.Warn("idle check error",
		zap.String("reason", reasoning),
		zap.Int("consecutive", a.consecErrors))

	if a.consecErrors >= a.cfg.MaxConsecutiveErrors && !a.disabled {
		a.disabled = true
		a.logger.Warn("arbiter self-disabled",
			zap.Int("consecutive_errors", a.consecErrors))
		if a.events.OnDisabled != nil {
			reason := fmt.Sprintf("%d consecutive errors", a.consecErrors)
			go a.events.OnDisabled(reason)
		}
	}
	return Result{Verdict: VerdictError, Reasoning: reasoning, Duration: duration}, nil
}

// Enable re-arms a self-disabled arbiter (manual operator action).
func (a *Arbiter) Enable() {
	a.mu.Lock()
	a.disabled = false
	a.consecErrors = 0
	a.cooldownUntil = time.Time{}
	a.mu.Unlock()
}

// Disabled reports whether the arbiter has shut itself off.
func (a *Arbiter) Disabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled
}

func buildPrompt(window string) string {
	return "You are judging a coding agent's terminal. Based only on the output below, " +
		"is the agent still actively working, or is it idle and waiting for input? " +
		"Answer with exactly one word on the last line: IDLE or WORKING.\n\n" +
		"--- terminal output ---\n" + window
}

// parseVerdict extracts the last IDLE/WORKING token from the checker's
// output. Anything else is an error verdict.
func parseVerdict(out string) (Verdict, string) {
	reasoning := strings.TrimSpace(out)
	if len(reasoning) > 500 {
		reasoning = reasoning[len(reasoning)-500:]
	}
	upper := strings.ToUpper(out)
	idle := strings.LastIndex(upper, "IDLE")
	working := strings.LastIndex(upper, "WORKING")
	switch {
	case idle < 0 && working < 0:
		return VerdictError, reasoning
	case idle > working:
		return VerdictIdle, reasoning
	default:
		return VerdictWorking, reasoning
	}
}
