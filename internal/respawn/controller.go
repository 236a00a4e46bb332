package respawn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/arbiter"
	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
	"github.com/codeman/codeman/internal/mux"
	"github.com/codeman/codeman/internal/ralph"
	"github.com/codeman/codeman/internal/session"
)

// SessionPort is the slice of the session surface the controller needs:
// quiescence signals, the recent text window, and the injection path.
type SessionPort interface {
	Signals() session.Signals
	TextTail(n int) []byte
	WriteViaMux(text string) error
}

// IdleChecker is the AI arbiter surface. Implementations may refuse
// (cooldown, already checking, self-disabled); the controller then falls
// back to heuristics.
type IdleChecker interface {
	Check(ctx context.Context, window string) (arbiter.Result, error)
	Available() bool
}

// aiWindowBytes is how much recent output the arbiter sees.
const aiWindowBytes = 4000

// Controller is the per-session respawn state machine. All inputs are
// serialized through one lock so tracker events, session status, and
// timer fires are observed in arrival order. Every scheduled timer is
// stamped with the generation current at scheduling time; a transition
// bumps the generation, so stale timers discard themselves on fire.
type Controller struct {
	sessionID string
	logger    *logger.Logger
	cleanup   *cleanup.Manager
	events    Events

	sess     SessionPort
	checker  IdleChecker           // nil disables AI checking
	nextTodo func() (string, bool) // ralph-todo prompt source, may be nil

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cfg     Config
	state   State
	gen     uint64
	cycle   int
	stats   healthStats
	breaker *CircuitBreaker

	entryTokens  int64
	entryTail    string
	lastOutputAt time.Time

	completionIndicators int
	lastExitSignal       bool

	lastInjection time.Time
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithIdleChecker wires the AI arbiter.
func WithIdleChecker(checker IdleChecker) Option {
	return func(c *Controller) { c.checker = checker }
}

// WithTodoSource wires the ralph-todo prompt queue.
func WithTodoSource(next func() (string, bool)) Option {
	return func(c *Controller) { c.nextTodo = next }
}

// NewController creates a dormant controller for one session.
func NewController(sessionID string, cfg Config, sess SessionPort, log *logger.Logger, cm *cleanup.Manager, events Events, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sessionID:    sessionID,
		logger:       log.WithComponent("respawn").WithSessionID(sessionID),
		cleanup:      cm,
		events:       events,
		sess:         sess,
		ctx:          ctx,
		cancel:       cancel,
		cfg:          cfg,
		state:        StateDormant,
		breaker:      NewBreaker(),
		lastOutputAt: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	cm.OnDispose(cancel)
	return c
}

// Start enables respawning. If the session is already busy the
// controller moves straight to OBSERVING.
func (c *Controller) Start() {
	c.mu.Lock()
	c.cfg.Enabled = true
	var emits []func()
	if c.state == StateDormant && c.sess.Signals().Status == session.StatusBusy {
		emits = c.enterObserving("started")
	}
	c.mu.Unlock()
	run(emits)
}

// Stop disables respawning and returns to DORMANT. In-flight AI checks
// and scheduled injections are invalidated by the generation bump.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.cfg.Enabled = false
	emits := c.to(StateDormant, "stopped")
	c.mu.Unlock()
	run(emits)
}

// Dispose cancels any in-flight arbiter check. The cleanup manager
// stops the timers.
func (c *Controller) Dispose() {
	c.cancel()
}

// OnSessionStatus feeds a session status transition.
func (c *Controller) OnSessionStatus(status session.Status) {
	c.mu.Lock()
	var emits []func()
	switch status {
	case session.StatusBusy:
		c.lastOutputAt = time.Now()
		switch c.state {
		case StateDormant:
			if c.cfg.Enabled {
				emits = c.enterObserving("working")
			}
		case StateSuspectedIdle, StateCoolingDown:
			// activity short-circuits both the idle suspicion and the cooldown
			emits = c.enterObserving("working")
		}
	case session.StatusIdle:
		if c.state == StateObserving {
			emits = c.enterSuspectedIdle()
		}
	case session.StatusStopped, session.StatusError:
		c.cfg.Enabled = false
		emits = c.to(StateDormant, "session-"+string(status))
	}
	c.mu.Unlock()
	run(emits)
}

// OnOutput notes fresh terminal output. In SUSPECTED_IDLE any output
// returns the controller to OBSERVING; in OBSERVING it feeds the
// no-output watchdog.
func (c *Controller) OnOutput() {
	c.mu.Lock()
	c.lastOutputAt = time.Now()
	var emits []func()
	if c.state == StateSuspectedIdle {
		emits = c.enterObserving("output")
	}
	c.mu.Unlock()
	run(emits)
}

// OnCompletionDetected reacts to the tracker's completion signal.
func (c *Controller) OnCompletionDetected(phrase string) {
	c.mu.Lock()
	c.completionIndicators++
	var emits []func()
	switch c.state {
	case StateObserving, StateSuspectedIdle, StateAIChecking:
		c.logger.Info("completion detected, cooling down", zap.String("phrase", phrase))
		emits = c.enterCooldown(c.cfg.cooldown(), "completed")
	}
	c.mu.Unlock()
	run(emits)
}

// OnStatusBlock feeds one parsed status block to the breaker and the
// exit gate.
func (c *Controller) OnStatusBlock(block ralph.StatusBlock) {
	c.mu.Lock()
	var emits []func()

	if c.breaker.RecordBlock(block) {
		snap := c.breaker.Snapshot()
		c.logger.Info("circuit breaker transition",
			zap.String("state", string(snap.State)),
			zap.String("reason", snap.Reason))
		if c.events.OnBreakerChanged != nil {
			emits = append(emits, func() { c.events.OnBreakerChanged(snap) })
		}
	}

	if block.TasksCompleted > 0 || block.FilesModified > 0 {
		c.stats.progressCycles++
	}
	if block.Status == ralph.BlockComplete {
		c.completionIndicators++
	}
	c.lastExitSignal = block.ExitSignal

	emits = append(emits, c.checkExitGateLocked()...)
	c.mu.Unlock()
	run(emits)
}

// OnCompletionIndicator counts a prose completion announcement toward
// the exit gate.
func (c *Controller) OnCompletionIndicator() {
	c.mu.Lock()
	c.completionIndicators++
	emits := c.checkExitGateLocked()
	c.mu.Unlock()
	run(emits)
}

// checkExitGateLocked applies the soft-exit condition: two completion
// indicators plus an exit signal from the latest block. Must hold c.mu.
func (c *Controller) checkExitGateLocked() []func() {
	if c.completionIndicators < 2 || !c.lastExitSignal || c.state == StateBroken || c.state == StateDormant {
		return nil
	}
	c.logger.Info("exit gate met",
		zap.Int("indicators", c.completionIndicators))
	var emits []func()
	if c.events.OnExitGateMet != nil {
		emits = append(emits, c.events.OnExitGateMet)
	}
	return append(emits, c.enterCooldown(c.cfg.cooldown(), "exit-gate")...)
}

// ResetBreaker closes the breaker manually and revives a BROKEN
// controller to DORMANT.
func (c *Controller) ResetBreaker() {
	c.mu.Lock()
	var emits []func()
	if c.breaker.Reset() {
		snap := c.breaker.Snapshot()
		if c.events.OnBreakerChanged != nil {
			emits = append(emits, func() { c.events.OnBreakerChanged(snap) })
		}
	}
	if c.state == StateBroken {
		emits = append(emits, c.to(StateDormant, ReasonManualReset)...)
	}
	c.mu.Unlock()
	run(emits)
}

// UpdateConfig replaces the controller tuning. The enabled flag is
// owned by Start/Stop and preserved.
func (c *Controller) UpdateConfig(cfg Config) {
	c.mu.Lock()
	cfg.Enabled = c.cfg.Enabled
	c.cfg = cfg
	c.mu.Unlock()
}

// Config returns the current configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the externally visible controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	breaker := c.breaker.Snapshot()
	return Snapshot{
		State:         c.state,
		Config:        c.cfg,
		CycleCount:    c.cycle,
		Breaker:       breaker,
		HealthScore:   healthScore(c.stats, breaker),
		LastInjection: c.lastInjection,
	}
}

// Internal transitions. All must hold c.mu and return emissions to run
// after unlock.

func (c *Controller) to(next State, reason string) []func() {
	if c.state == next {
		return nil
	}
	old := c.state
	c.state = next
	c.gen++
	c.logger.Debug("state transition",
		zap.String("from", string(old)),
		zap.String("to", string(next)),
		zap.String("reason", reason))

	var emits []func()
	if c.events.OnStateChanged != nil {
		emits = append(emits, func() { c.events.OnStateChanged(old, next, reason) })
	}
	if next == StateBroken && c.events.OnBlocked != nil {
		emits = append(emits, func() { c.events.OnBlocked(reason) })
	}
	return emits
}

// schedule arms a generation-stamped timer. fn runs under c.mu only if
// no transition happened in between; it returns emissions.
func (c *Controller) schedule(d time.Duration, fn func() []func()) {
	gen := c.gen
	c.cleanup.AfterFunc(d, func() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		emits := fn()
		c.mu.Unlock()
		run(emits)
	})
}

func (c *Controller) enterObserving(reason string) []func() {
	emits := c.to(StateObserving, reason)
	c.armIdleWatchdog(c.cfg.idleTimeout())
	return emits
}

// armIdleWatchdog moves to SUSPECTED_IDLE after idleTimeout of no
// output. Output does not reset the timer; the fire handler checks the
// last-output clock and re-arms for the remainder.
func (c *Controller) armIdleWatchdog(d time.Duration) {
	if d <= 0 {
		return
	}
	c.schedule(d, func() []func() {
		if c.state != StateObserving {
			return nil
		}
		elapsed := time.Since(c.lastOutputAt)
		if elapsed < c.cfg.idleTimeout() {
			c.armIdleWatchdog(c.cfg.idleTimeout() - elapsed)
			return nil
		}
		return c.enterSuspectedIdle()
	})
}

func (c *Controller) enterSuspectedIdle() []func() {
	emits := c.to(StateSuspectedIdle, "quiet")
	sig := c.sess.Signals()
	c.entryTokens = sig.Tokens
	c.entryTail = sig.OutputTail
	c.schedule(c.cfg.confirmDelay(), c.onConfirmFired)
	return emits
}

// onConfirmFired decides whether the suspected idleness held up.
func (c *Controller) onConfirmFired() []func() {
	if c.state != StateSuspectedIdle {
		return nil
	}
	sig := c.sess.Signals()
	if sig.Tokens != c.entryTokens || sig.OutputTail != c.entryTail {
		c.stats.stuckRecoveries++
		return c.enterObserving("activity-during-confirm")
	}
	if c.cfg.AIIdleCheck && c.checker != nil && c.checker.Available() {
		return c.enterAIChecking()
	}
	return c.enterInjecting()
}

func (c *Controller) enterAIChecking() []func() {
	emits := c.to(StateAIChecking, "confirming")
	gen := c.gen
	window := string(c.sess.TextTail(aiWindowBytes))
	timeout := c.cfg.aiCheckTimeout()

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, timeout)
		res, err := c.checker.Check(ctx, window)
		cancel()

		c.mu.Lock()
		if c.gen != gen {
			// verdict for a state we already left
			c.mu.Unlock()
			return
		}
		c.stats.aiChecks++
		var emits []func()
		switch {
		case err != nil || res.Verdict == arbiter.VerdictError:
			c.stats.aiErrors++
			if time.Since(c.lastOutputAt) >= c.cfg.noOutputTimeout() {
				emits = c.enterInjecting()
			} else {
				emits = c.enterCooldown(shortCooldown, "ai-error")
			}
		case res.Verdict == arbiter.VerdictWorking:
			emits = c.enterCooldown(c.cfg.aiCheckCooldown(), "ai-says-working")
		default:
			emits = c.enterInjecting()
		}
		c.mu.Unlock()
		run(emits)
	}()
	return emits
}

func (c *Controller) enterInjecting() []func() {
	if !c.breaker.Allow() {
		snap := c.breaker.Snapshot()
		return c.to(StateBroken, snap.Reason)
	}
	if c.cfg.MaxIterations > 0 && c.cycle >= c.cfg.MaxIterations {
		c.cfg.Enabled = false
		return c.to(StateDormant, "max-iterations")
	}

	prompt := c.selectPrompt()
	if prompt == "" {
		return c.enterCooldown(c.cfg.cooldown(), "no-prompt")
	}

	emits := c.to(StateInjecting, "inject")
	gen := c.gen

	go func() {
		err := c.sess.WriteViaMux(prompt)

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		var emits []func()
		if err != nil {
			if errors.Is(err, mux.ErrSessionGone) {
				c.breaker.Trip(ReasonSessionGone)
				c.logger.Error("session gone during injection", zap.Error(err))
				emits = c.to(StateBroken, ReasonSessionGone)
			} else {
				c.logger.Warn("injection failed", zap.Error(err))
				emits = c.enterCooldown(c.cfg.cooldown(), "inject-failed")
			}
		} else {
			c.cycle++
			c.stats.totalCycles++
			c.lastInjection = time.Now().UTC()
			cycle := c.cycle
			c.logger.Info("cycle started",
				zap.Int("cycle", cycle),
				zap.String("prompt", prompt))
			if c.events.OnCycleStarted != nil {
				emits = append(emits, func() { c.events.OnCycleStarted(cycle, prompt) })
			}
			emits = append(emits, c.enterObserving("injected")...)
		}
		c.mu.Unlock()
		run(emits)
	}()
	return emits
}

// selectPrompt picks the next injection text. Must hold c.mu.
func (c *Controller) selectPrompt() string {
	if c.cfg.Mode == ModeRalphTodo && c.nextTodo != nil {
		if prompt, ok := c.nextTodo(); ok {
			return prompt
		}
	}
	return c.cfg.Prompt
}

func (c *Controller) enterCooldown(d time.Duration, reason string) []func() {
	emits := c.to(StateCoolingDown, reason)
	c.schedule(d, func() []func() {
		if c.state != StateCoolingDown {
			return nil
		}
		return c.enterObserving("cooldown-expired")
	})
	return emits
}

func run(emits []func()) {
	for _, fn := range emits {
		fn()
	}
}
