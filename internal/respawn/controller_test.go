package respawn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeman/codeman/internal/arbiter"
	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
	"github.com/codeman/codeman/internal/mux"
	"github.com/codeman/codeman/internal/ralph"
	"github.com/codeman/codeman/internal/session"
)

type fakeSession struct {
	mu       sync.Mutex
	signals  session.Signals
	writes   []string
	writeErr error
}

func (f *fakeSession) Signals() session.Signals {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals
}

func (f *fakeSession) TextTail(n int) []byte {
	return []byte(f.Signals().OutputTail)
}

func (f *fakeSession) WriteViaMux(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, text)
	return nil
}

func (f *fakeSession) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type fakeChecker struct {
	result arbiter.Result
	err    error
	calls  int
	mu     sync.Mutex
}

func (f *fakeChecker) Check(ctx context.Context, window string) (arbiter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeChecker) Available() bool { return true }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Prompt = "keep going"
	cfg.IdleTimeoutMs = 60000 // driven via status events in tests
	cfg.CompletionConfirmMs = 20
	cfg.CooldownMs = 30
	cfg.AIIdleCheckTimeoutMs = 1000
	cfg.AIIdleCheckCooldownMs = 60000
	return cfg
}

func newTestController(t *testing.T, cfg Config, sess *fakeSession, events Events, opts ...Option) *Controller {
	t.Helper()
	cm := cleanup.New()
	t.Cleanup(cm.Dispose)
	c := NewController("test-session", cfg, sess, logger.Default(), cm, events, opts...)
	t.Cleanup(c.Dispose)
	return c
}

func busySession() *fakeSession {
	return &fakeSession{signals: session.Signals{
		Status:      session.StatusBusy,
		Tokens:      100,
		OutputTail:  "working on it",
		OutputTotal: 1000,
	}}
}

func TestStartMovesToObservingWhenBusy(t *testing.T) {
	c := newTestController(t, testConfig(), busySession(), Events{})
	c.Start()
	assert.Equal(t, StateObserving, c.State())
}

func TestIdleFlowInjectsWithoutAI(t *testing.T) {
	sess := busySession()
	var cycles []int
	var mu sync.Mutex
	c := newTestController(t, testConfig(), sess, Events{
		OnCycleStarted: func(cycle int, prompt string) {
			mu.Lock()
			cycles = append(cycles, cycle)
			mu.Unlock()
		},
	})
	c.Start()
	c.OnSessionStatus(session.StatusIdle)
	assert.Equal(t, StateSuspectedIdle, c.State())

	// confirm timer fires, signals unchanged, prompt is injected
	require.Eventually(t, func() bool {
		return sess.writeCount() == 1 && c.State() == StateObserving
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"keep going"}, sess.writes)
	mu.Lock()
	assert.Equal(t, []int{1}, cycles)
	mu.Unlock()
	assert.Equal(t, 1, c.Snapshot().CycleCount)
}

func TestOutputDuringSuspicionReturnsToObserving(t *testing.T) {
	sess := busySession()
	c := newTestController(t, testConfig(), sess, Events{})
	c.Start()
	c.OnSessionStatus(session.StatusIdle)
	require.Equal(t, StateSuspectedIdle, c.State())

	c.OnOutput()
	assert.Equal(t, StateObserving, c.State())

	// the stale confirm timer must not fire an injection
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sess.writeCount())
	assert.Equal(t, StateObserving, c.State())
}

func TestSignalChangeDuringConfirmAborts(t *testing.T) {
	sess := busySession()
	c := newTestController(t, testConfig(), sess, Events{})
	c.Start()
	c.OnSessionStatus(session.StatusIdle)

	// tokens move between suspicion entry and confirm fire
	sess.mu.Lock()
	sess.signals.Tokens = 200
	sess.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.State() == StateObserving
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, sess.writeCount())
}

func TestAIWorkingVerdictCoolsDown(t *testing.T) {
	sess := busySession()
	checker := &fakeChecker{result: arbiter.Result{Verdict: arbiter.VerdictWorking}}
	cfg := testConfig()
	cfg.AIIdleCheck = true
	c := newTestController(t, cfg, sess, Events{}, WithIdleChecker(checker))
	c.Start()
	c.OnSessionStatus(session.StatusIdle)

	require.Eventually(t, func() bool {
		return c.State() == StateCoolingDown
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, sess.writeCount())
}

func TestAIIdleVerdictInjects(t *testing.T) {
	sess := busySession()
	checker := &fakeChecker{result: arbiter.Result{Verdict: arbiter.VerdictIdle}}
	cfg := testConfig()
	cfg.AIIdleCheck = true
	c := newTestController(t, cfg, sess, Events{}, WithIdleChecker(checker))
	c.Start()
	c.OnSessionStatus(session.StatusIdle)

	require.Eventually(t, func() bool {
		return sess.writeCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAIErrorFallsBackToShortCooldown(t *testing.T) {
	sess := busySession()
	checker := &fakeChecker{err: arbiter.ErrCoolingDown, result: arbiter.Result{Verdict: arbiter.VerdictError}}
	cfg := testConfig()
	cfg.AIIdleCheck = true
	cfg.NoOutputTimeoutMs = 600000 // recent output, so the heuristic declines to inject
	c := newTestController(t, cfg, sess, Events{}, WithIdleChecker(checker))
	c.Start()
	c.OnSessionStatus(session.StatusIdle)

	require.Eventually(t, func() bool {
		return c.State() == StateCoolingDown
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, sess.writeCount())
}

func TestSessionGoneBreaksController(t *testing.T) {
	sess := busySession()
	sess.writeErr = fmt.Errorf("send text: %w", mux.ErrSessionGone)
	var blockedReason string
	var mu sync.Mutex
	c := newTestController(t, testConfig(), sess, Events{
		OnBlocked: func(reason string) {
			mu.Lock()
			blockedReason = reason
			mu.Unlock()
		},
	})
	c.Start()
	c.OnSessionStatus(session.StatusIdle)

	require.Eventually(t, func() bool {
		return c.State() == StateBroken
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, ReasonSessionGone, blockedReason)
	mu.Unlock()
	assert.Equal(t, BreakerOpen, c.Snapshot().Breaker.State)
}

func TestCompletionCoolsDown(t *testing.T) {
	c := newTestController(t, testConfig(), busySession(), Events{})
	c.Start()
	c.OnCompletionDetected("ALL_TASKS_COMPLETE")
	assert.Equal(t, StateCoolingDown, c.State())

	// cooldown expiry resumes observation
	require.Eventually(t, func() bool {
		return c.State() == StateObserving
	}, time.Second, 5*time.Millisecond)
}

func TestWorkingSignalShortCircuitsCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownMs = 600000
	c := newTestController(t, cfg, busySession(), Events{})
	c.Start()
	c.OnCompletionDetected("PHRASE_ONE_DONE")
	require.Equal(t, StateCoolingDown, c.State())

	c.OnSessionStatus(session.StatusBusy)
	assert.Equal(t, StateObserving, c.State())
}

func TestMaxIterationsStops(t *testing.T) {
	sess := busySession()
	cfg := testConfig()
	cfg.MaxIterations = 1
	c := newTestController(t, cfg, sess, Events{})
	c.Start()
	c.OnSessionStatus(session.StatusIdle)

	require.Eventually(t, func() bool {
		return sess.writeCount() == 1 && c.State() == StateObserving
	}, time.Second, 5*time.Millisecond)

	// second idle round hits the iteration cap before writing
	c.OnSessionStatus(session.StatusIdle)
	require.Eventually(t, func() bool {
		return c.State() == StateDormant
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sess.writeCount())
}

func TestRalphTodoModePullsQueue(t *testing.T) {
	sess := busySession()
	cfg := testConfig()
	cfg.Mode = ModeRalphTodo
	queue := []string{"implement the parser"}
	c := newTestController(t, cfg, sess, Events{}, WithTodoSource(func() (string, bool) {
		if len(queue) == 0 {
			return "", false
		}
		next := queue[0]
		queue = queue[1:]
		return next, true
	}))
	c.Start()
	c.OnSessionStatus(session.StatusIdle)

	require.Eventually(t, func() bool {
		return sess.writeCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "implement the parser", sess.writes[0])
}

func noProgressBlock() ralph.StatusBlock {
	return ralph.StatusBlock{Status: ralph.BlockInProgress}
}

func TestBreakerOpensAfterThreeNoProgressCycles(t *testing.T) {
	c := newTestController(t, testConfig(), busySession(), Events{})
	c.Start()

	c.OnStatusBlock(noProgressBlock())
	assert.Equal(t, BreakerClosed, c.Snapshot().Breaker.State)

	c.OnStatusBlock(noProgressBlock())
	assert.Equal(t, BreakerHalfOpen, c.Snapshot().Breaker.State)

	c.OnStatusBlock(noProgressBlock())
	snap := c.Snapshot().Breaker
	assert.Equal(t, BreakerOpen, snap.State)
	assert.Equal(t, ReasonNoProgress, snap.Reason)

	// progress closes it again
	c.OnStatusBlock(ralph.StatusBlock{Status: ralph.BlockInProgress, TasksCompleted: 2, FilesModified: 1})
	assert.Equal(t, BreakerClosed, c.Snapshot().Breaker.State)
}

func TestOpenBreakerBlocksInjection(t *testing.T) {
	sess := busySession()
	c := newTestController(t, testConfig(), sess, Events{})
	c.Start()
	for i := 0; i < 3; i++ {
		c.OnStatusBlock(noProgressBlock())
	}
	require.Equal(t, BreakerOpen, c.Snapshot().Breaker.State)

	c.OnSessionStatus(session.StatusIdle)
	require.Eventually(t, func() bool {
		return c.State() == StateBroken
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, sess.writeCount())

	// manual reset revives the controller
	c.ResetBreaker()
	assert.Equal(t, StateDormant, c.State())
	assert.Equal(t, BreakerClosed, c.Snapshot().Breaker.State)
}

func TestExitGate(t *testing.T) {
	exitGate := false
	c := newTestController(t, testConfig(), busySession(), Events{
		OnExitGateMet: func() { exitGate = true },
	})
	c.Start()

	c.OnStatusBlock(ralph.StatusBlock{Status: ralph.BlockComplete, TasksCompleted: 1})
	assert.False(t, exitGate)

	c.OnStatusBlock(ralph.StatusBlock{Status: ralph.BlockComplete, TasksCompleted: 1, ExitSignal: true})
	assert.True(t, exitGate)
	assert.Equal(t, StateCoolingDown, c.State())
}

func TestExitGateCountsProseIndicator(t *testing.T) {
	exitGate := false
	c := newTestController(t, testConfig(), busySession(), Events{
		OnExitGateMet: func() { exitGate = true },
	})
	c.Start()

	// one COMPLETE block with the exit signal is not enough on its own
	c.OnStatusBlock(ralph.StatusBlock{Status: ralph.BlockComplete, TasksCompleted: 1, ExitSignal: true})
	assert.False(t, exitGate)

	// a prose announcement is the second indicator
	c.OnCompletionIndicator()
	assert.True(t, exitGate)
	assert.Equal(t, StateCoolingDown, c.State())
}

func TestBlockedStatusOpensImmediately(t *testing.T) {
	b := NewBreaker()
	changed := b.RecordBlock(ralph.StatusBlock{Status: ralph.BlockBlocked})
	assert.True(t, changed)
	snap := b.Snapshot()
	assert.Equal(t, BreakerOpen, snap.State)
	assert.Equal(t, ReasonBlockedStatus, snap.Reason)
}

func TestFailingTestsOpenAfterFiveCycles(t *testing.T) {
	b := NewBreaker()
	failing := ralph.StatusBlock{
		Status:        ralph.BlockInProgress,
		TestsStatus:   ralph.TestsFailing,
		FilesModified: 2,
	}
	for i := 0; i < 4; i++ {
		b.RecordBlock(failing)
		assert.Equal(t, BreakerClosed, b.Snapshot().State)
	}
	b.RecordBlock(failing)
	snap := b.Snapshot()
	assert.Equal(t, BreakerOpen, snap.State)
	assert.Equal(t, ReasonTestsFailing, snap.Reason)
}

// Replaying the same input sequence into a fresh controller lands it in
// the same state.
func TestTransitionDeterminism(t *testing.T) {
	replay := func() State {
		cfg := testConfig()
		cfg.CompletionConfirmMs = 600000 // timers out of the picture
		cfg.CooldownMs = 600000
		c := newTestController(t, cfg, busySession(), Events{})
		c.Start()
		c.OnSessionStatus(session.StatusIdle)
		c.OnOutput()
		c.OnStatusBlock(noProgressBlock())
		c.OnStatusBlock(noProgressBlock())
		c.OnCompletionDetected("REPLAYED_PHRASE_DONE")
		c.OnSessionStatus(session.StatusBusy)
		c.OnSessionStatus(session.StatusIdle)
		return c.State()
	}

	first := replay()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, replay())
	}
}

func TestHealthScore(t *testing.T) {
	closed := BreakerSnapshot{State: BreakerClosed}
	assert.Equal(t, 100, healthScore(healthStats{}, closed))
	assert.Equal(t, 60, healthScore(healthStats{}, BreakerSnapshot{State: BreakerOpen}))

	// half the cycles made progress
	score := healthScore(healthStats{totalCycles: 4, progressCycles: 2}, closed)
	assert.Equal(t, 85, score)

	// floor at zero
	score = healthScore(healthStats{
		totalCycles:     10,
		progressCycles:  0,
		aiChecks:        4,
		aiErrors:        4,
		stuckRecoveries: 10,
	}, BreakerSnapshot{State: BreakerOpen})
	assert.Equal(t, 0, score)
}
