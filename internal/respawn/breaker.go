package respawn

import (
	"time"

	"github.com/codeman/codeman/internal/ralph"
)

// CircuitBreaker halts injection when status blocks show the agent is
// stuck. Not safe for concurrent use; the owning controller serializes
// access.
type CircuitBreaker struct {
	state              BreakerState
	reason             string
	consecNoProgress   int
	consecTestsFailing int
	lastTransition     time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker() *CircuitBreaker {
	return &CircuitBreaker{state: BreakerClosed, lastTransition: time.Now().UTC()}
}

// Allow reports whether injection may proceed.
func (b *CircuitBreaker) Allow() bool {
	return b.state != BreakerOpen
}

// RecordBlock feeds one cycle's status block through the trip rules.
// Returns true when the breaker state changed.
func (b *CircuitBreaker) RecordBlock(block ralph.StatusBlock) bool {
	switch {
	case block.Status == ralph.BlockBlocked:
		return b.transition(BreakerOpen, ReasonBlockedStatus)

	case block.TestsStatus == ralph.TestsFailing && block.FilesModified > 0:
		b.consecTestsFailing++
		b.consecNoProgress = 0
		if b.consecTestsFailing >= 5 {
			return b.transition(BreakerOpen, ReasonTestsFailing)
		}
		return false

	case block.TasksCompleted == 0 && block.FilesModified == 0:
		b.consecNoProgress++
		b.consecTestsFailing = 0
		if b.consecNoProgress >= 3 {
			return b.transition(BreakerOpen, ReasonNoProgress)
		}
		if b.consecNoProgress >= 2 {
			return b.transition(BreakerHalfOpen, ReasonNoProgress)
		}
		return false

	default:
		// forward progress closes the breaker
		b.consecNoProgress = 0
		b.consecTestsFailing = 0
		return b.transition(BreakerClosed, "")
	}
}

// Trip forces the breaker open (injection failure path).
func (b *CircuitBreaker) Trip(reason string) bool {
	return b.transition(BreakerOpen, reason)
}

// Reset closes the breaker and clears the counters.
func (b *CircuitBreaker) Reset() bool {
	b.consecNoProgress = 0
	b.consecTestsFailing = 0
	return b.transition(BreakerClosed, ReasonManualReset)
}

func (b *CircuitBreaker) transition(state BreakerState, reason string) bool {
	if b.state == state {
		return false
	}
	b.state = state
	b.reason = reason
	b.lastTransition = time.Now().UTC()
	return true
}

// Snapshot returns the breaker's visible state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		State:              b.state,
		Reason:             b.reason,
		ConsecNoProgress:   b.consecNoProgress,
		ConsecTestsFailing: b.consecTestsFailing,
		LastTransitionAt:   b.lastTransition,
	}
}
