package fanout

import (
	"sync"
	"time"

	"github.com/codeman/codeman/internal/common/cleanup"
)

// Terminal output batching. PTY reads arrive far faster than clients
// need frames; each session coalesces pending bytes over a small
// adaptive window. Dense output earns a longer window (more coalescing),
// sparse output a shorter one (lower latency). A large pending buffer
// flushes immediately regardless of the window.

const (
	flushThreshold = 32 * 1024

	intervalFast   = 16 * time.Millisecond
	intervalMedium = 32 * time.Millisecond
	intervalSlow   = 50 * time.Millisecond

	// inter-event spacing cutoffs for interval selection
	denseSpacing  = 8 * time.Millisecond
	mediumSpacing = 25 * time.Millisecond
)

type terminalBatch struct {
	sessionID string
	cleanup   *cleanup.Manager
	flush     func(sessionID string, data []byte)

	mu        sync.Mutex
	pending   []byte
	lastEvent time.Time
	timer     *time.Timer
}

func newTerminalBatch(sessionID string, cm *cleanup.Manager, flush func(string, []byte)) *terminalBatch {
	return &terminalBatch{
		sessionID: sessionID,
		cleanup:   cm,
		flush:     flush,
	}
}

// add queues bytes and arms (or keeps) the flush window.
func (b *terminalBatch) add(chunk []byte) {
	b.mu.Lock()
	b.pending = append(b.pending, chunk...)
	now := time.Now()
	spacing := now.Sub(b.lastEvent)
	b.lastEvent = now

	if len(b.pending) >= flushThreshold {
		data := b.pending
		b.pending = nil
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		b.flush(b.sessionID, data)
		return
	}

	if b.timer == nil {
		b.timer = b.cleanup.AfterFunc(selectInterval(spacing), b.onTimer)
	}
	b.mu.Unlock()
}

func (b *terminalBatch) onTimer() {
	b.mu.Lock()
	b.timer = nil
	data := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(data) > 0 {
		b.flush(b.sessionID, data)
	}
}

// flushNow drains synchronously (session teardown, hub close).
func (b *terminalBatch) flushNow() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	data := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(data) > 0 {
		b.flush(b.sessionID, data)
	}
}

// selectInterval maps inter-event spacing to a batching window: the
// denser the stream, the longer the coalescing window.
func selectInterval(spacing time.Duration) time.Duration {
	switch {
	case spacing < denseSpacing:
		return intervalSlow
	case spacing < mediumSpacing:
		return intervalMedium
	default:
		return intervalFast
	}
}
