// Package session owns one agent subprocess per session: its PTY attach
// client, its bounded output buffers, its derived busy/idle status, and
// the authoritative write path for programmatic input.
package session

import (
	"errors"
	"time"
)

// Status is the derived state of an agent session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Buffer limits. Trimming keeps the most recent suffix.
const (
	rawBufferMax    = 2 * 1024 * 1024
	rawBufferTrimTo = 3 * 512 * 1024 // 1.5 MiB
	textBufferMax   = 1024 * 1024
	textBufferTrim  = 768 * 1024

	maxMessages    = 1000
	trimMessagesTo = 800
)

// promptIdleDelay is how long the prompt glyph must stay undisturbed
// before the session is considered idle.
const promptIdleDelay = 2 * time.Second

var (
	// ErrMultiline is returned by WriteViaMux for input containing a
	// newline. The agent's line editor cannot handle multi-line writes;
	// callers must not split the input themselves.
	ErrMultiline = errors.New("multi-line input rejected")

	// ErrNotRunning is returned when writing to a stopped session.
	ErrNotRunning = errors.New("session is not running")
)

// Message is one parsed entry of the session transcript (injected
// prompts, status transitions, tracker findings). The list is bounded.
type Message struct {
	Role      string    `json:"role"` // "system", "respawn", "agent"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	MuxName        string    `json:"mux_name"`
	WorkingDir     string    `json:"working_dir"`
	Status         Status    `json:"status"`
	PID            *int      `json:"pid,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Tokens         int64     `json:"tokens"`
	CostUSD        float64   `json:"cost_usd"`
	OutputTotal    int64     `json:"output_total"` // logical bytes ever produced
}

// Signals is the subset of session state the respawn controller samples
// when deciding whether the agent has gone quiet.
type Signals struct {
	Status         Status
	Tokens         int64
	OutputTotal    int64
	OutputTail     string
	LastActivityAt time.Time
}
