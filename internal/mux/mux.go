// Package mux adapts external terminal multiplexers (tmux, GNU screen)
// that host durable agent sessions surviving supervisor restarts.
//
// The supervisor creates one named multiplexer session per agent and
// attaches a PTY to it; programmatic prompt injection goes through
// SendText/SendEnter rather than the PTY so it works even while no
// client terminal is attached.
package mux

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/codeman/codeman/internal/common/logger"
)

// SessionPrefix is the namespace prefix for all codeman-owned sessions.
const SessionPrefix = "codeman-"

var (
	// ErrMultiplexerUnavailable is returned when no supported multiplexer
	// binary can be found on PATH.
	ErrMultiplexerUnavailable = errors.New("no supported terminal multiplexer found")

	// ErrSessionGone is returned when the named session no longer exists
	// in the multiplexer. Callers treat this as fatal for the session.
	ErrSessionGone = errors.New("multiplexer session gone")
)

// Backend abstracts one terminal multiplexer.
type Backend interface {
	// Name identifies the backend ("tmux", "screen").
	Name() string

	// Create starts a detached session running command in workingDir.
	Create(name, workingDir string, command []string) error

	// SendText types s into the session literally, without shell
	// interpretation and without a trailing newline.
	SendText(name, s string) error

	// SendEnter sends a single Enter keypress. Kept separate from
	// SendText because the hosted agent's line editor does not accept
	// text and newline in one write.
	SendEnter(name string) error

	// Kill destroys the session. Killing a missing session is not an error.
	Kill(name string) error

	// List returns the names of all live sessions.
	List() ([]string, error)

	// CapturePane returns the last lines of the session's visible pane
	// and scrollback.
	CapturePane(name string, lines int) ([]byte, error)

	// AttachArgs returns the argv that attaches a terminal to the session.
	// The session layer runs this under a PTY.
	AttachArgs(name string) []string
}

// SessionName derives the multiplexer session name for a session id:
// "codeman-" + the first eight characters of the id.
func SessionName(sessionID string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return SessionPrefix + id
}

// IsManagedName reports whether name belongs to the codeman namespace.
func IsManagedName(name string) bool {
	return strings.HasPrefix(name, SessionPrefix)
}

// ShortID extracts the eight-character id fragment from a managed name.
func ShortID(name string) string {
	return strings.TrimPrefix(name, SessionPrefix)
}

// Detect probes for a supported multiplexer binary. backend selects a
// specific one ("tmux", "screen") or "auto" to probe in preference order.
func Detect(backend string, log *logger.Logger) (Backend, error) {
	probe := func(name string) (Backend, bool) {
		if _, err := exec.LookPath(name); err != nil {
			return nil, false
		}
		switch name {
		case "tmux":
			return NewTmux(log), true
		case "screen":
			return NewScreen(log), true
		}
		return nil, false
	}

	switch backend {
	case "tmux", "screen":
		if b, ok := probe(backend); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: %s not on PATH", ErrMultiplexerUnavailable, backend)
	case "", "auto":
		for _, name := range []string{"tmux", "screen"} {
			if b, ok := probe(name); ok {
				return b, nil
			}
		}
		return nil, ErrMultiplexerUnavailable
	default:
		return nil, fmt.Errorf("unknown multiplexer backend %q", backend)
	}
}
