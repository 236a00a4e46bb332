package mux

import (
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/logger"
)

// Tmux is the tmux Backend. It shells out to the tmux binary for every
// operation; tmux serializes commands against its server internally.
type Tmux struct {
	logger *logger.Logger

	// run executes tmux with args and returns combined output.
	// Overridable in tests.
	run func(args ...string) ([]byte, error)
}

// NewTmux creates a tmux backend.
func NewTmux(log *logger.Logger) *Tmux {
	return &Tmux{
		logger: log.WithComponent("tmux"),
		run: func(args ...string) ([]byte, error) {
			return exec.Command("tmux", args...).CombinedOutput()
		},
	}
}

// Name identifies the backend.
func (t *Tmux) Name() string { return "tmux" }

// Create starts a detached session running command in workingDir.
func (t *Tmux) Create(name, workingDir string, command []string) error {
	args := []string{"new-session", "-d", "-s", name, "-x", "200", "-y", "50"}
	if workingDir != "" {
		args = append(args, "-c", workingDir)
	}
	args = append(args, "--")
	args = append(args, command...)

	out, err := t.run(args...)
	if err != nil {
		return fmt.Errorf("tmux new-session %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	t.logger.Info("created session",
		zap.String("name", name),
		zap.String("working_dir", workingDir))
	return nil
}

// SendText types s into the session literally. The -l flag disables key
// name lookup so the text is never shell- or key-interpreted; "--" stops
// flag parsing for text beginning with a dash.
func (t *Tmux) SendText(name, s string) error {
	out, err := t.run("send-keys", "-t", name, "-l", "--", s)
	if err != nil {
		return t.wrapSessionErr(name, "send-keys", out, err)
	}
	return nil
}

// SendEnter sends a single Enter keypress.
func (t *Tmux) SendEnter(name string) error {
	out, err := t.run("send-keys", "-t", name, "Enter")
	if err != nil {
		return t.wrapSessionErr(name, "send-keys", out, err)
	}
	return nil
}

// Kill destroys the session. Missing sessions are ignored.
func (t *Tmux) Kill(name string) error {
	out, err := t.run("kill-session", "-t", name)
	if err != nil {
		if isTmuxMissingSession(out) {
			return nil
		}
		return fmt.Errorf("tmux kill-session %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	t.logger.Info("killed session", zap.String("name", name))
	return nil
}

// List returns the names of all live tmux sessions.
func (t *Tmux) List() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// tmux exits non-zero when no server is running; that means no sessions.
		if isTmuxNoServer(out) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return parseSessionList(string(out)), nil
}

// CapturePane returns the last lines of pane content including scrollback.
func (t *Tmux) CapturePane(name string, lines int) ([]byte, error) {
	if lines <= 0 {
		lines = 200
	}
	out, err := t.run("capture-pane", "-p", "-t", name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return nil, t.wrapSessionErr(name, "capture-pane", out, err)
	}
	return out, nil
}

// AttachArgs returns the argv that attaches a terminal to the session.
func (t *Tmux) AttachArgs(name string) []string {
	return []string{"tmux", "attach-session", "-t", name}
}

func (t *Tmux) wrapSessionErr(name, op string, out []byte, err error) error {
	if isTmuxMissingSession(out) {
		return fmt.Errorf("tmux %s %s: %w", op, name, ErrSessionGone)
	}
	return fmt.Errorf("tmux %s %s: %w: %s", op, name, err, strings.TrimSpace(string(out)))
}

func isTmuxMissingSession(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "can't find session") ||
		strings.Contains(s, "session not found") ||
		strings.Contains(s, "no such session")
}

func isTmuxNoServer(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "no server running") ||
		strings.Contains(s, "error connecting to")
}

// parseSessionList splits line-oriented session name output.
func parseSessionList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names
}
