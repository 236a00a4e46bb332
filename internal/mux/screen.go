package mux

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/logger"
)

// Screen is the GNU screen Backend. Best-effort: screen's command
// surface is weaker than tmux's (no literal send mode, no in-band pane
// capture), so text is escaped before "stuff" and capture goes through a
// hardcopy temp file.
type Screen struct {
	logger *logger.Logger

	run func(args ...string) ([]byte, error)
}

// NewScreen creates a screen backend.
func NewScreen(log *logger.Logger) *Screen {
	return &Screen{
		logger: log.WithComponent("screen"),
		run: func(args ...string) ([]byte, error) {
			return exec.Command("screen", args...).CombinedOutput()
		},
	}
}

// Name identifies the backend.
func (s *Screen) Name() string { return "screen" }

// Create starts a detached session running command in workingDir.
func (s *Screen) Create(name, workingDir string, command []string) error {
	args := []string{"-dmS", name}
	args = append(args, command...)
	cmd := exec.Command("screen", args...)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("screen -dmS %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	s.logger.Info("created session",
		zap.String("name", name),
		zap.String("working_dir", workingDir))
	return nil
}

// SendText types text into the session. screen's "stuff" interprets
// backslash escapes, so they are doubled to keep the text literal.
func (s *Screen) SendText(name, text string) error {
	escaped := strings.ReplaceAll(text, `\`, `\\`)
	out, err := s.run("-S", name, "-X", "stuff", escaped)
	if err != nil {
		return s.wrapSessionErr(name, out, err)
	}
	return nil
}

// SendEnter sends a carriage return.
func (s *Screen) SendEnter(name string) error {
	out, err := s.run("-S", name, "-X", "stuff", `\r`)
	if err != nil {
		return s.wrapSessionErr(name, out, err)
	}
	return nil
}

// Kill destroys the session. Missing sessions are ignored.
func (s *Screen) Kill(name string) error {
	out, err := s.run("-S", name, "-X", "quit")
	if err != nil && !isScreenMissingSession(out) {
		return fmt.Errorf("screen quit %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	s.logger.Info("killed session", zap.String("name", name))
	return nil
}

// List returns the names of all live screen sessions.
func (s *Screen) List() ([]string, error) {
	out, _ := s.run("-ls")
	// screen -ls exits non-zero even on success; parse unconditionally.
	return parseScreenList(string(out)), nil
}

// CapturePane captures the session's scrollback via a hardcopy file.
func (s *Screen) CapturePane(name string, lines int) ([]byte, error) {
	tmp, err := os.CreateTemp("", "codeman-hardcopy-*")
	if err != nil {
		return nil, fmt.Errorf("hardcopy temp file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(path) }()

	out, err := s.run("-S", name, "-X", "hardcopy", "-h", path)
	if err != nil {
		return nil, s.wrapSessionErr(name, out, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hardcopy: %w", err)
	}
	return tailLines(data, lines), nil
}

// AttachArgs returns the argv that attaches a terminal to the session.
func (s *Screen) AttachArgs(name string) []string {
	return []string{"screen", "-r", name}
}

func (s *Screen) wrapSessionErr(name string, out []byte, err error) error {
	if isScreenMissingSession(out) {
		return fmt.Errorf("screen %s: %w", name, ErrSessionGone)
	}
	return fmt.Errorf("screen %s: %w: %s", name, err, strings.TrimSpace(string(out)))
}

func isScreenMissingSession(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "No screen session found") ||
		strings.Contains(s, "There is no screen")
}

// parseScreenList extracts session names from "screen -ls" output.
// Lines look like "\t12345.codeman-ab12cd34\t(Detached)"; the name is
// the part after "pid.".
func parseScreenList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, ".") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		dot := strings.Index(fields[0], ".")
		if dot < 0 || dot == len(fields[0])-1 {
			continue
		}
		name := fields[0][dot+1:]
		names = append(names, name)
	}
	return names
}

// tailLines keeps the last n lines of data.
func tailLines(data []byte, n int) []byte {
	if n <= 0 {
		return data
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) <= n {
		return data
	}
	return []byte(strings.Join(lines[len(lines)-n:], "\n"))
}
