package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/creack/pty"
)

// WriteViaMux injects a single line of text into the agent through the
// multiplexer: the text is sent literally, then Enter follows as a
// separate keypress after a short delay. Input containing a newline is
// rejected outright; splitting it here would submit partial prompts.
func (s *Session) WriteViaMux(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return ErrMultiline
	}

	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == StatusStopped || status == StatusError {
		return ErrNotRunning
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.backend.SendText(s.MuxName, text); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	time.Sleep(interStepDelay)
	if err := s.backend.SendEnter(s.MuxName); err != nil {
		return fmt.Errorf("send enter: %w", err)
	}

	s.AddMessage("respawn", text)
	return nil
}

// WriteRaw forwards raw bytes (keystrokes from an attached client) to
// the PTY. No escaping, no Enter handling; the bytes are the keystrokes.
func (s *Session) WriteRaw(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotRunning
	}
	if _, err := ptmx.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize changes the PTY and virtual screen dimensions.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cols = cols
	s.rows = rows
	s.term.Resize(cols, rows)
	if s.ptmx != nil {
		if err := pty.Setsize(s.ptmx, &pty.Winsize{
			Cols: uint16(cols),
			Rows: uint16(rows),
		}); err != nil {
			return fmt.Errorf("pty resize: %w", err)
		}
	}
	return nil
}
