package session

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/ansi"
	"github.com/codeman/codeman/internal/common/buffer"
	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
	"github.com/codeman/codeman/internal/mux"
)

// Callbacks receive session output and status transitions. They are
// invoked from the PTY read goroutine in production order; heavy
// consumers must do their own buffering.
type Callbacks struct {
	// OnOutput receives raw terminal bytes (for fanout and clients).
	OnOutput func(sessionID string, chunk []byte)
	// OnText receives the ANSI-stripped copy (for the tracker).
	OnText func(sessionID string, stripped []byte)
	// OnStatusChange fires on every accepted status transition.
	OnStatusChange func(sessionID string, old, new Status)
}

const (
	defaultCols = 200
	defaultRows = 50

	// activityCheckInterval throttles vt10x screen inspection.
	activityCheckInterval = 100 * time.Millisecond

	// interStepDelay separates literal text from the Enter keypress in
	// WriteViaMux. The agent's line editor drops the newline otherwise.
	interStepDelay = 120 * time.Millisecond

	// shutdownGrace is how long SIGTERM gets before SIGKILL.
	shutdownGrace = 100 * time.Millisecond
)

// Session owns one agent subprocess hosted in a multiplexer session,
// attached through a PTY.
type Session struct {
	ID         string
	Name       string
	WorkingDir string
	MuxName    string

	backend   mux.Backend
	logger    *logger.Logger
	cleanup   *cleanup.Manager
	callbacks Callbacks

	createdAt time.Time

	mu            sync.Mutex
	status        Status
	taskID        string
	cmd           *exec.Cmd
	ptmx          *os.File
	term          vt10x.Terminal
	cols, rows    int
	lastActivity  time.Time
	lastCheck     time.Time
	tokens        int64
	cost          float64
	messages      []Message
	stripper      *ansi.Stripper
	stopRequested bool

	rawBuf  *buffer.Buffer
	textBuf *buffer.Buffer

	idleTimerMu sync.Mutex
	idleTimer   *time.Timer

	// writeMu serializes programmatic prompt injection per session.
	writeMu sync.Mutex

	stopOnce   sync.Once
	stopSignal chan struct{}
	waitDone   chan struct{}
}

// New creates a session bound to a multiplexer backend. The subprocess
// is not started until Start or Adopt.
func New(id, name, workingDir string, backend mux.Backend, log *logger.Logger, cb Callbacks) *Session {
	return &Session{
		ID:         id,
		Name:       name,
		WorkingDir: workingDir,
		MuxName:    mux.SessionName(id),
		backend:    backend,
		logger:     log.WithComponent("session").WithSessionID(id),
		cleanup:    cleanup.New(),
		callbacks:  cb,
		createdAt:  time.Now().UTC(),
		status:     StatusIdle,
		cols:       defaultCols,
		rows:       defaultRows,
		term:       vt10x.New(vt10x.WithSize(defaultCols, defaultRows)),
		stripper:   ansi.NewStripper(),
		rawBuf:     buffer.New(rawBufferMax, rawBufferTrimTo),
		textBuf:    buffer.New(textBufferMax, textBufferTrim),
		stopSignal: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}
}

// Start creates the multiplexer session running command and attaches to it.
func (s *Session) Start(command []string) error {
	if err := s.backend.Create(s.MuxName, s.WorkingDir, command); err != nil {
		return fmt.Errorf("create multiplexer session: %w", err)
	}
	return s.attach()
}

// Adopt attaches to a multiplexer session that already exists (durable
// session discovered after a supervisor restart).
func (s *Session) Adopt() error {
	return s.attach()
}

func (s *Session) attach() error {
	args := s.backend.AttachArgs(s.MuxName)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(s.cols),
		Rows: uint16(s.rows),
	})
	if err != nil {
		return fmt.Errorf("attach pty: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.ptmx = ptmx
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Info("session attached",
		zap.String("mux_name", s.MuxName),
		zap.Int("pid", cmd.Process.Pid))

	go s.readLoop()
	go s.wait()
	return nil
}

func (s *Session) readLoop() {
	buf := make([]byte, 32768)
	for {
		select {
		case <-s.stopSignal:
			return
		default:
		}

		s.mu.Lock()
		ptmx := s.ptmx
		s.mu.Unlock()
		if ptmx == nil {
			return
		}

		n, err := ptmx.Read(buf)
		if n > 0 {
			s.handleOutput(buf[:n])
		}
		if err != nil {
			s.logger.Debug("pty read ended", zap.Error(err))
			return
		}
	}
}

// handleOutput runs the per-chunk pipeline: buffers, vt10x screen,
// stripped copy, activity detection, sinks.
func (s *Session) handleOutput(data []byte) {
	s.rawBuf.Append(data)

	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	_, _ = s.term.Write(data)
	stripped := s.stripper.Strip(data)
	if tokens := parseTokenCount(string(stripped)); tokens > 0 {
		s.tokens = tokens
	}
	if cost := parseCost(string(stripped)); cost > 0 {
		s.cost = cost
	}
	checkDue := time.Since(s.lastCheck) >= activityCheckInterval
	if checkDue {
		s.lastCheck = time.Now()
	}
	var lines []string
	if checkDue {
		lines = visibleLines(s.term, s.cols, s.rows)
	}
	s.mu.Unlock()

	s.textBuf.Append(stripped)

	if s.callbacks.OnOutput != nil {
		s.callbacks.OnOutput(s.ID, data)
	}
	if s.callbacks.OnText != nil && len(stripped) > 0 {
		s.callbacks.OnText(s.ID, stripped)
	}

	if checkDue {
		switch detectActivity(lines) {
		case activityWorking:
			s.disarmIdleTimer()
			s.setStatus(StatusBusy)
		case activityPromptVisible:
			s.armIdleTimer()
		default:
			if len(strings.TrimSpace(string(stripped))) > 0 {
				s.disarmIdleTimer()
			}
		}
	} else if len(strings.TrimSpace(string(stripped))) > 0 {
		// Non-whitespace output between checks disarms a pending idle
		// verdict: the agent is still talking.
		s.disarmIdleTimer()
	}
}

// armIdleTimer starts the idle confirmation delay if not already pending.
func (s *Session) armIdleTimer() {
	s.idleTimerMu.Lock()
	defer s.idleTimerMu.Unlock()
	if s.idleTimer != nil {
		return
	}
	s.idleTimer = s.cleanup.AfterFunc(promptIdleDelay, func() {
		s.idleTimerMu.Lock()
		s.idleTimer = nil
		s.idleTimerMu.Unlock()
		s.setStatus(StatusIdle)
	})
}

func (s *Session) disarmIdleTimer() {
	s.idleTimerMu.Lock()
	defer s.idleTimerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// setStatus applies a transition if it is legal: idle<->busy freely,
// anything may become stopped or error, stopped and error are terminal
// for the derived states.
func (s *Session) setStatus(next Status) {
	s.mu.Lock()
	old := s.status
	legal := false
	switch {
	case old == next:
	case next == StatusStopped || next == StatusError:
		legal = true
	case (old == StatusIdle || old == StatusBusy) && (next == StatusIdle || next == StatusBusy):
		legal = true
	}
	if legal {
		s.status = next
	}
	s.mu.Unlock()

	if legal && s.callbacks.OnStatusChange != nil {
		s.callbacks.OnStatusChange(s.ID, old, next)
	}
}

// MarkError flags the session as failed (e.g. multiplexer lost it).
func (s *Session) MarkError() {
	s.setStatus(StatusError)
}

func (s *Session) wait() {
	defer close(s.waitDone)

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	err := cmd.Wait()

	s.mu.Lock()
	requested := s.stopRequested
	s.cmd = nil
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
	s.mu.Unlock()

	s.logger.Info("attach client exited",
		zap.Bool("stop_requested", requested),
		zap.Error(err))

	s.setStatus(StatusStopped)
}

// Stop shuts the session down: SIGTERM, a short grace period, SIGKILL on
// the pid and its process group, then the multiplexer session is killed
// and all timers are disposed. The session stays addressable as stopped.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopRequested = true
	cmd := s.cmd
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopSignal) })
	s.disarmIdleTimer()

	if cmd != nil && cmd.Process != nil {
		terminateProcess(cmd.Process.Pid, shutdownGrace)
		select {
		case <-s.waitDone:
		case <-time.After(2 * time.Second):
		}
	}

	if err := s.backend.Kill(s.MuxName); err != nil {
		s.logger.Warn("failed to kill multiplexer session", zap.Error(err))
	}

	s.cleanup.Dispose()
	s.setStatus(StatusStopped)
}

// Detach closes the attach client but leaves the multiplexer session
// running, so the agent survives a supervisor restart and gets adopted.
func (s *Session) Detach() {
	s.mu.Lock()
	s.stopRequested = true
	cmd := s.cmd
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopSignal) })
	s.disarmIdleTimer()

	if cmd != nil && cmd.Process != nil {
		terminateProcess(cmd.Process.Pid, shutdownGrace)
		select {
		case <-s.waitDone:
		case <-time.After(2 * time.Second):
		}
	}

	s.cleanup.Dispose()
}

// Info returns a point-in-time snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pid *int
	if s.cmd != nil && s.cmd.Process != nil {
		p := s.cmd.Process.Pid
		pid = &p
	}
	return Info{
		ID:             s.ID,
		Name:           s.Name,
		MuxName:        s.MuxName,
		WorkingDir:     s.WorkingDir,
		Status:         s.status,
		PID:            pid,
		TaskID:         s.taskID,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		Tokens:         s.tokens,
		CostUSD:        s.cost,
		OutputTotal:    s.rawBuf.Total(),
	}
}

// Signals returns the quiescence signals sampled by the respawn controller.
func (s *Session) Signals() Signals {
	s.mu.Lock()
	status := s.status
	tokens := s.tokens
	last := s.lastActivity
	s.mu.Unlock()

	return Signals{
		Status:         status,
		Tokens:         tokens,
		OutputTotal:    s.rawBuf.Total(),
		OutputTail:     string(s.textBuf.Tail(512)),
		LastActivityAt: last,
	}
}

// Status returns the current derived status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetTaskID assigns the current task.
func (s *Session) SetTaskID(taskID string) {
	s.mu.Lock()
	s.taskID = taskID
	s.mu.Unlock()
}

// AddMessage appends a transcript entry, trimming the oldest entries
// when the cap is exceeded.
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if len(s.messages) > maxMessages {
		kept := make([]Message, trimMessagesTo)
		copy(kept, s.messages[len(s.messages)-trimMessagesTo:])
		s.messages = kept
	}
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// RawTail returns the last n raw terminal bytes.
func (s *Session) RawTail(n int) []byte {
	return s.rawBuf.Tail(n)
}

// TextTail returns the last n bytes of stripped text output.
func (s *Session) TextTail(n int) []byte {
	return s.textBuf.Tail(n)
}

// Cleanup exposes the session's cleanup manager so collaborating
// components (tracker, controller) can tie their disposal to it.
func (s *Session) Cleanup() *cleanup.Manager {
	return s.cleanup
}
