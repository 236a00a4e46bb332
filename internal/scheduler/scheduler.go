// Package scheduler runs time-boxed agent sessions: a prompt is kicked
// off in a fresh session and the session is stopped when the wall-clock
// deadline passes. Stopping a run stops its session but never deletes
// it; the transcript stays inspectable.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
)

// RunStatus is the lifecycle state of a scheduled run.
type RunStatus string

const (
	RunActive  RunStatus = "active"
	RunStopped RunStatus = "stopped"
	RunExpired RunStatus = "expired"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("scheduled run not found")

// Run binds one session to a deadline and accumulates its totals.
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Prompt     string    `json:"prompt"`
	WorkingDir string    `json:"working_dir"`
	Status     RunStatus `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	TaskCount  int       `json:"task_count"`
	CostUSD    float64   `json:"cost_usd"`
}

// Runner is the session surface the scheduler drives.
type Runner interface {
	// StartRun creates a session in workingDir and kicks it off with prompt.
	StartRun(workingDir, prompt string) (sessionID string, err error)
	// StopRun stops the session without deleting it.
	StopRun(sessionID string) error
	// RunCost reports the session's accumulated cost.
	RunCost(sessionID string) float64
}

// Scheduler owns the run set and the deadline timers.
type Scheduler struct {
	runner  Runner
	logger  *logger.Logger
	cleanup *cleanup.Manager

	// OnRunEnded fires after a run stops or expires.
	OnRunEnded func(run Run)

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates an empty scheduler.
func New(runner Runner, log *logger.Logger, cm *cleanup.Manager) *Scheduler {
	return &Scheduler{
		runner:  runner,
		logger:  log.WithComponent("scheduler"),
		cleanup: cm,
		runs:    make(map[string]*Run),
	}
}

// Create starts a new scheduled run.
func (s *Scheduler) Create(prompt, workingDir string, durationMinutes int) (Run, error) {
	if durationMinutes <= 0 {
		return Run{}, fmt.Errorf("duration must be positive, got %d", durationMinutes)
	}

	sessionID, err := s.runner.StartRun(workingDir, prompt)
	if err != nil {
		return Run{}, fmt.Errorf("start scheduled run: %w", err)
	}

	now := time.Now().UTC()
	run := &Run{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Prompt:     prompt,
		WorkingDir: workingDir,
		Status:     RunActive,
		CreatedAt:  now,
		Deadline:   now.Add(time.Duration(durationMinutes) * time.Minute),
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	runID := run.ID
	s.cleanup.AfterFunc(time.Until(run.Deadline), func() {
		s.end(runID, RunExpired)
	})

	s.logger.Info("scheduled run created",
		zap.String("run_id", run.ID),
		zap.String("session_id", sessionID),
		zap.Time("deadline", run.Deadline))
	return *run, nil
}

// Stop ends a run before its deadline.
func (s *Scheduler) Stop(id string) error {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return ErrRunNotFound
	}
	active := run.Status == RunActive
	s.mu.Unlock()
	if !active {
		return nil
	}
	s.end(id, RunStopped)
	return nil
}

func (s *Scheduler) end(id string, status RunStatus) {
	s.mu.Lock()
	run, ok := s.runs[id]
	if !ok || run.Status != RunActive {
		s.mu.Unlock()
		return
	}
	run.Status = status
	run.CostUSD = s.runner.RunCost(run.SessionID)
	sessionID := run.SessionID
	snapshot := *run
	s.mu.Unlock()

	if err := s.runner.StopRun(sessionID); err != nil {
		s.logger.Warn("failed to stop scheduled session",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	s.logger.Info("scheduled run ended",
		zap.String("run_id", id),
		zap.String("status", string(status)))

	if s.OnRunEnded != nil {
		s.OnRunEnded(snapshot)
	}
}

// Get returns one run.
func (s *Scheduler) Get(id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return *run, nil
}

// List returns all runs.
func (s *Scheduler) List() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	return out
}

// Active returns the currently running subset (init snapshots).
func (s *Scheduler) Active() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Run
	for _, run := range s.runs {
		if run.Status == RunActive {
			out = append(out, *run)
		}
	}
	return out
}

// NoteCycle bumps the task counter of the run owning sessionID.
func (s *Scheduler) NoteCycle(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.SessionID == sessionID && run.Status == RunActive {
			run.TaskCount++
			return
		}
	}
}
