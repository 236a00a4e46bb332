// Package state persists the supervisor's flattened snapshot as a
// single JSON document. Writes are debounced and atomic; persistence
// never blocks the supervision hot path. On startup the document decides
// which multiplexer sessions get adopted.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
	"github.com/codeman/codeman/internal/ralph"
	"github.com/codeman/codeman/internal/respawn"
	"github.com/codeman/codeman/internal/session"
)

const debounceDelay = 500 * time.Millisecond

// SessionSnapshot is the persisted shape of one session.
type SessionSnapshot struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	WorkingDir     string         `json:"working_dir"`
	Status         session.Status `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Tokens         int64          `json:"tokens"`
	CostUSD        float64        `json:"cost_usd"`
	Respawn        respawn.Config `json:"respawn"`
}

// TaskSnapshot is the persisted shape of one scheduled run.
type TaskSnapshot struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Prompt    string    `json:"prompt"`
	Deadline  time.Time `json:"deadline"`
	TaskCount int       `json:"task_count"`
	CostUSD   float64   `json:"cost_usd"`
}

// Document is the full persisted state. Top-level keys are contractual.
type Document struct {
	Sessions  map[string]SessionSnapshot `json:"sessions"`
	Tasks     map[string]TaskSnapshot    `json:"tasks"`
	RalphLoop map[string]ralph.LoopState `json:"ralphLoop"`
	Config    map[string]any             `json:"config"`
}

func emptyDocument() Document {
	return Document{
		Sessions:  make(map[string]SessionSnapshot),
		Tasks:     make(map[string]TaskSnapshot),
		RalphLoop: make(map[string]ralph.LoopState),
		Config:    make(map[string]any),
	}
}

// Store owns the document and its debounced persistence.
type Store struct {
	path    string
	logger  *logger.Logger
	cleanup *cleanup.Manager

	mu    sync.Mutex
	doc   Document
	dirty bool
	timer *time.Timer
}

// New creates a store bound to path. Call Load before first use.
func New(path string, log *logger.Logger, cm *cleanup.Manager) *Store {
	s := &Store{
		path:    path,
		logger:  log.WithComponent("state"),
		cleanup: cm,
		doc:     emptyDocument(),
	}
	cm.OnDispose(func() {
		if err := s.Flush(); err != nil {
			s.logger.Warn("final state flush failed", zap.Error(err))
		}
	})
	return s
}

// Load reads the document from disk. A missing file yields an empty
// document; a corrupt file is an error so the caller can decide.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}

	doc := emptyDocument()
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]SessionSnapshot)
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]TaskSnapshot)
	}
	if doc.RalphLoop == nil {
		doc.RalphLoop = make(map[string]ralph.LoopState)
	}
	if doc.Config == nil {
		doc.Config = make(map[string]any)
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	s.logger.Info("state loaded",
		zap.String("path", s.path),
		zap.Int("sessions", len(doc.Sessions)))
	return nil
}

// Update applies a mutation to the document and schedules a debounced
// write.
func (s *Store) Update(mutate func(*Document)) {
	s.mu.Lock()
	mutate(&s.doc)
	s.markDirtyLocked()
	s.mu.Unlock()
}

// UpsertSession stores a session snapshot.
func (s *Store) UpsertSession(snap SessionSnapshot) {
	s.Update(func(doc *Document) { doc.Sessions[snap.ID] = snap })
}

// RemoveSession deletes a session and its loop state.
func (s *Store) RemoveSession(id string) {
	s.Update(func(doc *Document) {
		delete(doc.Sessions, id)
		delete(doc.RalphLoop, id)
	})
}

// Session returns a persisted session snapshot.
func (s *Store) Session(id string) (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.doc.Sessions[id]
	return snap, ok
}

// SetRalphLoop stores a session's loop state.
func (s *Store) SetRalphLoop(sessionID string, loop ralph.LoopState) {
	s.Update(func(doc *Document) { doc.RalphLoop[sessionID] = loop })
}

// UpsertTask stores a scheduled-run snapshot.
func (s *Store) UpsertTask(task TaskSnapshot) {
	s.Update(func(doc *Document) { doc.Tasks[task.ID] = task })
}

// RemoveTask deletes a scheduled-run snapshot.
func (s *Store) RemoveTask(id string) {
	s.Update(func(doc *Document) { delete(doc.Tasks, id) })
}

// Snapshot returns a deep copy of the document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := emptyDocument()
	for k, v := range s.doc.Sessions {
		out.Sessions[k] = v
	}
	for k, v := range s.doc.Tasks {
		out.Tasks[k] = v
	}
	for k, v := range s.doc.RalphLoop {
		out.RalphLoop[k] = v
	}
	for k, v := range s.doc.Config {
		out.Config[k] = v
	}
	return out
}

// markDirtyLocked arms the debounce timer. Must hold s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = s.cleanup.AfterFunc(debounceDelay, func() {
		if err := s.Flush(); err != nil {
			// warn and leave dirty; the next update retries from the
			// latest in-memory snapshot
			s.logger.Warn("state persist failed", zap.Error(err))
		}
	})
}

// Flush writes the document now if it is dirty.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("encode state: %w", err)
	}
	s.dirty = false
	s.mu.Unlock()

	if err := writeAtomic(s.path, data); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// writeAtomic writes via a temp file in the same directory plus rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
