// Package supervisor is the composition root. It owns the multiplexer
// backend, the managed session set, and the per-session supervision
// bundle (output tracker, respawn controller, AI arbiter), and it
// connects their events to the bus, the SSE fanout hub, and the
// persistence layers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/arbiter"
	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/config"
	"github.com/codeman/codeman/internal/common/logger"
	"github.com/codeman/codeman/internal/common/stringutil"
	"github.com/codeman/codeman/internal/events/bus"
	"github.com/codeman/codeman/internal/fanout"
	"github.com/codeman/codeman/internal/history"
	"github.com/codeman/codeman/internal/mux"
	"github.com/codeman/codeman/internal/ralph"
	"github.com/codeman/codeman/internal/respawn"
	"github.com/codeman/codeman/internal/scheduler"
	"github.com/codeman/codeman/internal/session"
	"github.com/codeman/codeman/internal/state"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// managed bundles one session with its supervision stack.
type managed struct {
	sess    *session.Session
	tracker *ralph.Tracker
	ctrl    *respawn.Controller
	arb     *arbiter.Arbiter
	cm      *cleanup.Manager
}

// CreateOptions are the caller-supplied parameters for a new session.
type CreateOptions struct {
	Name       string
	WorkingDir string
	Command    []string          // empty: the configured agent command
	Env        map[string]string // allowlisted overrides, applied via env(1)
	Respawn    *respawn.Config   // nil: defaults from config
}

// Supervisor owns the managed session set.
type Supervisor struct {
	cfg     *config.Config
	logger  *logger.Logger
	cleanup *cleanup.Manager

	backend mux.Backend
	store   *state.Store
	history *history.Store // nil when disabled
	bus     bus.EventBus
	hub     *fanout.Hub
	sched   *scheduler.Scheduler

	mu       sync.Mutex
	sessions map[string]*managed
	taps     map[string]map[uint64]func([]byte)
	tapSeq   uint64
}

// New builds the supervisor: detects the multiplexer, loads persisted
// state, connects the event plane, and adopts surviving sessions.
func New(cfg *config.Config, log *logger.Logger) (*Supervisor, error) {
	backend, err := mux.Detect(cfg.Mux.Backend, log)
	if err != nil {
		return nil, err
	}
	log.Info("multiplexer detected", zap.String("backend", backend.Name()))
	return NewWithBackend(cfg, log, backend)
}

// NewWithBackend builds the supervisor on an already selected backend.
func NewWithBackend(cfg *config.Config, log *logger.Logger, backend mux.Backend) (*Supervisor, error) {
	cm := cleanup.New()

	store := state.New(cfg.State.Path, log, cm)
	if err := store.Load(); err != nil {
		cm.Dispose()
		return nil, fmt.Errorf("load state: %w", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		var err error
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			// History is observability only; run without it.
			log.Warn("history store unavailable", zap.Error(err))
			hist = nil
		}
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		if natsBus, err := bus.NewNATSEventBus(cfg.NATS, log); err != nil {
			log.Warn("NATS unavailable, using in-memory event bus", zap.Error(err))
			eventBus = bus.NewMemoryEventBus(log)
		} else {
			eventBus = natsBus
		}
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   log.WithComponent("supervisor"),
		cleanup:  cm,
		backend:  backend,
		store:    store,
		history:  hist,
		bus:      eventBus,
		sessions: make(map[string]*managed),
		taps:     make(map[string]map[uint64]func([]byte)),
	}
	s.hub = fanout.NewHub(log, cm, s.fullSnapshot)
	s.sched = scheduler.New(s, log, cm)
	s.sched.OnRunEnded = s.onRunEnded

	if err := s.subscribeFanout(); err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe event bus: %w", err)
	}

	s.adoptSessions()
	return s, nil
}

// subscribeFanout forwards every bus event to connected SSE clients.
// Terminal output bypasses the bus and goes straight to the hub's
// batcher; everything else rides the bus so external consumers (NATS)
// see the same stream.
func (s *Supervisor) subscribeFanout() error {
	forward := func(ctx context.Context, ev *bus.Event) error {
		s.hub.Broadcast(fanout.Event{Name: ev.Type, Data: ev})
		return nil
	}
	for _, pattern := range []string{"session.>", "ralph.>", "respawn.>", "hook.>"} {
		if _, err := s.bus.Subscribe(pattern, forward); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) publish(subject, eventType, sessionID string, data map[string]any) {
	ev := bus.NewEvent(eventType, sessionID, data)
	if err := s.bus.Publish(context.Background(), subject, ev); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}

// adoptSessions reattaches to multiplexer sessions that survived a
// supervisor restart. Live sessions with a persisted record are
// adopted; live sessions without one are orphans and get killed;
// persisted records without a live session are marked stopped.
func (s *Supervisor) adoptSessions() {
	names, err := s.backend.List()
	if err != nil {
		s.logger.Warn("multiplexer list failed", zap.Error(err))
		return
	}

	live := make(map[string]string) // short id -> mux name
	for _, name := range names {
		if mux.IsManagedName(name) {
			live[mux.ShortID(name)] = name
		}
	}

	doc := s.store.Snapshot()
	adopted := make(map[string]bool) // short id -> adopted
	for id, snap := range doc.Sessions {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		if _, ok := live[short]; !ok {
			if snap.Status != session.StatusStopped {
				snap.Status = session.StatusStopped
				s.store.UpsertSession(snap)
			}
			continue
		}
		adopted[short] = true

		m := s.buildManaged(id, snap.Name, snap.WorkingDir, snap.Respawn)
		if err := m.sess.Adopt(); err != nil {
			s.logger.Warn("session adoption failed",
				zap.String("session_id", id), zap.Error(err))
			m.cm.Dispose()
			continue
		}
		s.mu.Lock()
		s.sessions[id] = m
		s.mu.Unlock()
		if loop, ok := doc.RalphLoop[id]; ok && loop.Enabled {
			m.tracker.Configure(loop.CompletionPhrase, loop.MaxIterations)
			for _, alt := range loop.AlternatePhrases {
				m.tracker.AddAlternatePhrase(alt)
			}
		}
		if snap.Respawn.Enabled {
			m.ctrl.Start()
		}
		s.logger.Info("session adopted", zap.String("session_id", id))
	}

	for short, name := range live {
		if !adopted[short] {
			s.logger.Info("killing orphaned multiplexer session",
				zap.String("mux_name", name))
			if err := s.backend.Kill(name); err != nil {
				s.logger.Warn("orphan kill failed",
					zap.String("mux_name", name), zap.Error(err))
			}
		}
	}
}

// buildManaged assembles the supervision bundle for one session id.
// The session subprocess is not started.
func (s *Supervisor) buildManaged(id, name, workingDir string, rcfg respawn.Config) *managed {
	cm := cleanup.New()
	m := &managed{cm: cm}

	m.arb = arbiter.New(arbiter.Config{
		Command:              s.cfg.Arbiter.Command,
		CooldownMs:           s.cfg.Arbiter.CooldownMs,
		ErrorCooldownMs:      s.cfg.Arbiter.ErrorCooldownMs,
		MaxConsecutiveErrors: s.cfg.Arbiter.MaxConsecutiveErrors,
	}, s.logger, arbiter.Events{
		OnDisabled: func(reason string) {
			s.publish(bus.RespawnSubject(id, "aiDisabled"), "respawn:aiDisabled", id,
				map[string]any{"reason": reason})
		},
	})

	m.tracker = ralph.New(id, s.logger, cm, ralph.Events{
		OnEnabled: func() {
			s.publish(bus.RalphSubject(id, "enabled"), "ralph:enabled", id, nil)
		},
		OnLoopUpdate: func(loop ralph.LoopState) {
			s.store.SetRalphLoop(id, loop)
			s.publish(bus.RalphSubject(id, "loopUpdate"), "ralph:loopUpdate", id,
				map[string]any{"loop": loop})
		},
		OnTodoUpdate: func(todos []ralph.Todo) {
			s.publish(bus.RalphSubject(id, "todoUpdate"), "ralph:todoUpdate", id,
				map[string]any{"todos": todos})
		},
		OnCompletionDetected: func(phrase string, confidence float64) {
			m.ctrl.OnCompletionDetected(phrase)
			s.publish(bus.RalphSubject(id, "completionDetected"), "ralph:completionDetected", id,
				map[string]any{"phrase": phrase, "confidence": confidence})
		},
		OnCompletionIndicator: func(line string) {
			m.ctrl.OnCompletionIndicator()
			s.publish(bus.RalphSubject(id, "completionIndicator"), "ralph:completionIndicator", id,
				map[string]any{"line": line})
		},
		OnStatusBlock: func(block ralph.StatusBlock) {
			m.ctrl.OnStatusBlock(block)
			s.publish(bus.RalphSubject(id, "statusBlock"), "ralph:statusBlock", id,
				map[string]any{"block": block})
		},
		OnPhraseWarning: func(phrase, suggestion string) {
			s.publish(bus.RalphSubject(id, "phraseWarning"), "ralph:phraseWarning", id,
				map[string]any{"phrase": phrase, "suggestion": suggestion})
		},
	})

	m.sess = session.New(id, name, workingDir, s.backend, s.logger, session.Callbacks{
		OnOutput: func(sessionID string, chunk []byte) {
			s.hub.Terminal(sessionID, chunk)
			s.forwardTaps(sessionID, chunk)
			m.ctrl.OnOutput()
		},
		OnText: func(sessionID string, stripped []byte) {
			m.tracker.Feed(stripped)
		},
		OnStatusChange: func(sessionID string, old, next session.Status) {
			m.ctrl.OnSessionStatus(next)
			s.persistSession(m)
			s.publish(bus.SessionSubject(sessionID, "status"), "session:statusChanged", sessionID,
				map[string]any{"old": old, "new": next})
		},
	})

	m.ctrl = respawn.NewController(id, rcfg, m.sess, s.logger, cm, respawn.Events{
		OnStateChanged: func(old, next respawn.State, reason string) {
			s.publish(bus.RespawnSubject(id, "state"), "respawn:stateChanged", id,
				map[string]any{"old": old, "new": next, "reason": reason})
		},
		OnCycleStarted: func(cycle int, prompt string) {
			s.recordCycle(id, cycle, prompt)
			s.sched.NoteCycle(id)
			s.publish(bus.RespawnSubject(id, "cycle"), "respawn:cycleStarted", id,
				map[string]any{"cycle": cycle, "prompt": stringutil.TruncateStringWithEllipsis(prompt, 500)})
		},
		OnBlocked: func(reason string) {
			s.publish(bus.RespawnSubject(id, "blocked"), "respawn:blocked", id,
				map[string]any{"reason": reason})
		},
		OnExitGateMet: func() {
			s.publish(bus.RespawnSubject(id, "exitGate"), "respawn:exitGate", id, nil)
		},
		OnBreakerChanged: func(snap respawn.BreakerSnapshot) {
			s.recordBreaker(id, snap)
			s.publish(bus.RespawnSubject(id, "breaker"), "respawn:breakerChanged", id,
				map[string]any{"breaker": snap})
		},
	},
		respawn.WithIdleChecker(m.arb),
		respawn.WithTodoSource(func() (string, bool) {
			return nextPendingTodo(m.tracker)
		}),
	)

	cm.OnDispose(m.ctrl.Dispose)
	return m
}

// nextPendingTodo picks the injection prompt for ralph-todo mode:
// the oldest non-completed tracked task.
func nextPendingTodo(t *ralph.Tracker) (string, bool) {
	snap := t.Snapshot()
	for _, todo := range snap.Todos {
		if todo.Status != ralph.TodoCompleted {
			return "Work on this task: " + todo.Content, true
		}
	}
	return "", false
}

func (s *Supervisor) recordCycle(id string, cycle int, prompt string) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.RecordCycle(ctx, id, cycle, prompt); err != nil {
		s.logger.Warn("history cycle record failed", zap.Error(err))
	}
}

func (s *Supervisor) recordBreaker(id string, snap respawn.BreakerSnapshot) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.RecordBreakerTransition(ctx, id, string(snap.State), snap.Reason); err != nil {
		s.logger.Warn("history breaker record failed", zap.Error(err))
	}
}

func (s *Supervisor) persistSession(m *managed) {
	info := m.sess.Info()
	s.store.UpsertSession(state.SessionSnapshot{
		ID:             info.ID,
		Name:           info.Name,
		WorkingDir:     info.WorkingDir,
		Status:         info.Status,
		CreatedAt:      info.CreatedAt,
		LastActivityAt: info.LastActivityAt,
		Tokens:         info.Tokens,
		CostUSD:        info.CostUSD,
		Respawn:        m.ctrl.Config(),
	})
}

// CreateSession starts a new agent session.
func (s *Supervisor) CreateSession(opts CreateOptions) (session.Info, error) {
	command := opts.Command
	if len(command) == 0 {
		command = s.cfg.Agent.Command
	}
	if len(opts.Env) > 0 {
		wrapped := []string{"/usr/bin/env"}
		for k, v := range opts.Env {
			wrapped = append(wrapped, k+"="+v)
		}
		command = append(wrapped, command...)
	}

	rcfg := respawn.DefaultConfig()
	rcfg.IdleTimeoutMs = s.cfg.Respawn.IdleTimeoutMs
	rcfg.CompletionConfirmMs = s.cfg.Respawn.CompletionConfirmMs
	rcfg.NoOutputTimeoutMs = s.cfg.Respawn.NoOutputTimeoutMs
	rcfg.CooldownMs = s.cfg.Respawn.CooldownMs
	rcfg.AIIdleCheck = s.cfg.Respawn.AIIdleCheck
	rcfg.AIIdleCheckTimeoutMs = s.cfg.Respawn.AIIdleCheckTimeoutMs
	rcfg.AIIdleCheckCooldownMs = s.cfg.Respawn.AIIdleCheckCooldownMs
	rcfg.MaxIterations = s.cfg.Respawn.MaxCycles
	rcfg.Prompt = s.cfg.Respawn.Prompt
	if opts.Respawn != nil {
		rcfg = *opts.Respawn
	}

	id := uuid.NewString()
	m := s.buildManaged(id, opts.Name, opts.WorkingDir, rcfg)
	if err := m.sess.Start(command); err != nil {
		m.cm.Dispose()
		return session.Info{}, err
	}

	s.mu.Lock()
	s.sessions[id] = m
	s.mu.Unlock()

	s.persistSession(m)
	info := m.sess.Info()
	s.publish(bus.SessionSubject(id, "created"), "session:created", id,
		map[string]any{"session": info})
	return info, nil
}

func (s *Supervisor) get(id string) (*managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return m, nil
}

// ListSessions returns snapshots of all managed sessions.
func (s *Supervisor) ListSessions() []session.Info {
	s.mu.Lock()
	managedSet := make([]*managed, 0, len(s.sessions))
	for _, m := range s.sessions {
		managedSet = append(managedSet, m)
	}
	s.mu.Unlock()

	out := make([]session.Info, 0, len(managedSet))
	for _, m := range managedSet {
		out = append(out, m.sess.Info())
	}
	return out
}

// GetSession returns one session snapshot.
func (s *Supervisor) GetSession(id string) (session.Info, error) {
	m, err := s.get(id)
	if err != nil {
		return session.Info{}, err
	}
	return m.sess.Info(), nil
}

// StopSession stops the agent but keeps the session record.
func (s *Supervisor) StopSession(id string) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.ctrl.Stop()
	m.sess.Stop()
	s.persistSession(m)
	return nil
}

// DeleteSession stops the agent, destroys the multiplexer session, and
// removes every trace of the session.
func (s *Supervisor) DeleteSession(id string) error {
	s.mu.Lock()
	m, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	delete(s.taps, id)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	m.ctrl.Stop()
	m.sess.Stop()
	if err := s.backend.Kill(m.sess.MuxName); err != nil {
		s.logger.Warn("multiplexer kill failed",
			zap.String("session_id", id), zap.Error(err))
	}
	m.cm.Dispose()

	s.store.RemoveSession(id)
	s.hub.DropSession(id)
	s.publish(bus.SessionSubject(id, "deleted"), "session:deleted", id, nil)
	return nil
}

// SendInput injects a single line of text into the session.
func (s *Supervisor) SendInput(id, text string) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	return m.sess.WriteViaMux(text)
}

// WriteRaw writes raw bytes to the session PTY (terminal attach path).
func (s *Supervisor) WriteRaw(id string, data []byte) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	return m.sess.WriteRaw(data)
}

// Resize changes the session's terminal dimensions.
func (s *Supervisor) Resize(id string, cols, rows int) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	return m.sess.Resize(cols, rows)
}

// Messages returns the session transcript.
func (s *Supervisor) Messages(id string) ([]session.Message, error) {
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return m.sess.Messages(), nil
}

// RawTail returns the last n bytes of raw terminal output.
func (s *Supervisor) RawTail(id string, n int) ([]byte, error) {
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return m.sess.RawTail(n), nil
}

// CapturePane asks the multiplexer for the session's visible pane plus
// scrollback. Unlike RawTail it survives supervisor restarts, since the
// content lives in the multiplexer, not in this process.
func (s *Supervisor) CapturePane(id string, lines int) ([]byte, error) {
	m, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return s.backend.CapturePane(m.sess.MuxName, lines)
}

// TapOutput registers fn to receive the session's raw terminal bytes
// (websocket attach clients). The returned function removes the tap.
func (s *Supervisor) TapOutput(id string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	s.tapSeq++
	seq := s.tapSeq
	if s.taps[id] == nil {
		s.taps[id] = make(map[uint64]func([]byte))
	}
	s.taps[id][seq] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.taps[id], seq)
	}, nil
}

func (s *Supervisor) forwardTaps(id string, chunk []byte) {
	s.mu.Lock()
	fns := make([]func([]byte), 0, len(s.taps[id]))
	for _, fn := range s.taps[id] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(chunk)
	}
}

// RespawnStart enables the respawn controller for a session.
func (s *Supervisor) RespawnStart(id string, cfg *respawn.Config) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	if cfg != nil {
		m.ctrl.UpdateConfig(*cfg)
	}
	m.ctrl.Start()
	s.persistSession(m)
	return nil
}

// RespawnStop disables the respawn controller for a session.
func (s *Supervisor) RespawnStop(id string) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.ctrl.Stop()
	s.persistSession(m)
	return nil
}

// RespawnSnapshot returns the controller's current state.
func (s *Supervisor) RespawnSnapshot(id string) (respawn.Snapshot, error) {
	m, err := s.get(id)
	if err != nil {
		return respawn.Snapshot{}, err
	}
	return m.ctrl.Snapshot(), nil
}

// RespawnUpdateConfig replaces the controller configuration.
func (s *Supervisor) RespawnUpdateConfig(id string, cfg respawn.Config) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.ctrl.UpdateConfig(cfg)
	s.persistSession(m)
	return nil
}

// ResetBreaker manually closes a session's circuit breaker.
func (s *Supervisor) ResetBreaker(id string) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.ctrl.ResetBreaker()
	m.arb.Enable()
	return nil
}

// RalphState returns the tracker snapshot with pending events flushed.
func (s *Supervisor) RalphState(id string) (ralph.State, error) {
	m, err := s.get(id)
	if err != nil {
		return ralph.State{}, err
	}
	return m.tracker.Snapshot(), nil
}

// RalphConfigure sets the completion phrase and iteration cap.
func (s *Supervisor) RalphConfigure(id, phrase string, maxIterations int) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.tracker.Configure(phrase, maxIterations)
	return nil
}

// RalphAddPhrase registers an alternate completion phrase.
func (s *Supervisor) RalphAddPhrase(id, phrase string) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.tracker.AddAlternatePhrase(phrase)
	return nil
}

// RalphRemovePhrase unregisters an alternate completion phrase.
func (s *Supervisor) RalphRemovePhrase(id, phrase string) error {
	m, err := s.get(id)
	if err != nil {
		return err
	}
	m.tracker.RemoveAlternatePhrase(phrase)
	return nil
}

// IngestHookEvent records an agent hook notification and republishes it
// on the event plane.
func (s *Supervisor) IngestHookEvent(sessionID, kind, payload string) {
	if s.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.history.RecordHookEvent(ctx, sessionID, kind, payload); err != nil {
			s.logger.Warn("hook event record failed", zap.Error(err))
		}
	}
	s.publish(bus.HookSubject(kind), "hook:"+kind, sessionID,
		map[string]any{"payload": payload})
}

// Hub exposes the SSE fanout hub.
func (s *Supervisor) Hub() *fanout.Hub { return s.hub }

// Scheduler exposes the scheduled run manager.
func (s *Supervisor) Scheduler() *scheduler.Scheduler { return s.sched }

// History exposes the append-only history store (nil when disabled).
func (s *Supervisor) History() *history.Store { return s.history }

// StartRun implements scheduler.Runner: create a session and kick it
// off with the run prompt.
func (s *Supervisor) StartRun(workingDir, prompt string) (string, error) {
	info, err := s.CreateSession(CreateOptions{WorkingDir: workingDir})
	if err != nil {
		return "", err
	}
	if err := s.SendInput(info.ID, prompt); err != nil {
		_ = s.DeleteSession(info.ID)
		return "", err
	}
	return info.ID, nil
}

// StopRun implements scheduler.Runner.
func (s *Supervisor) StopRun(sessionID string) error {
	return s.StopSession(sessionID)
}

// RunCost implements scheduler.Runner.
func (s *Supervisor) RunCost(sessionID string) float64 {
	info, err := s.GetSession(sessionID)
	if err != nil {
		return 0
	}
	return info.CostUSD
}

// onRunEnded persists the finished run and announces it.
func (s *Supervisor) onRunEnded(run scheduler.Run) {
	s.store.UpsertTask(state.TaskSnapshot{
		ID:        run.ID,
		SessionID: run.SessionID,
		Prompt:    run.Prompt,
		Deadline:  run.Deadline,
		TaskCount: run.TaskCount,
		CostUSD:   run.CostUSD,
	})
	s.publish(bus.SessionSubject(run.SessionID, "runEnded"), "session:runEnded", run.SessionID,
		map[string]any{"run": run})
}

// fullSnapshot assembles the init payload for new SSE clients.
func (s *Supervisor) fullSnapshot() any {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	managedSet := make([]*managed, 0, len(s.sessions))
	for id, m := range s.sessions {
		ids = append(ids, id)
		managedSet = append(managedSet, m)
	}
	s.mu.Unlock()

	sessions := make([]session.Info, 0, len(managedSet))
	respawns := make(map[string]respawn.Snapshot, len(managedSet))
	loops := make(map[string]ralph.State, len(managedSet))
	for i, m := range managedSet {
		m.tracker.FlushPendingEvents()
		sessions = append(sessions, m.sess.Info())
		respawns[ids[i]] = m.ctrl.Snapshot()
		loops[ids[i]] = m.tracker.Snapshot()
	}

	return map[string]any{
		"sessions":  sessions,
		"respawn":   respawns,
		"ralph":     loops,
		"scheduled": s.sched.List(),
	}
}

// Close shuts everything down: controllers first so no injection races
// the session teardown, then sessions, then the shared infrastructure.
func (s *Supervisor) Close() {
	s.mu.Lock()
	managedSet := make([]*managed, 0, len(s.sessions))
	for _, m := range s.sessions {
		managedSet = append(managedSet, m)
	}
	s.mu.Unlock()

	for _, m := range managedSet {
		m.ctrl.Stop()
		s.persistSession(m)
		m.cm.Dispose()
	}
	// Sessions stay alive in the multiplexer for adoption on restart;
	// only the attach clients are closed.
	for _, m := range managedSet {
		m.sess.Detach()
	}

	s.hub.Close()
	s.bus.Close()
	if s.history != nil {
		_ = s.history.Close()
	}
	if err := s.store.Flush(); err != nil {
		s.logger.Warn("final state flush failed", zap.Error(err))
	}
	s.cleanup.Dispose()
}
