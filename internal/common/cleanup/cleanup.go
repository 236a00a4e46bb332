// Package cleanup provides centralized disposal of timers, tickers, and
// other resources owned by a component.
//
// Each supervised component (session, respawn controller, tracker) owns a
// Manager; disposing the component disposes everything registered with it.
package cleanup

import (
	"sync"
	"time"
)

// Manager tracks disposable resources for a single owning component.
// All methods are safe for concurrent use. After Dispose, registering
// new resources disposes them immediately.
type Manager struct {
	mu       sync.Mutex
	disposed bool
	nextID   int
	timers   map[int]*time.Timer
	tickers  map[int]*time.Ticker
	funcs    map[int]func()
}

// New creates an empty cleanup manager.
func New() *Manager {
	return &Manager{
		timers:  make(map[int]*time.Timer),
		tickers: make(map[int]*time.Ticker),
		funcs:   make(map[int]func()),
	}
}

// AfterFunc schedules fn after d and registers the timer for disposal.
// The timer deregisters itself when it fires.
func (m *Manager) AfterFunc(d time.Duration, fn func()) *time.Timer {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		t := time.NewTimer(0)
		t.Stop()
		return t // dead timer; fn is never scheduled
	}
	id := m.nextID
	m.nextID++
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
		fn()
	})
	m.timers[id] = t
	m.mu.Unlock()
	return t
}

// Ticker creates a ticker registered for disposal.
func (m *Manager) Ticker(d time.Duration) *time.Ticker {
	t := time.NewTicker(d)
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		t.Stop()
		return t
	}
	id := m.nextID
	m.nextID++
	m.tickers[id] = t
	m.mu.Unlock()
	return t
}

// OnDispose registers fn to run during Dispose. If the manager is already
// disposed, fn runs immediately.
func (m *Manager) OnDispose(fn func()) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		fn()
		return
	}
	id := m.nextID
	m.nextID++
	m.funcs[id] = fn
	m.mu.Unlock()
}

// Disposed reports whether Dispose has been called.
func (m *Manager) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Dispose stops every registered timer and ticker and runs the registered
// dispose funcs. Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	timers := m.timers
	tickers := m.tickers
	funcs := m.funcs
	m.timers = make(map[int]*time.Timer)
	m.tickers = make(map[int]*time.Ticker)
	m.funcs = make(map[int]func())
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, t := range tickers {
		t.Stop()
	}
	for _, fn := range funcs {
		fn()
	}
}
