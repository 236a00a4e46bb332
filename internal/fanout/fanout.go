// Package fanout broadcasts supervisor events to connected SSE clients.
// Terminal output is coalesced per session with an adaptive batching
// window and wrapped in DEC-2026 synchronized-update markers; slow
// clients are skipped rather than blocking the hot path and are
// resynchronized with a refresh directive once they drain.
package fanout

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeman/codeman/internal/common/cleanup"
	"github.com/codeman/codeman/internal/common/logger"
)

const clientBufferSize = 64

// Event is one server-sent record.
type Event struct {
	Name string
	Data any
}

// Client is one connected SSE stream. The HTTP handler drains Recv and
// writes each record to the wire.
type Client struct {
	ID   string
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// needsRefresh is set when an event was dropped for this client;
	// the next drain delivers a refresh directive before new events.
	needsRefresh atomic.Bool
}

// Recv returns the channel of framed SSE records.
func (c *Client) Recv() <-chan []byte { return c.send }

// Done is closed when the hub unregisters the client.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub owns the client set and the per-session terminal batchers.
type Hub struct {
	logger  *logger.Logger
	cleanup *cleanup.Manager

	// snapshotFn produces the authoritative init payload for new and
	// refreshed clients.
	snapshotFn func() any

	mu      sync.RWMutex
	clients map[string]*Client
	batches map[string]*terminalBatch

	cache *snapshotCache
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger, cm *cleanup.Manager, snapshotFn func() any) *Hub {
	return &Hub{
		logger:     log.WithComponent("fanout"),
		cleanup:    cm,
		snapshotFn: snapshotFn,
		clients:    make(map[string]*Client),
		batches:    make(map[string]*terminalBatch),
		cache:      newSnapshotCache(),
	}
}

// Register adds a client and queues its init event carrying the current
// snapshot. Listener registration does not survive reconnects; a
// reconnecting client registers anew and receives a fresh init.
func (h *Hub) Register() *Client {
	client := &Client{
		ID:   uuid.NewString(),
		send: make(chan []byte, clientBufferSize),
		done: make(chan struct{}),
	}

	var snapshot any
	if h.snapshotFn != nil {
		snapshot = h.snapshotFn()
	}
	client.send <- frame("init", snapshot)

	h.mu.Lock()
	h.clients[client.ID] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.Int("clients", count))
	return client
}

// Unregister removes a client and releases its stream.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
	client.close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client, best-effort. A client whose
// buffer is full is skipped and flagged; on its next drain it receives a
// session:needsRefresh directive before regular events resume.
func (h *Hub) Broadcast(event Event) {
	h.cache.invalidateOnEvent(event.Name)
	payload := frame(event.Name, event.Data)

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.deliver(client, payload)
	}
}

func (h *Hub) deliver(client *Client, payload []byte) {
	if client.needsRefresh.Load() {
		refresh := frame("session:needsRefresh", map[string]any{"reason": "backpressure"})
		select {
		case client.send <- refresh:
			client.needsRefresh.Store(false)
		default:
			// still backed up, keep skipping
			return
		}
	}
	select {
	case client.send <- payload:
	default:
		client.needsRefresh.Store(true)
	}
}

// Terminal queues raw terminal bytes for a session, coalescing through
// the adaptive batcher. The flushed batch is broadcast as a
// session:output event with base64 payload.
func (h *Hub) Terminal(sessionID string, chunk []byte) {
	h.mu.Lock()
	batch, ok := h.batches[sessionID]
	if !ok {
		batch = newTerminalBatch(sessionID, h.cleanup, h.flushTerminal)
		h.batches[sessionID] = batch
	}
	h.mu.Unlock()

	batch.add(chunk)
}

// DropSession flushes and forgets a session's batcher.
func (h *Hub) DropSession(sessionID string) {
	h.mu.Lock()
	batch, ok := h.batches[sessionID]
	delete(h.batches, sessionID)
	h.mu.Unlock()
	if ok {
		batch.flushNow()
	}
}

func (h *Hub) flushTerminal(sessionID string, data []byte) {
	h.Broadcast(Event{
		Name: "session:output",
		Data: map[string]any{
			"sessionId": sessionID,
			"data":      base64.StdEncoding.EncodeToString(wrapSynchronized(data)),
		},
	})
}

// CachedSnapshot serves a JSON snapshot shape through the 1 s TTL
// cache. Any session:* or respawn:* broadcast invalidates it.
func (h *Hub) CachedSnapshot(key string, fill func() (any, error)) ([]byte, error) {
	return h.cache.get(key, fill)
}

// Close flushes all batchers and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	batches := h.batches
	clients := h.clients
	h.batches = make(map[string]*terminalBatch)
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, batch := range batches {
		batch.flushNow()
	}
	for _, client := range clients {
		client.close()
	}
}

// frame encodes one SSE record: event name line, JSON data line, blank
// separator.
func frame(name string, data any) []byte {
	encoded, err := json.Marshal(data)
	if err != nil {
		encoded = []byte(`{"error":"encoding failed"}`)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, encoded))
}

// DEC-2026 synchronized update markers. Receivers that understand them
// repaint atomically; others pass them through harmlessly.
const (
	syncBegin = "\x1b[?2026h"
	syncEnd   = "\x1b[?2026l"
)

func wrapSynchronized(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(syncBegin)+len(syncEnd))
	out = append(out, syncBegin...)
	out = append(out, data...)
	out = append(out, syncEnd...)
	return out
}
